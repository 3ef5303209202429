package scheduler

type SchedulerBuilderOption func(*schedulerImpl)

// WithParams sets the scheduler tunables.
//
// Parameters:
//   - p: the tunables, clamped into their valid ranges
//
// Returns:
//   - SchedulerBuilderOption: a function that sets the params
func WithParams(p Params) SchedulerBuilderOption {
	return func(s *schedulerImpl) {
		s.params = p.normalized()
	}
}

// WithCullingEnabled sets whether visibility culling runs for this renderable.
//
// Parameters:
//   - enabled: true when culling is on
//
// Returns:
//   - SchedulerBuilderOption: a function that sets the culling flag
func WithCullingEnabled(enabled bool) SchedulerBuilderOption {
	return func(s *schedulerImpl) {
		s.culling = enabled
	}
}

// WithName sets the renderable name attached to log records.
//
// Parameters:
//   - name: the renderable name
//
// Returns:
//   - SchedulerBuilderOption: a function that sets the name
func WithName(name string) SchedulerBuilderOption {
	return func(s *schedulerImpl) {
		s.name = name
	}
}
