package orchestrator

import (
	"github.com/Carmen-Shannon/oxy-splat/config"
)

type CoordinatorBuilderOption func(*renderCoordinatorImpl)

// WithCoordinatorConfig applies a configuration to every renderable registered afterwards and
// sets the telemetry interval.
//
// Parameters:
//   - cfg: the configuration
//
// Returns:
//   - CoordinatorBuilderOption: a function that applies the configuration to a coordinator instance
func WithCoordinatorConfig(cfg config.Config) CoordinatorBuilderOption {
	return func(c *renderCoordinatorImpl) {
		c.cfg = &cfg
		c.interval = cfg.Telemetry.IntervalFrames
	}
}

// WithTelemetryInterval sets how many frames apart visible-count readbacks are issued.
// Zero disables them.
//
// Parameters:
//   - frames: the interval
//
// Returns:
//   - CoordinatorBuilderOption: a function that applies the interval to a coordinator instance
func WithTelemetryInterval(frames int) CoordinatorBuilderOption {
	return func(c *renderCoordinatorImpl) {
		c.interval = max(frames, 0)
	}
}
