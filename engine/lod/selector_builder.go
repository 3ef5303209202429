package lod

type SelectorBuilderOption func(*selectorImpl)

// WithDebounceFrames sets how many consecutive frames a new candidate must hold before it
// is committed.
//
// Parameters:
//   - n: the frame count, at least 1
//
// Returns:
//   - SelectorBuilderOption: a function that sets the debounce
func WithDebounceFrames(n int) SelectorBuilderOption {
	return func(s *selectorImpl) {
		s.debounce = max(n, 1)
	}
}

// WithDistanceMultiplier scales every camera distance before threshold lookup.
//
// Parameters:
//   - m: the multiplier, ignored when not positive
//
// Returns:
//   - SelectorBuilderOption: a function that sets the multiplier
func WithDistanceMultiplier(m float32) SelectorBuilderOption {
	return func(s *selectorImpl) {
		if m > 0 {
			s.multiplier = m
		}
	}
}

// WithBlendBand sets the distance below a threshold across which BlendFactor ramps to 1.
//
// Parameters:
//   - band: the band width in scaled distance units, 0 disables blending
//
// Returns:
//   - SelectorBuilderOption: a function that sets the blend band
func WithBlendBand(band float32) SelectorBuilderOption {
	return func(s *selectorImpl) {
		s.blendBand = max(band, 0)
	}
}
