package visibility

type ClassifierBuilderOption func(*classifierImpl)

// WithTolerance sets how far the chunk pass pushes the frustum outward, in world units.
//
// Parameters:
//   - tolerance: the expansion, negative values are treated as zero
//
// Returns:
//   - ClassifierBuilderOption: a function that sets the tolerance
func WithTolerance(tolerance float32) ClassifierBuilderOption {
	return func(c *classifierImpl) {
		c.tolerance = max(tolerance, 0)
	}
}

// WithRadiusScale overrides the multiplier applied to a splat's largest scale component
// when forming its bounding sphere.
//
// Parameters:
//   - scale: the multiplier, ignored when not positive
//
// Returns:
//   - ClassifierBuilderOption: a function that sets the radius multiplier
func WithRadiusScale(scale float32) ClassifierBuilderOption {
	return func(c *classifierImpl) {
		if scale > 0 {
			c.radiusScale = scale
		}
	}
}
