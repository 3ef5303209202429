package sorter

type DepthPassBuilderOption func(*depthPassImpl)

// WithFrontToBack draws nearer splats first. The default is back to front, which is the
// order alpha blending with the "over" operator needs.
//
// Parameters:
//   - frontToBack: true to sort nearest first
//
// Returns:
//   - DepthPassBuilderOption: a function that sets the sort direction
func WithFrontToBack(frontToBack bool) DepthPassBuilderOption {
	return func(d *depthPassImpl) {
		d.frontToBack = frontToBack
	}
}
