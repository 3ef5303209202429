package compaction

type CompactorBuilderOption func(*compactorImpl)

// WithVertexCount sets the per-instance vertex count written into the draw arguments.
//
// Parameters:
//   - n: vertices per splat instance
//
// Returns:
//   - CompactorBuilderOption: a function that sets the vertex count
func WithVertexCount(n uint32) CompactorBuilderOption {
	return func(c *compactorImpl) {
		if n > 0 {
			c.vertexCount = n
		}
	}
}
