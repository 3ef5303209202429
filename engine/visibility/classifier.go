// Package visibility classifies splats against the view frustum: a coarse pass over
// fixed-size chunks followed by a fine pass over members of partially visible chunks.
package visibility

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/engine/device"
)

// Inputs are the per-frame bindings of a classification pass.
type Inputs struct {
	Frustum    common.Frustum
	SplatCount uint32
	// ChunkCount may be zero, in which case every splat is tested individually.
	ChunkCount uint32
	ChunkSize  uint32
	Positions  device.Buffer
	Others     device.Buffer
	// Chunks holds ChunkCount GPUChunkBounds records. Ignored when ChunkCount is zero.
	Chunks device.Buffer
}

// Classifier records the two culling dispatches and owns the mask they produce.
type Classifier interface {
	// Resize reallocates the chunk state and mask buffers for a new level.
	//
	// Parameters:
	//   - splatCount: splats in the active level
	//   - chunkCount: chunks in the active level
	//
	// Returns:
	//   - error: wraps device.ErrAllocation when a buffer cannot be created
	Resize(splatCount, chunkCount uint32) error

	// Record writes the cull uniform and records chunk then splat classification.
	// The chunk pass is skipped when in.ChunkCount is zero.
	//
	// Parameters:
	//   - cs: the frame's command stream
	//   - in: the frame inputs
	//
	// Returns:
	//   - error: an error if the inputs do not fit the allocated buffers
	Record(cs device.CommandStream, in Inputs) error

	// Mask returns the per-splat visibility buffer, one u32 per splat.
	Mask() device.Buffer

	// Tolerance returns the frustum expansion used by the chunk pass.
	Tolerance() float32

	// SetTolerance changes the frustum expansion. Negative values are treated as zero.
	SetTolerance(tolerance float32)

	// Release frees the classifier's buffers.
	Release()
}

type classifierImpl struct {
	dev         device.Device
	tolerance   float32
	radiusScale float32

	uniform    device.Buffer
	chunkState device.Buffer
	mask       device.Buffer
	splatCap   uint32
	chunkCap   uint32
}

var _ Classifier = &classifierImpl{}

// NewClassifier creates a Classifier sized for splatCount splats and chunkCount chunks.
//
// Parameters:
//   - dev: the device that owns the buffers
//   - splatCount: initial splat capacity
//   - chunkCount: initial chunk capacity
//   - options: builder options
//
// Returns:
//   - Classifier: the classifier
//   - error: wraps device.ErrAllocation when a buffer cannot be created
func NewClassifier(dev device.Device, splatCount, chunkCount uint32, options ...ClassifierBuilderOption) (Classifier, error) {
	c := &classifierImpl{
		dev:         dev,
		tolerance:   0,
		radiusScale: RadiusScale,
	}
	for _, opt := range options {
		opt(c)
	}

	uniform, err := dev.CreateBuffer(device.BufferDescriptor{
		Label: "cull uniform",
		Size:  uint64((&device.GPUCullUniform{}).Size()),
		Usage: device.BufferUsageUniform | device.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cull uniform: %w", err)
	}
	c.uniform = uniform

	if err := c.Resize(splatCount, chunkCount); err != nil {
		c.Release()
		return nil, err
	}
	return c, nil
}

func (c *classifierImpl) Resize(splatCount, chunkCount uint32) error {
	if c.mask != nil && splatCount == c.splatCap && chunkCount == c.chunkCap {
		return nil
	}
	mask, err := c.dev.CreateBuffer(device.BufferDescriptor{
		Label: "visibility mask",
		Size:  max(uint64(splatCount)*4, device.MinBufferSize),
		Usage: device.BufferUsageStorage | device.BufferUsageCopySrc,
	})
	if err != nil {
		return fmt.Errorf("failed to create visibility mask for %d splats: %w", splatCount, err)
	}
	state, err := c.dev.CreateBuffer(device.BufferDescriptor{
		Label: "chunk state",
		Size:  max(uint64(chunkCount)*4, device.MinBufferSize),
		Usage: device.BufferUsageStorage,
	})
	if err != nil {
		mask.Release()
		return fmt.Errorf("failed to create chunk state for %d chunks: %w", chunkCount, err)
	}

	c.releaseWorking()
	c.mask, c.chunkState = mask, state
	c.splatCap, c.chunkCap = splatCount, chunkCount
	return nil
}

func (c *classifierImpl) Record(cs device.CommandStream, in Inputs) error {
	if in.SplatCount > c.splatCap {
		return fmt.Errorf("classify %d splats with capacity %d: %w", in.SplatCount, c.splatCap, device.ErrBufferTooSmall)
	}
	if in.ChunkCount > c.chunkCap {
		return fmt.Errorf("classify %d chunks with capacity %d: %w", in.ChunkCount, c.chunkCap, device.ErrBufferTooSmall)
	}
	if in.ChunkCount > 0 && (in.Chunks == nil || in.ChunkSize == 0) {
		return fmt.Errorf("classify %d chunks without a chunk table", in.ChunkCount)
	}

	u := device.GPUCullUniform{
		Planes:         device.FrustumPlanes(in.Frustum),
		ExpandedPlanes: device.FrustumPlanes(in.Frustum.Expanded(c.tolerance)),
		SplatCount:     in.SplatCount,
		ChunkCount:     in.ChunkCount,
		ChunkSize:      max(in.ChunkSize, 1),
		RadiusScale:    c.radiusScale,
	}
	if err := c.dev.WriteBuffer(c.uniform, 0, u.Marshal()); err != nil {
		return fmt.Errorf("failed to write cull uniform: %w", err)
	}

	if in.ChunkCount > 0 {
		cs.Dispatch(device.DispatchArgs{
			Kernel: device.KernelCullChunks,
			Bindings: []device.Binding{
				{Buffer: c.uniform},
				{Buffer: in.Chunks},
				{Buffer: c.chunkState},
			},
			Workgroups: device.Workgroups(in.ChunkCount, device.KernelCullChunks.WorkgroupSize()),
		})
	}
	cs.Dispatch(device.DispatchArgs{
		Kernel: device.KernelCullSplats,
		Bindings: []device.Binding{
			{Buffer: c.uniform},
			{Buffer: in.Positions},
			{Buffer: in.Others},
			{Buffer: c.chunkState},
			{Buffer: c.mask},
		},
		Workgroups: device.Workgroups(in.SplatCount, device.KernelCullSplats.WorkgroupSize()),
	})
	return nil
}

func (c *classifierImpl) Mask() device.Buffer {
	return c.mask
}

func (c *classifierImpl) Tolerance() float32 {
	return c.tolerance
}

func (c *classifierImpl) SetTolerance(tolerance float32) {
	c.tolerance = max(tolerance, 0)
}

func (c *classifierImpl) Release() {
	c.releaseWorking()
	if c.uniform != nil {
		c.uniform.Release()
		c.uniform = nil
	}
}

func (c *classifierImpl) releaseWorking() {
	if c.mask != nil {
		c.mask.Release()
		c.mask = nil
	}
	if c.chunkState != nil {
		c.chunkState.Release()
		c.chunkState = nil
	}
}
