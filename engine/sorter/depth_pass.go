package sorter

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/engine/device"
)

// DepthInputs are the per-frame bindings of the depth key pass.
type DepthInputs struct {
	// View is the world-to-view matrix, column-major.
	View [16]float32
	// Positions holds packed xyz positions of the active level.
	Positions device.Buffer
	// Args is the indirect draw argument buffer; its instance count bounds the real keys.
	Args device.Buffer
}

// DepthPass owns the key and value lists consumed by a DepthSorter and records the kernel
// that fills the keys from view-space depth.
type DepthPass interface {
	// Resize reallocates the key and value lists for n splats, rounded up to a power of two.
	//
	// Parameters:
	//   - n: splats in the active level
	//
	// Returns:
	//   - error: wraps device.ErrAllocation when a buffer cannot be created
	Resize(n uint32) error

	// Capacity returns the length of the key and value lists.
	Capacity() uint32

	// Keys returns the key list.
	Keys() device.Buffer

	// Values returns the value list, the splat draw order once sorted.
	Values() device.Buffer

	// FrontToBack reports whether nearer splats sort first.
	FrontToBack() bool

	// SetFrontToBack changes the sort direction from the next recorded pass.
	SetFrontToBack(frontToBack bool)

	// Record writes the depth uniform and records the key kernel. Slots at or past the
	// on-device visible count receive SentinelKey.
	//
	// Parameters:
	//   - cs: the frame's command stream
	//   - in: the frame inputs
	//
	// Returns:
	//   - error: an error if the uniform cannot be written
	Record(cs device.CommandStream, in DepthInputs) error

	// Release frees the pass's buffers.
	Release()
}

type depthPassImpl struct {
	dev         device.Device
	frontToBack bool

	uniform  device.Buffer
	keys     device.Buffer
	values   device.Buffer
	capacity uint32
}

var _ DepthPass = &depthPassImpl{}

// NewDepthPass creates a DepthPass sized for n splats.
//
// Parameters:
//   - dev: the device that owns the buffers
//   - n: initial splat count
//   - options: builder options
//
// Returns:
//   - DepthPass: the depth pass
//   - error: wraps device.ErrAllocation when a buffer cannot be created
func NewDepthPass(dev device.Device, n uint32, options ...DepthPassBuilderOption) (DepthPass, error) {
	d := &depthPassImpl{dev: dev}
	for _, opt := range options {
		opt(d)
	}
	uniform, err := dev.CreateBuffer(device.BufferDescriptor{
		Label: "depth uniform",
		Size:  uint64((&device.GPUDepthUniform{}).Size()),
		Usage: device.BufferUsageUniform | device.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create depth uniform: %w", err)
	}
	d.uniform = uniform
	if err := d.Resize(n); err != nil {
		d.Release()
		return nil, err
	}
	return d, nil
}

func (d *depthPassImpl) Resize(n uint32) error {
	p := common.NextPowerOfTwo(n)
	if d.keys != nil && p == d.capacity {
		return nil
	}
	size := max(uint64(p)*4, device.MinBufferSize)
	keys, err := d.dev.CreateBuffer(device.BufferDescriptor{
		Label: "sort keys",
		Size:  size,
		Usage: device.BufferUsageStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create sort keys for %d splats: %w", p, err)
	}
	values, err := d.dev.CreateBuffer(device.BufferDescriptor{
		Label: "sort values",
		Size:  size,
		Usage: device.BufferUsageStorage | device.BufferUsageCopySrc,
	})
	if err != nil {
		keys.Release()
		return fmt.Errorf("failed to create sort values for %d splats: %w", p, err)
	}
	d.releaseLists()
	d.keys, d.values, d.capacity = keys, values, p
	return nil
}

func (d *depthPassImpl) Capacity() uint32 {
	return d.capacity
}

func (d *depthPassImpl) Keys() device.Buffer {
	return d.keys
}

func (d *depthPassImpl) Values() device.Buffer {
	return d.values
}

func (d *depthPassImpl) FrontToBack() bool {
	return d.frontToBack
}

func (d *depthPassImpl) SetFrontToBack(frontToBack bool) {
	d.frontToBack = frontToBack
}

func (d *depthPassImpl) Record(cs device.CommandStream, in DepthInputs) error {
	u := device.GPUDepthUniform{View: in.View, Capacity: d.capacity}
	if d.frontToBack {
		u.FrontToBack = 1
	}
	if err := d.dev.WriteBuffer(d.uniform, 0, u.Marshal()); err != nil {
		return fmt.Errorf("failed to write depth uniform: %w", err)
	}
	cs.Dispatch(device.DispatchArgs{
		Kernel: device.KernelComputeDepth,
		Bindings: []device.Binding{
			{Buffer: d.uniform},
			{Buffer: in.Positions},
			{Buffer: d.values},
			{Buffer: in.Args},
			{Buffer: d.keys},
		},
		Workgroups: device.Workgroups(d.capacity, device.KernelComputeDepth.WorkgroupSize()),
	})
	return nil
}

func (d *depthPassImpl) releaseLists() {
	if d.keys != nil {
		d.keys.Release()
		d.keys = nil
	}
	if d.values != nil {
		d.values.Release()
		d.values = nil
	}
}

func (d *depthPassImpl) Release() {
	d.releaseLists()
	if d.uniform != nil {
		d.uniform.Release()
		d.uniform = nil
	}
}
