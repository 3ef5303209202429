// Package compaction turns a per-splat visibility mask into a dense list of visible
// indices on the device. The visible count lands in the instance count of the indirect
// draw arguments and is never read back to steer the frame.
package compaction

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-splat/engine/device"
)

// QuadVertexCount is the number of vertices drawn per splat instance (a triangle-strip quad).
const QuadVertexCount = 4

// Compact is the host reference of the device compaction: the indices of set mask words,
// in ascending order, and their count.
//
// Parameters:
//   - mask: one word per splat, non-zero for visible
//
// Returns:
//   - []uint32: the visible indices
//   - uint32: the number of visible splats
func Compact(mask []uint32) ([]uint32, uint32) {
	out := make([]uint32, 0, len(mask))
	for i, m := range mask {
		if m != 0 {
			out = append(out, uint32(i))
		}
	}
	return out, uint32(len(out))
}

// Inputs are the bindings of one compaction.
type Inputs struct {
	// Mask holds one u32 per splat.
	Mask device.Buffer
	// Count is the number of splats in the active level.
	Count uint32
	// Values is the sorter's value list that receives the compacted indices.
	Values device.Buffer
	// Capacity is the length of Values in elements; slots past the visible count get
	// device.SentinelIndex.
	Capacity uint32
}

// Compactor owns the compacted index list and the indirect draw arguments.
type Compactor interface {
	// Resize reallocates the compacted index list for n splats.
	//
	// Parameters:
	//   - n: splats in the active level
	//
	// Returns:
	//   - error: wraps device.ErrAllocation when the buffer cannot be created
	Resize(n uint32) error

	// Record records reset, write and copy as three separate dispatches so no pass reads
	// what it writes within one dispatch.
	//
	// Parameters:
	//   - cs: the frame's command stream
	//   - in: the mask, splat count and destination value list
	//
	// Returns:
	//   - error: an error if the inputs do not fit the allocated buffers
	Record(cs device.CommandStream, in Inputs) error

	// RecordIdentity fills values with 0..count-1 and sets the draw arguments to count.
	// Used on frames rendered without culling.
	//
	// Parameters:
	//   - cs: the frame's command stream
	//   - values: the sorter's value list
	//   - count: splats in the active level
	//   - capacity: length of values in elements
	//
	// Returns:
	//   - error: an error if the parameters cannot be written
	RecordIdentity(cs device.CommandStream, values device.Buffer, count, capacity uint32) error

	// Args returns the indirect draw argument buffer. Its instance count is the visible count.
	Args() device.Buffer

	// Compacted returns the dense visible index list.
	Compacted() device.Buffer

	// Release frees the compactor's buffers.
	Release()
}

type compactorImpl struct {
	dev         device.Device
	vertexCount uint32

	params    device.Buffer
	args      device.Buffer
	compacted device.Buffer
	capacity  uint32
}

var _ Compactor = &compactorImpl{}

// NewCompactor creates a Compactor sized for n splats.
//
// Parameters:
//   - dev: the device that owns the buffers
//   - n: initial splat capacity
//   - options: builder options
//
// Returns:
//   - Compactor: the compactor
//   - error: wraps device.ErrAllocation when a buffer cannot be created
func NewCompactor(dev device.Device, n uint32, options ...CompactorBuilderOption) (Compactor, error) {
	c := &compactorImpl{
		dev:         dev,
		vertexCount: QuadVertexCount,
	}
	for _, opt := range options {
		opt(c)
	}

	var err error
	c.params, err = dev.CreateBuffer(device.BufferDescriptor{
		Label: "compaction params",
		Size:  uint64((&device.GPUCompactParams{}).Size()),
		Usage: device.BufferUsageUniform | device.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create compaction params: %w", err)
	}
	c.args, err = dev.CreateBuffer(device.BufferDescriptor{
		Label: "draw indirect args",
		Size:  uint64((&device.GPUDrawIndirectArgs{}).Size()),
		Usage: device.BufferUsageStorage | device.BufferUsageIndirect | device.BufferUsageCopySrc | device.BufferUsageCopyDst,
	})
	if err != nil {
		c.Release()
		return nil, fmt.Errorf("failed to create draw indirect args: %w", err)
	}
	initial := device.GPUDrawIndirectArgs{VertexCount: c.vertexCount}
	if err := dev.WriteBuffer(c.args, 0, initial.Marshal()); err != nil {
		c.Release()
		return nil, err
	}
	if err := c.Resize(n); err != nil {
		c.Release()
		return nil, err
	}
	return c, nil
}

func (c *compactorImpl) Resize(n uint32) error {
	if c.compacted != nil && n == c.capacity {
		return nil
	}
	compacted, err := c.dev.CreateBuffer(device.BufferDescriptor{
		Label: "compacted indices",
		Size:  max(uint64(n)*4, device.MinBufferSize),
		Usage: device.BufferUsageStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create compacted indices for %d splats: %w", n, err)
	}
	if c.compacted != nil {
		c.compacted.Release()
	}
	c.compacted, c.capacity = compacted, n
	return nil
}

func (c *compactorImpl) writeParams(count, capacity uint32) error {
	p := device.GPUCompactParams{Count: count, Capacity: capacity, VertexCount: c.vertexCount}
	if err := c.dev.WriteBuffer(c.params, 0, p.Marshal()); err != nil {
		return fmt.Errorf("failed to write compaction params: %w", err)
	}
	return nil
}

func (c *compactorImpl) Record(cs device.CommandStream, in Inputs) error {
	if in.Count > c.capacity {
		return fmt.Errorf("compact %d splats with capacity %d: %w", in.Count, c.capacity, device.ErrBufferTooSmall)
	}
	if in.Capacity < in.Count {
		return fmt.Errorf("value list of %d cannot hold %d splats: %w", in.Capacity, in.Count, device.ErrBufferTooSmall)
	}
	if err := c.writeParams(in.Count, in.Capacity); err != nil {
		return err
	}

	cs.Dispatch(device.DispatchArgs{
		Kernel:     device.KernelCompactReset,
		Bindings:   []device.Binding{{Buffer: c.params}, {Buffer: c.args}},
		Workgroups: [3]uint32{1, 1, 1},
	})
	cs.Dispatch(device.DispatchArgs{
		Kernel: device.KernelCompactWrite,
		Bindings: []device.Binding{
			{Buffer: c.params},
			{Buffer: in.Mask},
			{Buffer: c.args},
			{Buffer: c.compacted},
		},
		Workgroups: device.Workgroups(in.Count, device.KernelCompactWrite.WorkgroupSize()),
	})
	cs.Dispatch(device.DispatchArgs{
		Kernel: device.KernelCompactCopy,
		Bindings: []device.Binding{
			{Buffer: c.params},
			{Buffer: c.args},
			{Buffer: c.compacted},
			{Buffer: in.Values},
		},
		Workgroups: device.Workgroups(in.Capacity, device.KernelCompactCopy.WorkgroupSize()),
	})
	return nil
}

func (c *compactorImpl) RecordIdentity(cs device.CommandStream, values device.Buffer, count, capacity uint32) error {
	if capacity < count {
		return fmt.Errorf("value list of %d cannot hold %d splats: %w", capacity, count, device.ErrBufferTooSmall)
	}
	if err := c.writeParams(count, capacity); err != nil {
		return err
	}
	cs.Dispatch(device.DispatchArgs{
		Kernel:     device.KernelInitIndices,
		Bindings:   []device.Binding{{Buffer: c.params}, {Buffer: values}, {Buffer: c.args}},
		Workgroups: device.Workgroups(capacity, device.KernelInitIndices.WorkgroupSize()),
	})
	return nil
}

func (c *compactorImpl) Args() device.Buffer {
	return c.args
}

func (c *compactorImpl) Compacted() device.Buffer {
	return c.compacted
}

func (c *compactorImpl) Release() {
	for _, b := range []*device.Buffer{&c.params, &c.args, &c.compacted} {
		if *b != nil {
			(*b).Release()
			*b = nil
		}
	}
}
