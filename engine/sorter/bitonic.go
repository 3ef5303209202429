package sorter

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/engine/device"
)

type bitonicSorterImpl struct {
	dev      device.Device
	stride   uint64
	steps    device.Buffer
	capacity uint32
	// written is the element count whose network is currently in the steps buffer.
	written uint32
}

var _ DepthSorter = &bitonicSorterImpl{}

// NewBitonicSorter creates a DepthSorter that runs a bitonic network, one dispatch per
// compare-exchange stage. Stage parameters live in a uniform buffer addressed with
// dynamic offsets.
//
// Parameters:
//   - dev: the device that owns the working resources
//   - n: the initial element capacity
//
// Returns:
//   - DepthSorter: the sorter
//   - error: wraps device.ErrAllocation when resources cannot be created
func NewBitonicSorter(dev device.Device, n uint32) (DepthSorter, error) {
	stride := uint64(device.SortStepStride)
	if a := uint64(dev.Limits().MinUniformBufferOffsetAlignment); a > stride {
		stride = a
	}
	s := &bitonicSorterImpl{dev: dev, stride: stride}
	if err := s.Resize(n); err != nil {
		return nil, err
	}
	return s, nil
}

// Steps returns the bitonic network for n elements rounded up to a power of two, in
// dispatch order.
//
// Parameters:
//   - n: the element count
//
// Returns:
//   - []device.GPUSortStep: one entry per stage
func Steps(n uint32) []device.GPUSortStep {
	p := common.NextPowerOfTwo(n)
	var steps []device.GPUSortStep
	for k := uint32(2); k <= p; k <<= 1 {
		for j := k >> 1; j > 0; j >>= 1 {
			steps = append(steps, device.GPUSortStep{K: k, J: j, Capacity: p})
		}
	}
	return steps
}

func (s *bitonicSorterImpl) Capacity() uint32 {
	return s.capacity
}

func (s *bitonicSorterImpl) Resize(n uint32) error {
	p := common.NextPowerOfTwo(n)
	if s.steps != nil && p == s.capacity {
		return nil
	}
	count := max(len(Steps(p)), 1)
	steps, err := s.dev.CreateBuffer(device.BufferDescriptor{
		Label: "bitonic steps",
		Size:  uint64(count) * s.stride,
		Usage: device.BufferUsageUniform | device.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("failed to create bitonic steps for %d elements: %w", p, err)
	}
	if s.steps != nil {
		s.steps.Release()
	}
	s.steps, s.capacity, s.written = steps, p, 0
	return nil
}

func (s *bitonicSorterImpl) writeSteps(p uint32) error {
	if p == s.written {
		return nil
	}
	for i, step := range Steps(p) {
		if err := s.dev.WriteBuffer(s.steps, uint64(i)*s.stride, step.Marshal()); err != nil {
			return fmt.Errorf("failed to write bitonic step %d: %w", i, err)
		}
	}
	s.written = p
	return nil
}

func (s *bitonicSorterImpl) Record(cs device.CommandStream, keys, values device.Buffer, n uint32) error {
	if n <= 1 {
		return nil
	}
	p := common.NextPowerOfTwo(n)
	if p > s.capacity {
		return fmt.Errorf("sort %d elements with capacity %d: %w", n, s.capacity, device.ErrBufferTooSmall)
	}
	if keys.Size() < uint64(p)*4 || values.Size() < uint64(p)*4 {
		return fmt.Errorf("sort of %d elements needs %d-element key and value lists: %w", n, p, device.ErrBufferTooSmall)
	}
	if err := s.writeSteps(p); err != nil {
		return err
	}

	groups := device.Workgroups(p, device.KernelBitonicStep.WorkgroupSize())
	stepSize := uint64((&device.GPUSortStep{}).Size())
	for i := range len(Steps(p)) {
		cs.Dispatch(device.DispatchArgs{
			Kernel: device.KernelBitonicStep,
			Bindings: []device.Binding{
				{Buffer: s.steps, Size: stepSize},
				{Buffer: keys, Size: uint64(p) * 4},
				{Buffer: values, Size: uint64(p) * 4},
			},
			Workgroups:     groups,
			DynamicOffsets: []uint32{uint32(uint64(i) * s.stride)},
		})
	}
	return nil
}

func (s *bitonicSorterImpl) Release() {
	if s.steps != nil {
		s.steps.Release()
		s.steps = nil
	}
	s.capacity, s.written = 0, 0
}
