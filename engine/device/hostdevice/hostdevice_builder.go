package hostdevice

import (
	"github.com/Carmen-Shannon/oxy-splat/engine/device"
)

type HostDeviceBuilderOption func(*hostDeviceImpl)

// WithAllocationLimit caps the total bytes of live buffers. CreateBuffer fails with
// device.ErrAllocation once the cap would be exceeded. Zero disables the cap.
//
// Parameters:
//   - bytes: the allocation cap
//
// Returns:
//   - HostDeviceBuilderOption: a function that sets the allocation cap
func WithAllocationLimit(bytes uint64) HostDeviceBuilderOption {
	return func(d *hostDeviceImpl) {
		d.allocationLimit = bytes
	}
}

// WithLimits overrides the limits reported by the device.
//
// Parameters:
//   - limits: the device limits
//
// Returns:
//   - HostDeviceBuilderOption: a function that sets the device limits
func WithLimits(limits device.Limits) HostDeviceBuilderOption {
	return func(d *hostDeviceImpl) {
		d.limits = limits
	}
}

// WithKernel replaces the Go implementation of a kernel. Passing nil removes it, so
// dispatching that kernel fails at submit.
//
// Parameters:
//   - id: the kernel to replace
//   - fn: the host implementation
//
// Returns:
//   - HostDeviceBuilderOption: a function that registers the kernel
func WithKernel(id device.KernelId, fn HostKernel) HostDeviceBuilderOption {
	return func(d *hostDeviceImpl) {
		if fn == nil {
			delete(d.kernels, id)
			return
		}
		d.kernels[id] = fn
	}
}
