package wgpudevice

import (
	"github.com/cogentcore/webgpu/wgpu"
)

type WGPUDeviceBuilderOption func(*wgpuDeviceImpl)

// WithSurfaceDescriptor draws into a window surface instead of an offscreen target.
//
// Parameters:
//   - desc: the platform surface descriptor, usually from the window
//
// Returns:
//   - WGPUDeviceBuilderOption: a function that sets the surface descriptor
func WithSurfaceDescriptor(desc *wgpu.SurfaceDescriptor) WGPUDeviceBuilderOption {
	return func(d *wgpuDeviceImpl) {
		d.surfaceDescriptor = desc
	}
}

// WithForceFallbackAdapter requests the software fallback adapter.
//
// Parameters:
//   - force: true to force the fallback adapter
//
// Returns:
//   - WGPUDeviceBuilderOption: a function that sets the adapter preference
func WithForceFallbackAdapter(force bool) WGPUDeviceBuilderOption {
	return func(d *wgpuDeviceImpl) {
		d.forceFallbackAdapter = force
	}
}

// WithTargetSize sets the initial draw target size.
//
// Parameters:
//   - width: target width in pixels
//   - height: target height in pixels
//
// Returns:
//   - WGPUDeviceBuilderOption: a function that sets the target size
func WithTargetSize(width, height int) WGPUDeviceBuilderOption {
	return func(d *wgpuDeviceImpl) {
		d.width = width
		d.height = height
	}
}

// WithVSync presents in FIFO mode when enabled. The default is uncapped.
//
// Parameters:
//   - enabled: true to wait for vertical sync
//
// Returns:
//   - WGPUDeviceBuilderOption: a function that sets the present mode
func WithVSync(enabled bool) WGPUDeviceBuilderOption {
	return func(d *wgpuDeviceImpl) {
		if enabled {
			d.presentMode = wgpu.PresentModeFifo
		} else {
			d.presentMode = wgpu.PresentModeImmediate
		}
	}
}

// WithKernelValidation toggles the WGSL preflight run before pipeline creation.
//
// Parameters:
//   - enabled: true to preflight every kernel
//
// Returns:
//   - WGPUDeviceBuilderOption: a function that sets kernel validation
func WithKernelValidation(enabled bool) WGPUDeviceBuilderOption {
	return func(d *wgpuDeviceImpl) {
		d.validateKernels = enabled
	}
}

// WithClearColor sets the color the first draw of each frame clears to.
//
// Parameters:
//   - color: the clear color
//
// Returns:
//   - WGPUDeviceBuilderOption: a function that sets the clear color
func WithClearColor(color wgpu.Color) WGPUDeviceBuilderOption {
	return func(d *wgpuDeviceImpl) {
		d.clearColor = color
	}
}
