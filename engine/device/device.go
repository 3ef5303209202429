package device

import (
	"errors"

	"github.com/Carmen-Shannon/oxy-splat/common"
)

var (
	// ErrUnknownKernel is returned when a dispatch names a KernelId outside the closed set.
	ErrUnknownKernel = errors.New("unknown kernel")

	// ErrBufferTooSmall is returned when a write or copy does not fit its destination.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrAllocation is returned when the device cannot create a resource.
	ErrAllocation = errors.New("device allocation failed")

	// ErrStreamClosed is returned when a command stream is used after Submit.
	ErrStreamClosed = errors.New("command stream already submitted")
)

// BufferUsage is a bit set describing how a buffer will be bound.
type BufferUsage uint32

const (
	// BufferUsageStorage allows binding as a read-only or read-write storage buffer.
	BufferUsageStorage BufferUsage = 1 << iota

	// BufferUsageUniform allows binding as a uniform buffer.
	BufferUsageUniform

	// BufferUsageIndirect allows use as indirect draw arguments.
	BufferUsageIndirect

	// BufferUsageCopySrc allows the buffer to be the source of copies and readbacks.
	BufferUsageCopySrc

	// BufferUsageCopyDst allows host writes and copies into the buffer.
	BufferUsageCopyDst
)

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// Buffer is a device-resident allocation.
type Buffer interface {
	// Label returns the debug label the buffer was created with.
	Label() string

	// Size returns the allocation size in bytes.
	Size() uint64

	// Release frees the device memory. Calling Release twice is a no-op.
	Release()
}

// Limits reports device constraints callers must respect when laying out resources.
type Limits struct {
	// MinUniformBufferOffsetAlignment is the alignment required for dynamic uniform offsets.
	MinUniformBufferOffsetAlignment uint32
	// MaxBufferSize is the largest buffer the device can create.
	MaxBufferSize uint64
	// MaxWorkgroupsPerDimension caps each dispatch dimension.
	MaxWorkgroupsPerDimension uint32
}

// Binding attaches a buffer range to one binding slot of a kernel. A zero Size binds the
// remainder of the buffer from Offset.
type Binding struct {
	Buffer Buffer
	Offset uint64
	Size   uint64
}

// DispatchArgs describes one compute dispatch. Bindings are indexed by binding number and
// must match the kernel's BindingKinds. DynamicOffsets apply, in order, to the kernel's
// dynamic uniform bindings.
type DispatchArgs struct {
	Kernel         KernelId
	Bindings       []Binding
	Workgroups     [3]uint32
	DynamicOffsets []uint32
}

// DrawArgs describes an indirect draw of the splat quad pipeline. Args must hold a
// GPUDrawIndirectArgs record; ViewData and Order are bound for the vertex stage.
type DrawArgs struct {
	Label    string
	Args     Buffer
	ViewData Buffer
	Order    Buffer
}

// Device is the compute/draw interface consumed by the splat pipeline.
// All methods are called from the single frame-update thread.
type Device interface {
	// CreateBuffer allocates a device buffer.
	//
	// Parameters:
	//   - desc: the buffer descriptor
	//
	// Returns:
	//   - Buffer: the created buffer
	//   - error: wraps ErrAllocation when the device cannot satisfy the request
	CreateBuffer(desc BufferDescriptor) (Buffer, error)

	// WriteBuffer stages a host write into a buffer. Staged writes are visible to every
	// command stream submitted afterwards.
	//
	// Parameters:
	//   - buf: the destination buffer
	//   - offset: byte offset into the destination
	//   - data: the bytes to write
	//
	// Returns:
	//   - error: ErrBufferTooSmall if the write does not fit
	WriteBuffer(buf Buffer, offset uint64, data []byte) error

	// BeginFrame opens the single ordered command stream for a frame.
	//
	// Returns:
	//   - CommandStream: the stream to record into
	//   - error: an error if the stream could not be created
	BeginFrame() (CommandStream, error)

	// Poll drives pending asynchronous work (readback callbacks) without blocking.
	Poll()

	// Limits returns the device limits.
	Limits() Limits

	// Release frees every device object owned by the device itself.
	Release()
}

// CommandStream records device work for one frame. Recorded order is execution order.
// Recording errors are deferred and reported by Submit.
type CommandStream interface {
	// Dispatch records a compute dispatch.
	//
	// Parameters:
	//   - args: the kernel, bindings, and workgroup counts
	Dispatch(args DispatchArgs)

	// CopyBuffer records a device-side buffer copy.
	//
	// Parameters:
	//   - src: the source buffer
	//   - srcOffset: byte offset into src
	//   - dst: the destination buffer
	//   - dstOffset: byte offset into dst
	//   - size: number of bytes to copy
	CopyBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64)

	// DrawIndirect records an indirect draw whose instance count is read on-device.
	//
	// Parameters:
	//   - args: the draw description
	DrawIndirect(args DrawArgs)

	// ReadbackAsync records a copy of a buffer range for host inspection after the
	// frame completes. The result can only be polled, never awaited.
	//
	// Parameters:
	//   - src: the buffer to read
	//   - offset: byte offset into src
	//   - size: number of bytes to read
	//
	// Returns:
	//   - *Telemetry: the pending readback
	ReadbackAsync(src Buffer, offset, size uint64) *Telemetry

	// Submit closes the stream and queues it for execution.
	//
	// Returns:
	//   - error: the first recording error, or a submission error
	Submit() error
}

// MaxWorkgroupsPerDimension is the WebGPU default limit on each dispatch dimension.
const MaxWorkgroupsPerDimension = 65535

// Workgroups returns the dispatch size covering n invocations with the given workgroup size.
// Counts beyond one dimension's limit spill into y; kernels flatten the invocation index as
// (y * num_workgroups.x + x) * groupSize + local.
//
// Parameters:
//   - n: the number of invocations
//   - groupSize: invocations per workgroup
//
// Returns:
//   - [3]uint32: the workgroup counts, at least one group in x
func Workgroups(n, groupSize uint32) [3]uint32 {
	g := common.CeilDiv(n, groupSize)
	if g == 0 {
		g = 1
	}
	if g <= MaxWorkgroupsPerDimension {
		return [3]uint32{g, 1, 1}
	}
	y := common.CeilDiv(g, MaxWorkgroupsPerDimension)
	return [3]uint32{MaxWorkgroupsPerDimension, y, 1}
}
