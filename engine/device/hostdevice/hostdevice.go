// Package hostdevice implements device.Device on the CPU. Every kernel has a Go port that
// runs in recorded order when a frame is submitted, which makes the whole frame pipeline
// testable and deterministic without a GPU.
package hostdevice

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/engine/device"
)

// HostKernel executes one dispatch. Bindings are the bound byte ranges in binding order,
// with dynamic offsets already applied; invocations is workgroups × workgroup size.
type HostKernel func(bindings [][]byte, invocations uint32) error

// DrawRecord is what the host device observed for one indirect draw at execution time.
type DrawRecord struct {
	Label         string
	VertexCount   uint32
	InstanceCount uint32
	// Order holds the first InstanceCount entries of the draw's order buffer.
	Order []uint32
}

// Device is a CPU implementation of device.Device.
type Device interface {
	device.Device

	// Draws returns the draws executed since the last ResetLog.
	Draws() []DrawRecord

	// Dispatches returns the kernels executed since the last ResetLog, in execution order.
	Dispatches() []device.KernelId

	// ResetLog clears the draw and dispatch logs.
	ResetLog()

	// Allocated returns the bytes held by live buffers.
	Allocated() uint64

	// LiveBuffers returns the number of buffers created and not yet released.
	LiveBuffers() int

	// Contents returns a copy of a buffer's bytes.
	//
	// Parameters:
	//   - buf: a buffer created by this device
	//
	// Returns:
	//   - []byte: the buffer contents
	//   - error: an error if buf was not created by this device or has been released
	Contents(buf device.Buffer) ([]byte, error)
}

type hostBuffer struct {
	owner    *hostDeviceImpl
	label    string
	data     []byte
	released bool
}

var _ device.Buffer = &hostBuffer{}

func (b *hostBuffer) Label() string { return b.label }
func (b *hostBuffer) Size() uint64  { return uint64(len(b.data)) }

func (b *hostBuffer) Release() {
	b.owner.mu.Lock()
	defer b.owner.mu.Unlock()
	if b.released {
		return
	}
	b.released = true
	b.owner.allocated -= uint64(len(b.data))
	b.owner.live--
	b.data = nil
}

type pendingReadback struct {
	data    []byte
	resolve func([]byte)
}

type hostDeviceImpl struct {
	mu *sync.Mutex

	allocationLimit uint64
	allocated       uint64
	live            int
	limits          device.Limits
	kernels         map[device.KernelId]HostKernel

	pending    []pendingReadback
	draws      []DrawRecord
	dispatches []device.KernelId
}

var _ Device = &hostDeviceImpl{}

// NewDevice creates a host device with every kernel bound to its Go implementation.
//
// Parameters:
//   - options: builder options overriding limits or kernels
//
// Returns:
//   - Device: the host device
func NewDevice(options ...HostDeviceBuilderOption) Device {
	d := &hostDeviceImpl{
		mu: &sync.Mutex{},
		limits: device.Limits{
			MinUniformBufferOffsetAlignment: device.SortStepStride,
			MaxBufferSize:                   1 << 31,
			MaxWorkgroupsPerDimension:       device.MaxWorkgroupsPerDimension,
		},
		kernels: defaultKernels(),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

func (d *hostDeviceImpl) CreateBuffer(desc device.BufferDescriptor) (device.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if desc.Size > d.limits.MaxBufferSize {
		return nil, fmt.Errorf("buffer %q of %d bytes exceeds max buffer size: %w", desc.Label, desc.Size, device.ErrAllocation)
	}
	if d.allocationLimit > 0 && d.allocated+desc.Size > d.allocationLimit {
		return nil, fmt.Errorf("buffer %q of %d bytes exceeds allocation limit: %w", desc.Label, desc.Size, device.ErrAllocation)
	}
	b := &hostBuffer{owner: d, label: desc.Label, data: make([]byte, desc.Size)}
	d.allocated += desc.Size
	d.live++
	return b, nil
}

func (d *hostDeviceImpl) WriteBuffer(buf device.Buffer, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.own(buf)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("write of %d bytes at %d into %q: %w", len(data), offset, b.label, device.ErrBufferTooSmall)
	}
	copy(b.data[offset:], data)
	return nil
}

func (d *hostDeviceImpl) BeginFrame() (device.CommandStream, error) {
	return &hostStream{dev: d}, nil
}

// Poll resolves readbacks from streams submitted before the call.
func (d *hostDeviceImpl) Poll() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, p := range pending {
		p.resolve(p.data)
	}
}

func (d *hostDeviceImpl) Limits() device.Limits {
	return d.limits
}

func (d *hostDeviceImpl) Release() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, p := range pending {
		p.resolve(nil)
	}
}

func (d *hostDeviceImpl) Draws() []DrawRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DrawRecord(nil), d.draws...)
}

func (d *hostDeviceImpl) Dispatches() []device.KernelId {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]device.KernelId(nil), d.dispatches...)
}

func (d *hostDeviceImpl) ResetLog() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.draws = nil
	d.dispatches = nil
}

func (d *hostDeviceImpl) Allocated() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

func (d *hostDeviceImpl) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

func (d *hostDeviceImpl) Contents(buf device.Buffer) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.own(buf)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b.data...), nil
}

// own must be called with mu held.
func (d *hostDeviceImpl) own(buf device.Buffer) (*hostBuffer, error) {
	b, ok := buf.(*hostBuffer)
	if !ok || b.owner != d {
		return nil, errors.New("buffer was not created by this host device")
	}
	if b.released {
		return nil, fmt.Errorf("buffer %q used after release", b.label)
	}
	return b, nil
}

// view returns the bound byte range of a binding. Must be called with mu held.
func (d *hostDeviceImpl) view(bind device.Binding, dynamicOffset uint64) ([]byte, error) {
	b, err := d.own(bind.Buffer)
	if err != nil {
		return nil, err
	}
	start := bind.Offset + dynamicOffset
	end := uint64(len(b.data))
	if bind.Size > 0 {
		end = start + bind.Size
	}
	if start > end || end > uint64(len(b.data)) {
		return nil, fmt.Errorf("binding range [%d, %d) of %q: %w", start, end, b.label, device.ErrBufferTooSmall)
	}
	return b.data[start:end], nil
}

type hostStream struct {
	dev       *hostDeviceImpl
	commands  []func() error
	readbacks []pendingReadback
	resolvers []func([]byte)
	err       error
	submitted bool
}

var _ device.CommandStream = &hostStream{}

func (s *hostStream) record(cmd func() error) {
	if s.submitted {
		s.fail(device.ErrStreamClosed)
		return
	}
	s.commands = append(s.commands, cmd)
}

func (s *hostStream) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

func (s *hostStream) Dispatch(args device.DispatchArgs) {
	if err := device.CheckDispatch(args); err != nil {
		s.fail(err)
		return
	}
	d := s.dev
	s.record(func() error {
		info, _ := args.Kernel.Info()
		kernel, ok := d.kernels[args.Kernel]
		if !ok {
			return fmt.Errorf("kernel %s has no host implementation: %w", info.Name, device.ErrUnknownKernel)
		}
		views := make([][]byte, len(args.Bindings))
		dyn := 0
		for i, bind := range args.Bindings {
			var off uint64
			if info.Bindings[i] == device.BindingUniformDynamic {
				off = uint64(args.DynamicOffsets[dyn])
				dyn++
			}
			v, err := d.view(bind, off)
			if err != nil {
				return fmt.Errorf("kernel %s binding %d: %w", info.Name, i, err)
			}
			views[i] = v
		}
		groups := uint64(args.Workgroups[0]) * uint64(args.Workgroups[1]) * uint64(args.Workgroups[2])
		invocations := groups * uint64(info.WorkgroupSize)
		if invocations > 0xFFFFFFFF {
			invocations = 0xFFFFFFFF
		}
		d.dispatches = append(d.dispatches, args.Kernel)
		if err := kernel(views, uint32(invocations)); err != nil {
			return fmt.Errorf("kernel %s: %w", info.Name, err)
		}
		return nil
	})
}

func (s *hostStream) CopyBuffer(src device.Buffer, srcOffset uint64, dst device.Buffer, dstOffset uint64, size uint64) {
	d := s.dev
	s.record(func() error {
		from, err := d.view(device.Binding{Buffer: src, Offset: srcOffset, Size: size}, 0)
		if err != nil {
			return fmt.Errorf("copy source: %w", err)
		}
		to, err := d.view(device.Binding{Buffer: dst, Offset: dstOffset, Size: size}, 0)
		if err != nil {
			return fmt.Errorf("copy destination: %w", err)
		}
		copy(to, from)
		return nil
	})
}

func (s *hostStream) DrawIndirect(args device.DrawArgs) {
	d := s.dev
	s.record(func() error {
		raw, err := d.view(device.Binding{Buffer: args.Args, Size: 16}, 0)
		if err != nil {
			return fmt.Errorf("draw %q args: %w", args.Label, err)
		}
		ind := device.UnmarshalDrawIndirectArgs(raw)
		rec := DrawRecord{Label: args.Label, VertexCount: ind.VertexCount, InstanceCount: ind.InstanceCount}
		if args.Order != nil {
			order, err := d.view(device.Binding{Buffer: args.Order}, 0)
			if err != nil {
				return fmt.Errorf("draw %q order: %w", args.Label, err)
			}
			values := common.BytesAs[uint32](order)
			n := min(int(ind.InstanceCount), len(values))
			rec.Order = append([]uint32(nil), values[:n]...)
		}
		if args.ViewData != nil {
			if _, err := d.own(args.ViewData); err != nil {
				return fmt.Errorf("draw %q view data: %w", args.Label, err)
			}
		}
		d.draws = append(d.draws, rec)
		return nil
	})
}

func (s *hostStream) ReadbackAsync(src device.Buffer, offset, size uint64) *device.Telemetry {
	tel, resolve := device.NewTelemetry()
	s.resolvers = append(s.resolvers, resolve)
	d := s.dev
	s.record(func() error {
		v, err := d.view(device.Binding{Buffer: src, Offset: offset, Size: size}, 0)
		if err != nil {
			return fmt.Errorf("readback: %w", err)
		}
		s.readbacks = append(s.readbacks, pendingReadback{data: append([]byte(nil), v...), resolve: resolve})
		return nil
	})
	return tel
}

func (s *hostStream) Submit() error {
	if s.submitted {
		return device.ErrStreamClosed
	}
	s.submitted = true
	if s.err != nil {
		s.failReadbacks()
		return s.err
	}
	d := s.dev
	d.mu.Lock()
	var execErr error
	for _, cmd := range s.commands {
		if err := cmd(); err != nil {
			execErr = err
			break
		}
	}
	if execErr == nil {
		d.pending = append(d.pending, s.readbacks...)
	}
	d.mu.Unlock()
	if execErr != nil {
		s.failReadbacks()
		return execErr
	}
	return nil
}

func (s *hostStream) failReadbacks() {
	for _, resolve := range s.resolvers {
		resolve(nil)
	}
}
