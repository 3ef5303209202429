// Package wgpudevice implements device.Device over WebGPU.
package wgpudevice

import (
	_ "embed"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/engine/device"
	"github.com/cogentcore/webgpu/wgpu"
)

//go:embed assets/splat_draw.wgsl
var splatDrawSource string

// Device is a WebGPU implementation of device.Device. Draws go to the window surface when
// one was supplied, otherwise to an offscreen color target.
type Device interface {
	device.Device

	// Resize reconfigures the draw target.
	//
	// Parameters:
	//   - width: the new target width in pixels
	//   - height: the new target height in pixels
	//
	// Returns:
	//   - error: an error if the target could not be recreated
	Resize(width, height int) error

	// TargetSize returns the current draw target size in pixels.
	TargetSize() (int, int)
}

type wgpuBuffer struct {
	owner    *wgpuDeviceImpl
	buf      *wgpu.Buffer
	label    string
	size     uint64
	released bool
}

var _ device.Buffer = &wgpuBuffer{}

func (b *wgpuBuffer) Label() string { return b.label }
func (b *wgpuBuffer) Size() uint64  { return b.size }

func (b *wgpuBuffer) Release() {
	b.owner.mu.Lock()
	defer b.owner.mu.Unlock()
	if b.released {
		return
	}
	b.released = true
	b.buf.Release()
	b.buf = nil
}

type readback struct {
	staging *wgpu.Buffer
	size    uint64
	resolve func([]byte)
	mapped  bool
	status  wgpu.BufferMapAsyncStatus
}

type wgpuDeviceImpl struct {
	mu *sync.Mutex

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	surfaceDescriptor    *wgpu.SurfaceDescriptor
	surface              *wgpu.Surface
	forceFallbackAdapter bool
	presentMode          wgpu.PresentMode
	validateKernels      bool
	clearColor           wgpu.Color

	width        int
	height       int
	targetFormat wgpu.TextureFormat
	offscreen    *wgpu.Texture
	offscreenV   *wgpu.TextureView

	limits       device.Limits
	layouts      map[device.KernelId]*wgpu.BindGroupLayout
	pipelines    map[device.KernelId]*wgpu.ComputePipeline
	drawLayout   *wgpu.BindGroupLayout
	drawPipeline *wgpu.RenderPipeline

	pending []*readback
}

var _ Device = &wgpuDeviceImpl{}

// NewDevice requests an adapter and device, then builds the compute pipeline of every kernel
// and the splat draw pipeline.
//
// Parameters:
//   - options: builder options for the surface, adapter, and draw target
//
// Returns:
//   - Device: the WebGPU device
//   - error: an error if the adapter, device, or any pipeline could not be created
func NewDevice(options ...WGPUDeviceBuilderOption) (Device, error) {
	runtime.LockOSThread()
	d := &wgpuDeviceImpl{
		mu:              &sync.Mutex{},
		presentMode:     wgpu.PresentModeImmediate,
		validateKernels: true,
		clearColor:      wgpu.Color{R: 0.1, G: 0.1, B: 0.1, A: 1.0},
		width:           1,
		height:          1,
		targetFormat:    wgpu.TextureFormatRGBA8Unorm,
		layouts:         make(map[device.KernelId]*wgpu.BindGroupLayout),
		pipelines:       make(map[device.KernelId]*wgpu.ComputePipeline),
	}
	for _, opt := range options {
		opt(d)
	}

	d.instance = wgpu.CreateInstance(nil)
	if d.surfaceDescriptor != nil {
		d.surface = d.instance.CreateSurface(d.surfaceDescriptor)
	}

	a, err := d.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		ForceFallbackAdapter: d.forceFallbackAdapter,
		CompatibleSurface:    d.surface,
	})
	if err != nil {
		d.Release()
		return nil, fmt.Errorf("failed to request adapter: %w", err)
	}
	d.adapter = a

	dev, err := a.RequestDevice(&wgpu.DeviceDescriptor{
		Label: "Splat Device",
		RequiredLimits: &wgpu.RequiredLimits{
			Limits: wgpu.DefaultLimits(),
		},
	})
	if err != nil {
		d.Release()
		return nil, fmt.Errorf("failed to request device: %w", err)
	}
	d.device = dev
	d.queue = dev.GetQueue()

	supported := dev.GetLimits().Limits
	d.limits = device.Limits{
		MinUniformBufferOffsetAlignment: supported.MinUniformBufferOffsetAlignment,
		MaxBufferSize:                   supported.MaxBufferSize,
		MaxWorkgroupsPerDimension:       min(supported.MaxComputeWorkgroupsPerDimension, device.MaxWorkgroupsPerDimension),
	}
	if d.limits.MinUniformBufferOffsetAlignment > device.SortStepStride {
		d.Release()
		return nil, fmt.Errorf("dynamic uniform alignment %d exceeds sort step stride %d", d.limits.MinUniformBufferOffsetAlignment, device.SortStepStride)
	}

	if err := d.configureTarget(d.width, d.height); err != nil {
		d.Release()
		return nil, err
	}
	for _, k := range device.Kernels() {
		if err := d.registerKernel(k); err != nil {
			d.Release()
			return nil, err
		}
	}
	if err := d.registerDrawPipeline(); err != nil {
		d.Release()
		return nil, err
	}

	common.Logger().Info("wgpu device ready",
		"kernels", len(d.pipelines),
		"width", d.width,
		"height", d.height,
		"surface", d.surface != nil,
	)
	return d, nil
}

// configureTarget must be called before any frame is recorded or with mu held.
func (d *wgpuDeviceImpl) configureTarget(width, height int) error {
	width = max(width, 1)
	height = max(height, 1)
	d.width, d.height = width, height

	if d.surface != nil {
		capabilities := d.surface.GetCapabilities(d.adapter)
		if len(capabilities.Formats) == 0 {
			return errors.New("surface reports no texture formats")
		}
		d.targetFormat = capabilities.Formats[0]
		d.surface.Configure(d.adapter, d.device, &wgpu.SurfaceConfiguration{
			Usage:       wgpu.TextureUsageRenderAttachment,
			Format:      d.targetFormat,
			Width:       uint32(width),
			Height:      uint32(height),
			PresentMode: d.presentMode,
			AlphaMode:   capabilities.AlphaModes[0],
		})
		return nil
	}

	if d.offscreenV != nil {
		d.offscreenV.Release()
		d.offscreenV = nil
	}
	if d.offscreen != nil {
		d.offscreen.Release()
		d.offscreen = nil
	}
	tex, err := d.device.CreateTexture(&wgpu.TextureDescriptor{
		Label: "Splat Target",
		Size: wgpu.Extent3D{
			Width:              uint32(width),
			Height:             uint32(height),
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        d.targetFormat,
		Usage:         wgpu.TextureUsageRenderAttachment | wgpu.TextureUsageCopySrc,
	})
	if err != nil {
		return fmt.Errorf("failed to create offscreen target: %w", err)
	}
	view, err := tex.CreateView(nil)
	if err != nil {
		tex.Release()
		return fmt.Errorf("failed to create offscreen target view: %w", err)
	}
	d.offscreen = tex
	d.offscreenV = view
	return nil
}

func layoutEntry(binding int, kind device.BindingKind, visibility wgpu.ShaderStage) wgpu.BindGroupLayoutEntry {
	entry := wgpu.BindGroupLayoutEntry{
		Binding:    uint32(binding),
		Visibility: visibility,
	}
	switch kind {
	case device.BindingUniform:
		entry.Buffer = wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform}
	case device.BindingUniformDynamic:
		entry.Buffer = wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform, HasDynamicOffset: true}
	case device.BindingReadOnlyStorage:
		entry.Buffer = wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}
	case device.BindingStorage:
		entry.Buffer = wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}
	}
	return entry
}

func (d *wgpuDeviceImpl) registerKernel(k device.KernelId) error {
	info, err := k.Info()
	if err != nil {
		return err
	}
	if d.validateKernels {
		if _, err := device.ValidateKernelSource(k); err != nil {
			common.Logger().Warn("kernel preflight failed", "kernel", info.Name, "error", err)
		}
	}

	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label: info.Name,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{
			Code: info.Source,
		},
	})
	if err != nil {
		return fmt.Errorf("kernel %s: failed to create shader module: %w", info.Name, err)
	}
	defer module.Release()

	entries := make([]wgpu.BindGroupLayoutEntry, len(info.Bindings))
	for i, kind := range info.Bindings {
		entries[i] = layoutEntry(i, kind, wgpu.ShaderStageCompute)
	}
	bgl, err := d.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   info.Name,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("kernel %s: failed to create bind group layout: %w", info.Name, err)
	}

	layout, err := d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            info.Name,
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		bgl.Release()
		return fmt.Errorf("kernel %s: failed to create pipeline layout: %w", info.Name, err)
	}
	defer layout.Release()

	created, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  info.Name + " Compute Pipeline",
		Layout: layout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: info.EntryPoint,
		},
	})
	if err != nil {
		bgl.Release()
		return fmt.Errorf("kernel %s: failed to create compute pipeline: %w", info.Name, err)
	}

	d.layouts[k] = bgl
	d.pipelines[k] = created
	return nil
}

func (d *wgpuDeviceImpl) registerDrawPipeline() error {
	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label: "splat_draw",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{
			Code: splatDrawSource,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create splat draw shader module: %w", err)
	}
	defer module.Release()

	bgl, err := d.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "splat_draw",
		Entries: []wgpu.BindGroupLayoutEntry{
			layoutEntry(0, device.BindingReadOnlyStorage, wgpu.ShaderStageVertex),
			layoutEntry(1, device.BindingReadOnlyStorage, wgpu.ShaderStageVertex),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create splat draw bind group layout: %w", err)
	}

	layout, err := d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "splat_draw",
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		bgl.Release()
		return fmt.Errorf("failed to create splat draw pipeline layout: %w", err)
	}
	defer layout.Release()

	created, err := d.device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  "splat_draw Render Pipeline",
		Layout: layout,
		Vertex: wgpu.VertexState{
			Module:     module,
			EntryPoint: "vs_main",
		},
		Fragment: &wgpu.FragmentState{
			Module:     module,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{
				{
					Format:    d.targetFormat,
					WriteMask: wgpu.ColorWriteMaskAll,
					Blend: &wgpu.BlendState{
						Color: wgpu.BlendComponent{
							SrcFactor: wgpu.BlendFactorOne,
							DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
							Operation: wgpu.BlendOperationAdd,
						},
						Alpha: wgpu.BlendComponent{
							SrcFactor: wgpu.BlendFactorOne,
							DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
							Operation: wgpu.BlendOperationAdd,
						},
					},
				},
			},
		},
		Primitive: wgpu.PrimitiveState{
			Topology:  wgpu.PrimitiveTopologyTriangleStrip,
			FrontFace: wgpu.FrontFaceCCW,
			CullMode:  wgpu.CullModeNone,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		bgl.Release()
		return fmt.Errorf("failed to create splat draw pipeline: %w", err)
	}

	d.drawLayout = bgl
	d.drawPipeline = created
	return nil
}

func toWGPUUsage(u device.BufferUsage) wgpu.BufferUsage {
	var out wgpu.BufferUsage
	if u&device.BufferUsageStorage != 0 {
		// storage buffers can always be read back
		out |= wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc
	}
	if u&device.BufferUsageUniform != 0 {
		out |= wgpu.BufferUsageUniform
	}
	if u&device.BufferUsageIndirect != 0 {
		out |= wgpu.BufferUsageIndirect
	}
	if u&device.BufferUsageCopySrc != 0 {
		out |= wgpu.BufferUsageCopySrc
	}
	if u&device.BufferUsageCopyDst != 0 {
		out |= wgpu.BufferUsageCopyDst
	}
	return out
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}

func (d *wgpuDeviceImpl) CreateBuffer(desc device.BufferDescriptor) (device.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if desc.Size > d.limits.MaxBufferSize {
		return nil, fmt.Errorf("buffer %q of %d bytes exceeds max buffer size: %w", desc.Label, desc.Size, device.ErrAllocation)
	}
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Size:  align4(max(desc.Size, 4)),
		Usage: toWGPUUsage(desc.Usage),
	})
	if err != nil {
		return nil, fmt.Errorf("buffer %q: %w: %w", desc.Label, device.ErrAllocation, err)
	}
	return &wgpuBuffer{owner: d, buf: buf, label: desc.Label, size: desc.Size}, nil
}

func (d *wgpuDeviceImpl) WriteBuffer(buf device.Buffer, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.own(buf)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > b.size {
		return fmt.Errorf("write of %d bytes at %d into %q: %w", len(data), offset, b.label, device.ErrBufferTooSmall)
	}
	if len(data) == 0 {
		return nil
	}
	if offset%4 != 0 {
		return fmt.Errorf("write into %q at unaligned offset %d", b.label, offset)
	}
	if n := align4(uint64(len(data))); n != uint64(len(data)) {
		padded := make([]byte, n)
		copy(padded, data)
		data = padded
	}
	d.queue.WriteBuffer(b.buf, offset, data)
	return nil
}

func (d *wgpuDeviceImpl) BeginFrame() (device.CommandStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	encoder, err := d.device.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: "Splat Frame"})
	if err != nil {
		return nil, err
	}
	return &wgpuStream{dev: d, encoder: encoder}, nil
}

// Poll drives map callbacks without blocking and resolves every readback that has landed.
func (d *wgpuDeviceImpl) Poll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil || len(d.pending) == 0 {
		return
	}
	d.device.Poll(false, nil)

	remaining := d.pending[:0]
	for _, r := range d.pending {
		if !r.mapped {
			remaining = append(remaining, r)
			continue
		}
		if r.status == wgpu.BufferMapAsyncStatusSuccess {
			r.resolve(r.staging.GetMappedRange(0, uint(r.size)))
			r.staging.Unmap()
		} else {
			common.Logger().Debug("readback map failed", "status", r.status)
			r.resolve(nil)
		}
		r.staging.Release()
	}
	clear(d.pending[len(remaining):])
	d.pending = remaining
}

func (d *wgpuDeviceImpl) Limits() device.Limits {
	return d.limits
}

func (d *wgpuDeviceImpl) Resize(width, height int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if width == d.width && height == d.height {
		return nil
	}
	return d.configureTarget(width, height)
}

func (d *wgpuDeviceImpl) TargetSize() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.width, d.height
}

func (d *wgpuDeviceImpl) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, r := range d.pending {
		r.resolve(nil)
		r.staging.Release()
	}
	d.pending = nil

	for k, p := range d.pipelines {
		p.Release()
		delete(d.pipelines, k)
	}
	for k, l := range d.layouts {
		l.Release()
		delete(d.layouts, k)
	}
	if d.drawPipeline != nil {
		d.drawPipeline.Release()
		d.drawPipeline = nil
	}
	if d.drawLayout != nil {
		d.drawLayout.Release()
		d.drawLayout = nil
	}
	if d.offscreenV != nil {
		d.offscreenV.Release()
		d.offscreenV = nil
	}
	if d.offscreen != nil {
		d.offscreen.Release()
		d.offscreen = nil
	}
	if d.queue != nil {
		d.queue.Release()
		d.queue = nil
	}
	if d.device != nil {
		d.device.Release()
		d.device = nil
	}
	if d.adapter != nil {
		d.adapter.Release()
		d.adapter = nil
	}
	if d.surface != nil {
		d.surface.Release()
		d.surface = nil
	}
	if d.instance != nil {
		d.instance.Release()
		d.instance = nil
	}
}

// own must be called with mu held.
func (d *wgpuDeviceImpl) own(buf device.Buffer) (*wgpuBuffer, error) {
	b, ok := buf.(*wgpuBuffer)
	if !ok || b.owner != d {
		return nil, errors.New("buffer was not created by this wgpu device")
	}
	if b.released {
		return nil, fmt.Errorf("buffer %q used after release", b.label)
	}
	return b, nil
}

type wgpuStream struct {
	dev     *wgpuDeviceImpl
	encoder *wgpu.CommandEncoder

	frameSurface *wgpu.Texture
	frameView    *wgpu.TextureView
	drawn        bool

	bindGroups []*wgpu.BindGroup
	readbacks  []*readback
	err        error
	submitted  bool
}

var _ device.CommandStream = &wgpuStream{}

func (s *wgpuStream) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

func (s *wgpuStream) usable() bool {
	if s.submitted {
		s.fail(device.ErrStreamClosed)
		return false
	}
	return s.err == nil
}

// bindGroup must be called with the device mu held.
func (s *wgpuStream) bindGroup(label string, layout *wgpu.BindGroupLayout, bindings []device.Binding) (*wgpu.BindGroup, error) {
	d := s.dev
	entries := make([]wgpu.BindGroupEntry, len(bindings))
	for i, bind := range bindings {
		b, err := d.own(bind.Buffer)
		if err != nil {
			return nil, fmt.Errorf("%s binding %d: %w", label, i, err)
		}
		size := bind.Size
		if size == 0 {
			size = align4(b.size - bind.Offset)
		}
		entries[i] = wgpu.BindGroupEntry{
			Binding: uint32(i),
			Buffer:  b.buf,
			Offset:  bind.Offset,
			Size:    size,
		}
	}
	group, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   label + " Bind Group",
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create bind group: %w", label, err)
	}
	s.bindGroups = append(s.bindGroups, group)
	return group, nil
}

func (s *wgpuStream) Dispatch(args device.DispatchArgs) {
	if !s.usable() {
		return
	}
	if err := device.CheckDispatch(args); err != nil {
		s.fail(err)
		return
	}
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	pipeline, ok := d.pipelines[args.Kernel]
	if !ok {
		s.fail(fmt.Errorf("kernel %s has no pipeline: %w", args.Kernel, device.ErrUnknownKernel))
		return
	}
	group, err := s.bindGroup(args.Kernel.String(), d.layouts[args.Kernel], args.Bindings)
	if err != nil {
		s.fail(err)
		return
	}

	pass := s.encoder.BeginComputePass(&wgpu.ComputePassDescriptor{Label: args.Kernel.String()})
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, group, args.DynamicOffsets)
	pass.DispatchWorkgroups(args.Workgroups[0], args.Workgroups[1], args.Workgroups[2])
	pass.End()
	pass.Release()
}

func (s *wgpuStream) CopyBuffer(src device.Buffer, srcOffset uint64, dst device.Buffer, dstOffset uint64, size uint64) {
	if !s.usable() {
		return
	}
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	from, err := d.own(src)
	if err != nil {
		s.fail(fmt.Errorf("copy source: %w", err))
		return
	}
	to, err := d.own(dst)
	if err != nil {
		s.fail(fmt.Errorf("copy destination: %w", err))
		return
	}
	if srcOffset+size > from.size || dstOffset+size > to.size {
		s.fail(fmt.Errorf("copy of %d bytes from %q to %q: %w", size, from.label, to.label, device.ErrBufferTooSmall))
		return
	}
	s.encoder.CopyBufferToBuffer(from.buf, srcOffset, to.buf, dstOffset, align4(size))
}

// target must be called with the device mu held.
func (s *wgpuStream) target() (*wgpu.TextureView, error) {
	d := s.dev
	if d.surface == nil {
		return d.offscreenV, nil
	}
	if s.frameView != nil {
		return s.frameView, nil
	}
	surfaceTexture, err := d.surface.GetCurrentTexture()
	if err != nil {
		return nil, err
	}
	view, err := surfaceTexture.CreateView(nil)
	if err != nil {
		surfaceTexture.Release()
		return nil, err
	}
	s.frameSurface = surfaceTexture
	s.frameView = view
	return view, nil
}

func (s *wgpuStream) DrawIndirect(args device.DrawArgs) {
	if !s.usable() {
		return
	}
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	indirect, err := d.own(args.Args)
	if err != nil {
		s.fail(fmt.Errorf("draw %q args: %w", args.Label, err))
		return
	}
	group, err := s.bindGroup(args.Label, d.drawLayout, []device.Binding{
		{Buffer: args.ViewData},
		{Buffer: args.Order},
	})
	if err != nil {
		s.fail(err)
		return
	}
	view, err := s.target()
	if err != nil {
		s.fail(fmt.Errorf("draw %q target: %w", args.Label, err))
		return
	}

	// the first draw of a frame clears the target, later draws blend over it
	loadOp := wgpu.LoadOpLoad
	if !s.drawn {
		loadOp = wgpu.LoadOpClear
	}
	s.drawn = true

	pass := s.encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		Label: args.Label,
		ColorAttachments: []wgpu.RenderPassColorAttachment{
			{
				View:       view,
				LoadOp:     loadOp,
				StoreOp:    wgpu.StoreOpStore,
				ClearValue: d.clearColor,
			},
		},
	})
	pass.SetPipeline(d.drawPipeline)
	pass.SetBindGroup(0, group, nil)
	pass.DrawIndirect(indirect.buf, 0)
	pass.End()
	pass.Release()
}

func (s *wgpuStream) ReadbackAsync(src device.Buffer, offset, size uint64) *device.Telemetry {
	tel, resolve := device.NewTelemetry()
	if !s.usable() {
		resolve(nil)
		return tel
	}
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	b, err := d.own(src)
	if err != nil || offset+size > b.size {
		resolve(nil)
		return tel
	}
	staging, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: b.label + " Readback",
		Size:  align4(max(size, 4)),
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		resolve(nil)
		return tel
	}
	s.encoder.CopyBufferToBuffer(b.buf, offset, staging, 0, align4(size))
	s.readbacks = append(s.readbacks, &readback{staging: staging, size: size, resolve: resolve})
	return tel
}

func (s *wgpuStream) Submit() error {
	if s.submitted {
		return device.ErrStreamClosed
	}
	s.submitted = true
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	defer s.releaseTransient()

	if s.err != nil {
		s.failReadbacks()
		return s.err
	}

	commandBuffer, err := s.encoder.Finish(nil)
	if err != nil {
		s.failReadbacks()
		return fmt.Errorf("failed to finish frame: %w", err)
	}
	d.queue.Submit(commandBuffer)
	commandBuffer.Release()

	if s.frameSurface != nil {
		d.surface.Present()
	}

	for _, r := range s.readbacks {
		err := r.staging.MapAsync(wgpu.MapModeRead, 0, align4(max(r.size, 4)), func(status wgpu.BufferMapAsyncStatus) {
			r.status = status
			r.mapped = true
		})
		if err != nil {
			common.Logger().Warn("telemetry readback not mapped", "size", r.size, "error", err)
			r.resolve(nil)
			r.staging.Release()
			continue
		}
		d.pending = append(d.pending, r)
	}
	s.readbacks = nil
	return nil
}

func (s *wgpuStream) failReadbacks() {
	for _, r := range s.readbacks {
		r.resolve(nil)
		r.staging.Release()
	}
	s.readbacks = nil
}

func (s *wgpuStream) releaseTransient() {
	for _, g := range s.bindGroups {
		g.Release()
	}
	s.bindGroups = nil
	if s.frameView != nil {
		s.frameView.Release()
		s.frameView = nil
	}
	if s.frameSurface != nil {
		s.frameSurface.Release()
		s.frameSurface = nil
	}
	s.encoder.Release()
}
