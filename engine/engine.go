// Package engine runs the splat viewer: a fixed-rate tick loop for input and animation, and
// a render loop that records every registered renderable through a RenderCoordinator.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/config"
	"github.com/Carmen-Shannon/oxy-splat/engine/camera"
	"github.com/Carmen-Shannon/oxy-splat/engine/device"
	"github.com/Carmen-Shannon/oxy-splat/engine/device/wgpudevice"
	"github.com/Carmen-Shannon/oxy-splat/engine/orchestrator"
	"github.com/Carmen-Shannon/oxy-splat/engine/profiler"
	"github.com/Carmen-Shannon/oxy-splat/engine/window"
)

type resizer interface {
	Resize(width, height int) error
}

type engine struct {
	mu *sync.Mutex

	tickRateChannel chan time.Duration

	running atomic.Bool
	wg      sync.WaitGroup

	quitChannel chan struct{}
	quitOnce    sync.Once

	window      window.Window
	dev         device.Device
	ownsDevice  bool
	coordinator orchestrator.RenderCoordinator
	camera      camera.Camera
	cfg         *config.Config

	profiler         *profiler.Profiler
	profilingEnabled bool

	engineTickRate   time.Duration
	renderFrameLimit time.Duration
	tickCallback     func(deltaTime float32)
	renderCallback   func(deltaTime float32)
	reportCallback   func(report orchestrator.FrameReport, err error)
}

// Engine is the main entry point of the viewer.
type Engine interface {
	// Window returns the window, nil when running headless.
	Window() window.Window

	// Device returns the device frames are recorded on.
	Device() device.Device

	// Coordinator returns the coordinator that owns the registered renderables.
	Coordinator() orchestrator.RenderCoordinator

	// Camera returns the camera whose view drives every frame.
	Camera() camera.Camera

	// Register adds a renderable to the coordinator.
	//
	// Parameters:
	//   - id: the renderable's ID
	//   - r: the renderable
	//   - options: per-renderable orchestrator options
	//
	// Returns:
	//   - error: orchestrator.ErrDuplicateID, or the initialization error
	Register(id orchestrator.RenderableID, r orchestrator.Renderable, options ...orchestrator.OrchestratorBuilderOption) error

	// Unregister removes a renderable.
	Unregister(id orchestrator.RenderableID) error

	// RenderFrame polls pending readbacks, then records and submits one frame from the
	// camera's current view. Run calls it in a loop; it may be called directly when
	// driving frames by hand.
	//
	// Returns:
	//   - orchestrator.FrameReport: the frame's per-renderable outcomes
	//   - error: the coordinator's error
	RenderFrame() (orchestrator.FrameReport, error)

	// EnableProfiler enables periodic frame statistics in the log.
	EnableProfiler()

	// DisableProfiler disables frame statistics.
	DisableProfiler()

	// SetTickRate sets the tick loop rate in ticks per second; values <= 0 mean 60.
	SetTickRate(fps float64)

	// SetTickCallback registers the function called each tick with the delta time in seconds.
	SetTickCallback(callback func(deltaTime float32))

	// SetRenderCallback registers the function called after each rendered frame.
	SetRenderCallback(callback func(deltaTime float32))

	// SetReportCallback registers the function receiving each frame's report.
	SetReportCallback(callback func(report orchestrator.FrameReport, err error))

	// SetRenderFrameLimit caps the render loop in frames per second; 0 uncaps it.
	SetRenderFrameLimit(fps float64)

	// Run starts the tick and render loops. With a window it blocks in the message loop
	// until the window closes; headless it blocks until Quit.
	Run()

	// Running reports whether the loops started by Run are active.
	Running() bool

	// Quit stops the loops. Safe to call multiple times.
	Quit()

	// Close stops the loops, then releases the coordinator and the device if the engine
	// created it.
	Close()
}

// NewEngine creates an engine. Without WithDevice it creates a WebGPU device drawing into
// the window, or into an offscreen target when headless.
//
// Parameters:
//   - options: functional options for engine configuration
//
// Returns:
//   - Engine: the newly created engine
//   - error: an error if the device could not be created
func NewEngine(options ...EngineBuilderOption) (Engine, error) {
	e := &engine{
		mu:              &sync.Mutex{},
		tickRateChannel: make(chan time.Duration, 1),
		quitChannel:     make(chan struct{}),
		profiler:        profiler.NewProfiler(),
		engineTickRate:  time.Second / 60,
	}
	for _, opt := range options {
		opt(e)
	}

	if e.dev == nil {
		var devOptions []wgpudevice.WGPUDeviceBuilderOption
		if e.window != nil {
			devOptions = append(devOptions,
				wgpudevice.WithSurfaceDescriptor(e.window.SurfaceDescriptor()),
				wgpudevice.WithTargetSize(e.window.Width(), e.window.Height()),
			)
		}
		dev, err := wgpudevice.NewDevice(devOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to create device: %w", err)
		}
		e.dev = dev
		e.ownsDevice = true
	}

	var coordOptions []orchestrator.CoordinatorBuilderOption
	if e.cfg != nil {
		coordOptions = append(coordOptions, orchestrator.WithCoordinatorConfig(*e.cfg))
	}
	e.coordinator = orchestrator.NewRenderCoordinator(e.dev, coordOptions...)

	if e.camera == nil {
		e.camera = camera.NewCamera(camera.WithController(camera.NewOrbitController()))
	}
	if e.window != nil {
		e.camera.SetViewport(e.window.Width(), e.window.Height())
		e.window.SetResizeCallback(e.resize)
	}
	return e, nil
}

func (e *engine) resize(width, height int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.dev.(resizer); ok {
		if err := r.Resize(width, height); err != nil {
			common.Logger().Warn("resize failed", "width", width, "height", height, "error", err)
		}
	}
	e.camera.SetViewport(width, height)
}

func (e *engine) Window() window.Window {
	return e.window
}

func (e *engine) Device() device.Device {
	return e.dev
}

func (e *engine) Coordinator() orchestrator.RenderCoordinator {
	return e.coordinator
}

func (e *engine) Camera() camera.Camera {
	return e.camera
}

func (e *engine) Register(id orchestrator.RenderableID, r orchestrator.Renderable, options ...orchestrator.OrchestratorBuilderOption) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coordinator.Register(id, r, options...)
}

func (e *engine) Unregister(id orchestrator.RenderableID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coordinator.Unregister(id)
}

func (e *engine) RenderFrame() (orchestrator.FrameReport, error) {
	e.mu.Lock()
	e.dev.Poll()
	report, err := e.coordinator.RecordFrame(e.camera.FrameView())
	if e.profilingEnabled {
		e.profiler.Observe(report)
	}
	callback := e.reportCallback
	e.mu.Unlock()

	if callback != nil {
		callback(report, err)
	}
	return report, err
}

func (e *engine) Run() {
	e.handle()
	if e.window != nil {
		e.window.ProcessMessages()
		e.Quit()
	}
	e.wg.Wait()
	e.running.Store(false)
}

func (e *engine) Running() bool {
	return e.running.Load()
}

func (e *engine) Quit() {
	e.signalQuit()
}

func (e *engine) Close() {
	e.signalQuit()
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.coordinator.Release()
	if e.ownsDevice {
		e.dev.Release()
	}
}

// signalQuit closes the quit channel exactly once.
func (e *engine) signalQuit() {
	e.quitOnce.Do(func() {
		e.running.Store(false)
		close(e.quitChannel)
	})
}

// handle launches the tick, render, and quit goroutines.
func (e *engine) handle() {
	e.running.Store(true)
	e.wg.Add(3)
	go e.handleEngine()
	go e.handleRender()
	go e.handleQuit()
}

// handleEngine runs the fixed-rate tick loop and applies rate changes from tickRateChannel.
func (e *engine) handleEngine() {
	defer e.wg.Done()

	e.mu.Lock()
	ticker := time.NewTicker(e.engineTickRate)
	e.mu.Unlock()
	defer ticker.Stop()

	lastTick := time.Now()
	for {
		select {
		case <-e.quitChannel:
			return
		case <-ticker.C:
			now := time.Now()
			dt := float32(now.Sub(lastTick).Seconds())
			lastTick = now
			if e.tickCallback != nil {
				e.tickCallback(dt)
			}
		case newRate := <-e.tickRateChannel:
			ticker.Reset(newRate)
		}
	}
}

// handleRender runs the render loop. A panic in a frame stops the engine instead of the
// process.
func (e *engine) handleRender() {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			common.Logger().Error("render loop recovered from panic", "panic", r)
			e.signalQuit()
		}
	}()

	lastRender := time.Now()
	for {
		select {
		case <-e.quitChannel:
			return
		default:
		}

		now := time.Now()
		dt := float32(now.Sub(lastRender).Seconds())
		lastRender = now

		if _, err := e.RenderFrame(); err != nil {
			if errors.Is(err, orchestrator.ErrNothingToRender) {
				common.Logger().Debug("frame skipped", "error", err)
			} else {
				common.Logger().Warn("frame failed", "error", err)
			}
		}
		if e.renderCallback != nil {
			e.renderCallback(dt)
		}
		if e.profilingEnabled {
			e.profiler.Tick()
		}

		if e.renderFrameLimit > 0 {
			if remaining := e.renderFrameLimit - time.Since(lastRender); remaining > 0 {
				time.Sleep(remaining)
			}
		}
	}
}

// handleQuit blocks until the quit channel is closed.
func (e *engine) handleQuit() {
	defer e.wg.Done()
	<-e.quitChannel
}

func (e *engine) EnableProfiler() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profilingEnabled = true
}

func (e *engine) DisableProfiler() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profilingEnabled = false
}

// SetTickRate takes effect immediately when the engine is running.
func (e *engine) SetTickRate(fps float64) {
	if fps <= 0 {
		fps = 60
	}
	newRate := time.Duration(float64(time.Second) / fps)

	e.mu.Lock()
	e.engineTickRate = newRate
	e.mu.Unlock()

	// keep only the newest pending rate; a rate queued before Run is applied on start
	select {
	case e.tickRateChannel <- newRate:
	default:
		select {
		case <-e.tickRateChannel:
		default:
		}
		select {
		case e.tickRateChannel <- newRate:
		default:
		}
	}
}

func (e *engine) SetTickCallback(callback func(deltaTime float32)) {
	e.tickCallback = callback
}

func (e *engine) SetRenderCallback(callback func(deltaTime float32)) {
	e.renderCallback = callback
}

func (e *engine) SetReportCallback(callback func(report orchestrator.FrameReport, err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reportCallback = callback
}

func (e *engine) SetRenderFrameLimit(fps float64) {
	if fps <= 0 {
		e.renderFrameLimit = 0
		return
	}
	e.renderFrameLimit = time.Duration(float64(time.Second) / fps)
}
