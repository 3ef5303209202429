package orchestrator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/config"
	"github.com/Carmen-Shannon/oxy-splat/engine/device"
)

var (
	// ErrDuplicateID is returned when registering an ID that is already registered.
	ErrDuplicateID = errors.New("renderable already registered")

	// ErrUnknownID is returned when unregistering an ID that is not registered.
	ErrUnknownID = errors.New("renderable not registered")
)

// RenderableID identifies a registered renderable.
type RenderableID string

// RenderableReport is one renderable's part of a FrameReport.
type RenderableReport struct {
	ID RenderableID
	Status
	// VisibleCount is the most recent visible count read back from the device. It
	// describes the frame TelemetryFrame, never the frame being reported.
	VisibleCount   uint32
	TelemetryFrame uint64
	Err            error
}

// FrameReport summarizes one recorded frame.
type FrameReport struct {
	Frame       uint64
	Renderables []RenderableReport
}

// RenderCoordinator records every registered renderable into one command stream per frame.
type RenderCoordinator interface {
	// Register creates and initializes an orchestrator for a renderable.
	//
	// Parameters:
	//   - id: the renderable's ID
	//   - r: the renderable
	//   - options: orchestrator options applied after the coordinator's configuration
	//
	// Returns:
	//   - error: ErrDuplicateID, or the Initialize error
	Register(id RenderableID, r Renderable, options ...OrchestratorBuilderOption) error

	// Unregister tears down and removes a renderable.
	//
	// Returns:
	//   - error: ErrUnknownID if id is not registered
	Unregister(id RenderableID) error

	// RecordFrame records and submits one frame.
	//
	// Parameters:
	//   - view: the camera state
	//
	// Returns:
	//   - FrameReport: per-renderable outcomes, ordered by ID
	//   - error: ErrNothingToRender when nothing is registered or no renderable could
	//     draw, or the stream error
	RecordFrame(view FrameView) (FrameReport, error)

	// Orchestrator returns a registered orchestrator.
	Orchestrator(id RenderableID) (Orchestrator, bool)

	// IDs returns the registered IDs in order.
	IDs() []RenderableID

	// Frame returns the number of frames recorded.
	Frame() uint64

	// Release tears down every renderable.
	Release()
}

// maxPendingReadbacks bounds the unresolved readbacks kept per renderable; older ones are
// dropped first.
const maxPendingReadbacks = 4

type pendingReadback struct {
	frame     uint64
	telemetry *device.Telemetry
}

type telemetrySample struct {
	frame   uint64
	visible uint32
}

type renderCoordinatorImpl struct {
	dev       device.Device
	cfg       *config.Config
	interval  int
	frame     uint64
	registry  map[RenderableID]Orchestrator
	pending   map[RenderableID][]pendingReadback
	telemetry map[RenderableID]telemetrySample
}

var _ RenderCoordinator = &renderCoordinatorImpl{}

// NewRenderCoordinator creates an empty RenderCoordinator.
//
// Parameters:
//   - dev: the device frames are recorded on
//   - options: builder options
//
// Returns:
//   - RenderCoordinator: the coordinator
func NewRenderCoordinator(dev device.Device, options ...CoordinatorBuilderOption) RenderCoordinator {
	c := &renderCoordinatorImpl{
		dev:       dev,
		interval:  60,
		registry:  make(map[RenderableID]Orchestrator),
		pending:   make(map[RenderableID][]pendingReadback),
		telemetry: make(map[RenderableID]telemetrySample),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *renderCoordinatorImpl) Register(id RenderableID, r Renderable, options ...OrchestratorBuilderOption) error {
	if _, ok := c.registry[id]; ok {
		return fmt.Errorf("register %q: %w", id, ErrDuplicateID)
	}
	opts := options
	if c.cfg != nil {
		opts = append([]OrchestratorBuilderOption{WithConfig(*c.cfg)}, options...)
	}
	o := NewOrchestrator(c.dev, r, opts...)
	if err := o.Initialize(); err != nil {
		return fmt.Errorf("register %q: %w", id, err)
	}
	c.registry[id] = o
	common.Logger().Info("renderable registered", "id", id, "asset", r.Asset)
	return nil
}

func (c *renderCoordinatorImpl) Unregister(id RenderableID) error {
	o, ok := c.registry[id]
	if !ok {
		return fmt.Errorf("unregister %q: %w", id, ErrUnknownID)
	}
	o.Teardown()
	delete(c.registry, id)
	delete(c.pending, id)
	delete(c.telemetry, id)
	common.Logger().Info("renderable unregistered", "id", id)
	return nil
}

func (c *renderCoordinatorImpl) RecordFrame(view FrameView) (FrameReport, error) {
	c.frame++
	report := FrameReport{Frame: c.frame}
	if len(c.registry) == 0 {
		return report, ErrNothingToRender
	}
	c.collectTelemetry()

	cs, err := c.dev.BeginFrame()
	if err != nil {
		return report, fmt.Errorf("begin frame %d: %w", c.frame, err)
	}
	readback := c.interval > 0 && c.frame%uint64(c.interval) == 0
	drawn := 0
	for _, id := range c.IDs() {
		o := c.registry[id]
		st, err := o.Record(cs, view)
		rep := RenderableReport{ID: id, Status: st, Err: err}
		if s, ok := c.telemetry[id]; ok {
			rep.VisibleCount, rep.TelemetryFrame = s.visible, s.frame
		}
		report.Renderables = append(report.Renderables, rep)
		if err != nil {
			common.Logger().Warn("renderable skipped", "id", id, "frame", c.frame, "err", err)
			continue
		}
		drawn++
		if readback {
			tel := cs.ReadbackAsync(o.Args(), 4, 4)
			list := append(c.pending[id], pendingReadback{frame: c.frame, telemetry: tel})
			if n := len(list) - maxPendingReadbacks; n > 0 {
				list = slices.Delete(list, 0, n)
			}
			c.pending[id] = list
		}
	}

	if err := cs.Submit(); err != nil {
		return report, fmt.Errorf("submit frame %d: %w", c.frame, err)
	}
	if drawn == 0 {
		return report, ErrNothingToRender
	}
	return report, nil
}

// collectTelemetry moves resolved readbacks into the per-renderable samples without waiting.
func (c *renderCoordinatorImpl) collectTelemetry() {
	for id, list := range c.pending {
		kept := list[:0]
		for _, p := range list {
			if data, ok := p.telemetry.Poll(); ok {
				if len(data) >= 4 && p.frame >= c.telemetry[id].frame {
					c.telemetry[id] = telemetrySample{frame: p.frame, visible: binary.LittleEndian.Uint32(data)}
				}
				continue
			}
			if p.telemetry.Failed() {
				continue
			}
			kept = append(kept, p)
		}
		c.pending[id] = kept
	}
}

func (c *renderCoordinatorImpl) Orchestrator(id RenderableID) (Orchestrator, bool) {
	o, ok := c.registry[id]
	return o, ok
}

func (c *renderCoordinatorImpl) IDs() []RenderableID {
	ids := make([]RenderableID, 0, len(c.registry))
	for id := range c.registry {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *renderCoordinatorImpl) Frame() uint64 {
	return c.frame
}

func (c *renderCoordinatorImpl) Release() {
	for _, id := range c.IDs() {
		_ = c.Unregister(id)
	}
}
