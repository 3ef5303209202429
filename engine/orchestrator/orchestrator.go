// Package orchestrator sequences the per-frame work of every renderable: level selection
// and residency, visibility, compaction, depth sorting, view data and the indirect draw.
package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/engine/compaction"
	"github.com/Carmen-Shannon/oxy-splat/engine/device"
	"github.com/Carmen-Shannon/oxy-splat/engine/lod"
	"github.com/Carmen-Shannon/oxy-splat/engine/scheduler"
	"github.com/Carmen-Shannon/oxy-splat/engine/sorter"
	"github.com/Carmen-Shannon/oxy-splat/engine/visibility"
)

var (
	// ErrNothingToRender is returned when no level of an asset can be made resident, or a
	// frame has no renderables at all.
	ErrNothingToRender = errors.New("nothing to render")

	// ErrNotInitialized is returned when Record is called before Initialize or after Teardown.
	ErrNotInitialized = errors.New("orchestrator not initialized")
)

// Renderable describes one splat asset.
type Renderable struct {
	Asset  string
	Source lod.Source
	Table  lod.Table
	// Anchor is the world position level selection and distant-content throttling measure from.
	Anchor [3]float32
}

// FrameView is the camera state of one frame.
type FrameView struct {
	// View and Projection are column-major.
	View       [16]float32
	Projection [16]float32
	Position   [3]float32
	// Orientation is the camera rotation quaternion (x, y, z, w).
	Orientation    [4]float32
	ViewportWidth  float32
	ViewportHeight float32
}

// Frustum extracts the view frustum of the frame.
func (v FrameView) Frustum() common.Frustum {
	var vp [16]float32
	common.Mul4(vp[:], v.Projection[:], v.View[:])
	return common.ExtractFrustumFromMatrix(vp[:])
}

// Pose returns the camera pose as seen by the sort scheduler.
func (v FrameView) Pose() scheduler.Pose {
	return scheduler.Pose{Position: v.Position, Orientation: v.Orientation}
}

// Status is the outcome of one renderable's frame.
type Status struct {
	// Level is the level drawn this frame, -1 when nothing was drawn.
	Level     int
	Candidate int
	Sorted    bool
	Reason    scheduler.Reason
	// Swapped is set on the frame a new level became active.
	Swapped     bool
	BlendFactor float32
	Primitives  uint32
}

// Orchestrator owns the per-renderable pipeline state. It is driven from the frame thread only.
type Orchestrator interface {
	// Initialize creates the selector, level manager, scheduler and pass resources.
	// Calling Initialize on an initialized orchestrator is a no-op.
	//
	// Returns:
	//   - error: an error if the decoder or pass buffers cannot be created
	Initialize() error

	// Teardown releases every resource in reverse creation order. The orchestrator may be
	// initialized again afterwards.
	Teardown()

	// Initialized reports whether Initialize succeeded and Teardown has not been called.
	Initialized() bool

	// Record records this renderable's frame into cs.
	//
	// Parameters:
	//   - cs: the frame's command stream
	//   - view: the camera state
	//
	// Returns:
	//   - Status: what was recorded
	//   - error: ErrNotInitialized, ErrNothingToRender when no level can be loaded, or a
	//     recording error
	Record(cs device.CommandStream, view FrameView) (Status, error)

	// Args returns the indirect draw argument buffer, nil before the first level is active.
	Args() device.Buffer

	// SetCullingEnabled switches visibility culling on or off from the next frame.
	SetCullingEnabled(enabled bool)

	// CullingEnabled reports whether culling runs.
	CullingEnabled() bool

	// SetTolerance changes how far, in world units, the chunk test expands the frustum. The
	// next frame sorts.
	SetTolerance(tolerance float32)

	// Tolerance returns the frustum expansion used by the chunk test.
	Tolerance() float32

	// Level returns the active level, -1 when none.
	Level() int

	// Renderable returns the renderable description.
	Renderable() Renderable

	// Selector returns the level selector, nil when not initialized.
	Selector() lod.Selector

	// Manager returns the level buffer manager, nil when not initialized.
	Manager() lod.Manager

	// Scheduler returns the sort scheduler, nil when not initialized.
	Scheduler() scheduler.Scheduler
}

type orchestratorImpl struct {
	dev        device.Device
	renderable Renderable

	culling            bool
	tolerance          float32
	chunkSize          int
	budget             uint64
	debounce           int
	preload            bool
	distanceMultiplier float32
	blendBand          float32
	frontToBack        bool
	params             scheduler.Params

	selector   lod.Selector
	manager    lod.Manager
	scheduler  scheduler.Scheduler
	classifier visibility.Classifier
	compactor  compaction.Compactor
	depth      sorter.DepthPass
	sorter     sorter.DepthSorter
	viewData   device.Buffer
	uniform    device.Buffer

	set         *lod.BufferSet
	active      int
	initialized bool
	log         *slog.Logger
}

var _ Orchestrator = &orchestratorImpl{}

// NewOrchestrator creates an uninitialized Orchestrator.
//
// Parameters:
//   - dev: the device every resource is created on
//   - r: the renderable
//   - options: builder options
//
// Returns:
//   - Orchestrator: the orchestrator; call Initialize before recording
func NewOrchestrator(dev device.Device, r Renderable, options ...OrchestratorBuilderOption) Orchestrator {
	o := &orchestratorImpl{
		dev:                dev,
		renderable:         r,
		culling:            true,
		tolerance:          0.5,
		chunkSize:          256,
		budget:             512 << 20,
		debounce:           30,
		preload:            true,
		distanceMultiplier: 1,
		blendBand:          2,
		params:             scheduler.DefaultParams(),
		active:             -1,
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

func (o *orchestratorImpl) Initialize() error {
	if o.initialized {
		return nil
	}
	o.log = common.Logger().With("asset", o.renderable.Asset)
	if o.renderable.Table.Len() == 0 {
		return fmt.Errorf("asset %q has no levels: %w", o.renderable.Asset, ErrNothingToRender)
	}

	o.selector = lod.NewSelector(o.renderable.Table,
		lod.WithDebounceFrames(o.debounce),
		lod.WithDistanceMultiplier(o.distanceMultiplier),
		lod.WithBlendBand(o.blendBand),
	)
	manager, err := lod.NewManager(o.dev, o.renderable.Source, o.renderable.Asset, o.renderable.Table,
		lod.WithMemoryBudget(o.budget),
		lod.WithChunkSize(o.chunkSize),
	)
	if err != nil {
		return err
	}
	o.manager = manager
	o.scheduler = scheduler.NewScheduler(
		scheduler.WithParams(o.params),
		scheduler.WithCullingEnabled(o.culling),
		scheduler.WithName(o.renderable.Asset),
	)

	if err := o.createPasses(); err != nil {
		o.Teardown()
		return err
	}
	o.initialized = true
	o.log.Info("renderable initialized", "levels", o.renderable.Table.Len(), "culling", o.culling)
	return nil
}

// createPasses allocates the pass resources at minimum size; they grow on the first swap.
func (o *orchestratorImpl) createPasses() error {
	var err error
	if o.classifier, err = visibility.NewClassifier(o.dev, 1, 1, visibility.WithTolerance(o.tolerance)); err != nil {
		return err
	}
	if o.compactor, err = compaction.NewCompactor(o.dev, 1); err != nil {
		return err
	}
	if o.depth, err = sorter.NewDepthPass(o.dev, 1, sorter.WithFrontToBack(o.frontToBack)); err != nil {
		return err
	}
	if o.sorter, err = sorter.NewBitonicSorter(o.dev, 1); err != nil {
		return err
	}
	o.uniform, err = o.dev.CreateBuffer(device.BufferDescriptor{
		Label: o.renderable.Asset + ".view uniform",
		Size:  uint64((&device.GPUViewUniform{}).Size()),
		Usage: device.BufferUsageUniform | device.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("failed to create view uniform: %w", err)
	}
	return o.resizeViewData(1)
}

func (o *orchestratorImpl) resizeViewData(n uint32) error {
	size := max(uint64(n)*device.ViewDataStride*4, device.MinBufferSize)
	if o.viewData != nil && o.viewData.Size() == size {
		return nil
	}
	buf, err := o.dev.CreateBuffer(device.BufferDescriptor{
		Label: o.renderable.Asset + ".view data",
		Size:  size,
		Usage: device.BufferUsageStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create view data for %d splats: %w", n, err)
	}
	if o.viewData != nil {
		o.viewData.Release()
	}
	o.viewData = buf
	return nil
}

func (o *orchestratorImpl) Teardown() {
	if o.viewData != nil {
		o.viewData.Release()
		o.viewData = nil
	}
	if o.uniform != nil {
		o.uniform.Release()
		o.uniform = nil
	}
	if o.sorter != nil {
		o.sorter.Release()
		o.sorter = nil
	}
	if o.depth != nil {
		o.depth.Release()
		o.depth = nil
	}
	if o.compactor != nil {
		o.compactor.Release()
		o.compactor = nil
	}
	if o.classifier != nil {
		o.classifier.Release()
		o.classifier = nil
	}
	if o.manager != nil {
		o.manager.Release()
		o.manager = nil
	}
	o.scheduler = nil
	o.selector = nil
	o.set = nil
	o.active = -1
	if o.initialized {
		o.log.Info("renderable torn down")
	}
	o.initialized = false
}

func (o *orchestratorImpl) Initialized() bool {
	return o.initialized
}

func (o *orchestratorImpl) Record(cs device.CommandStream, view FrameView) (Status, error) {
	st := Status{Level: -1, Candidate: -1}
	if !o.initialized {
		return st, fmt.Errorf("asset %q: %w", o.renderable.Asset, ErrNotInitialized)
	}

	committed := o.selector.Update(view.Position, o.renderable.Anchor)
	st.Candidate = o.selector.Candidate()
	if committed != o.active {
		swapped, err := o.activate(committed)
		if err != nil {
			return st, err
		}
		st.Swapped = swapped
	}
	if o.preload && st.Swapped {
		o.manager.PreloadAdjacent(o.active)
	}

	set := o.set
	st.Level = o.active
	st.Primitives = set.PrimitiveCount
	st.BlendFactor = o.selector.BlendFactor()

	st.Sorted = o.scheduler.ShouldSort(scheduler.FrameInput{
		Pose:            view.Pose(),
		ContentDistance: common.Distance(view.Position, o.renderable.Anchor),
	})
	st.Reason = o.scheduler.State().LastReason
	if st.Sorted {
		if err := o.recordSort(cs, view, set); err != nil {
			return st, err
		}
	}
	if err := o.recordViewData(cs, view, set, st.BlendFactor); err != nil {
		return st, err
	}
	cs.DrawIndirect(device.DrawArgs{
		Label:    o.renderable.Asset,
		Args:     o.compactor.Args(),
		ViewData: o.viewData,
		Order:    o.depth.Values(),
	})
	return st, nil
}

// activate makes level current, falling back to the last good level. With no level
// active yet it tries every level, nearest to the requested one first.
func (o *orchestratorImpl) activate(level int) (bool, error) {
	err := o.switchTo(level)
	if err == nil {
		return true, nil
	}
	o.log.Warn("level swap failed", "level", level, "active", o.active, "err", err)

	if o.active >= 0 {
		// Re-commit the level still on screen; the selector debounces before retrying.
		_ = o.selector.ForceCommit(o.active)
		return false, nil
	}
	for _, l := range o.fallbackOrder(level) {
		ferr := o.switchTo(l)
		if ferr == nil {
			_ = o.selector.ForceCommit(l)
			o.log.Warn("fell back to another level", "requested", level, "level", l)
			return true, nil
		}
		err = errors.Join(err, ferr)
	}
	return false, fmt.Errorf("asset %q: %w: %w", o.renderable.Asset, ErrNothingToRender, err)
}

func (o *orchestratorImpl) fallbackOrder(level int) []int {
	var out []int
	for l := range o.renderable.Table.Len() {
		if l != level {
			out = append(out, l)
		}
	}
	slices.SortStableFunc(out, func(a, b int) int {
		return absInt(a-level) - absInt(b-level)
	})
	return out
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// switchTo loads level, makes it current and sizes every pass for it. On a pass
// allocation failure the previous level is restored.
func (o *orchestratorImpl) switchTo(level int) error {
	prev := o.active
	set, err := o.manager.SwitchTo(level)
	if err != nil {
		return err
	}
	if err := o.resize(set); err != nil {
		if prev >= 0 {
			if prevSet, perr := o.manager.SwitchTo(prev); perr == nil && o.resize(prevSet) == nil {
				_ = o.manager.Unload(level)
			}
		}
		return fmt.Errorf("%w: %w", lod.ErrAllocationFailure, err)
	}
	o.set, o.active = set, level
	o.scheduler.Invalidate()
	o.log.Info("level active", "level", level, "primitives", set.PrimitiveCount, "chunks", set.ChunkCount)
	return nil
}

func (o *orchestratorImpl) resize(set *lod.BufferSet) error {
	n := set.PrimitiveCount
	if err := o.classifier.Resize(n, set.ChunkCount); err != nil {
		return err
	}
	if err := o.compactor.Resize(n); err != nil {
		return err
	}
	if err := o.depth.Resize(n); err != nil {
		return err
	}
	if err := o.sorter.Resize(o.depth.Capacity()); err != nil {
		return err
	}
	return o.resizeViewData(n)
}

// recordSort records visibility, compaction (or identity indices), depth keys and the sort.
func (o *orchestratorImpl) recordSort(cs device.CommandStream, view FrameView, set *lod.BufferSet) error {
	count, capacity := set.PrimitiveCount, o.depth.Capacity()
	if o.culling {
		err := o.classifier.Record(cs, visibility.Inputs{
			Frustum:    view.Frustum(),
			SplatCount: count,
			ChunkCount: set.ChunkCount,
			ChunkSize:  set.ChunkSize,
			Positions:  set.Positions,
			Others:     set.Other,
			Chunks:     set.Chunks,
		})
		if err != nil {
			return fmt.Errorf("classify %q: %w", o.renderable.Asset, err)
		}
		err = o.compactor.Record(cs, compaction.Inputs{
			Mask:     o.classifier.Mask(),
			Count:    count,
			Values:   o.depth.Values(),
			Capacity: capacity,
		})
		if err != nil {
			return fmt.Errorf("compact %q: %w", o.renderable.Asset, err)
		}
	} else if err := o.compactor.RecordIdentity(cs, o.depth.Values(), count, capacity); err != nil {
		return fmt.Errorf("init indices %q: %w", o.renderable.Asset, err)
	}

	if err := o.depth.Record(cs, sorter.DepthInputs{View: view.View, Positions: set.Positions, Args: o.compactor.Args()}); err != nil {
		return fmt.Errorf("depth %q: %w", o.renderable.Asset, err)
	}
	if err := o.sorter.Record(cs, o.depth.Keys(), o.depth.Values(), capacity); err != nil {
		return fmt.Errorf("sort %q: %w", o.renderable.Asset, err)
	}
	return nil
}

func (o *orchestratorImpl) recordViewData(cs device.CommandStream, view FrameView, set *lod.BufferSet, blend float32) error {
	u := device.GPUViewUniform{
		View:            view.View,
		Projection:      view.Projection,
		CameraPosition:  view.Position,
		SplatCount:      set.PrimitiveCount,
		SmoothingFactor: o.selector.SmoothingFactor(),
		BlendFactor:     blend,
		Level:           uint32(o.active),
		ViewportWidth:   view.ViewportWidth,
		ViewportHeight:  view.ViewportHeight,
	}
	if err := o.dev.WriteBuffer(o.uniform, 0, u.Marshal()); err != nil {
		return fmt.Errorf("failed to write view uniform: %w", err)
	}
	cs.Dispatch(device.DispatchArgs{
		Kernel: device.KernelViewData,
		Bindings: []device.Binding{
			{Buffer: o.uniform},
			{Buffer: set.Positions},
			{Buffer: set.Other},
			{Buffer: set.Color},
			{Buffer: o.depth.Values()},
			{Buffer: o.compactor.Args()},
			{Buffer: o.viewData},
		},
		Workgroups: device.Workgroups(o.depth.Capacity(), device.KernelViewData.WorkgroupSize()),
	})
	return nil
}

func (o *orchestratorImpl) Args() device.Buffer {
	if o.set == nil || o.compactor == nil {
		return nil
	}
	return o.compactor.Args()
}

func (o *orchestratorImpl) SetCullingEnabled(enabled bool) {
	if o.culling == enabled {
		return
	}
	o.culling = enabled
	if o.scheduler != nil {
		o.scheduler.SetCullingEnabled(enabled)
		o.scheduler.Invalidate()
	}
}

func (o *orchestratorImpl) CullingEnabled() bool {
	return o.culling
}

func (o *orchestratorImpl) SetTolerance(tolerance float32) {
	tolerance = max(tolerance, 0)
	if o.tolerance == tolerance {
		return
	}
	o.tolerance = tolerance
	if o.classifier != nil {
		o.classifier.SetTolerance(tolerance)
	}
	if o.scheduler != nil {
		o.scheduler.Invalidate()
	}
}

func (o *orchestratorImpl) Tolerance() float32 {
	return o.tolerance
}

func (o *orchestratorImpl) Level() int {
	return o.active
}

func (o *orchestratorImpl) Renderable() Renderable {
	return o.renderable
}

func (o *orchestratorImpl) Selector() lod.Selector {
	return o.selector
}

func (o *orchestratorImpl) Manager() lod.Manager {
	return o.manager
}

func (o *orchestratorImpl) Scheduler() scheduler.Scheduler {
	return o.scheduler
}
