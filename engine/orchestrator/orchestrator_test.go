package orchestrator

import (
	"math"
	"slices"
	"testing"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/engine/device"
	"github.com/Carmen-Shannon/oxy-splat/engine/device/hostdevice"
	"github.com/Carmen-Shannon/oxy-splat/engine/lod"
	"github.com/Carmen-Shannon/oxy-splat/engine/lod/source"
	"github.com/Carmen-Shannon/oxy-splat/engine/scheduler"
	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lookFrom builds the view of a camera at eye looking down -Z.
func lookFrom(eye [3]float32) FrameView {
	v := FrameView{Position: eye, Orientation: [4]float32{0, 0, 0, 1}, ViewportWidth: 640, ViewportHeight: 640}
	common.LookAt(v.View[:], eye[0], eye[1], eye[2], eye[0], eye[1], eye[2]-1, 0, 1, 0)
	common.Perspective(v.Projection[:], math.Pi/2, 1, 0.1, 200)
	return v
}

// row builds front splats in front of the origin at increasing distance, followed by
// behind splats well behind it.
func row(t *testing.T, front, behind int) *lod.LevelData {
	t.Helper()
	s := &source.Splats{}
	add := func(z float32) {
		s.Positions = append(s.Positions, [3]float32{0.1, -0.1, z})
		s.Rotations = append(s.Rotations, [4]float32{0, 0, 0, 1})
		s.Scales = append(s.Scales, [3]float32{0.05, 0.05, 0.05})
		s.Opacities = append(s.Opacities, 0.8)
		s.Colors = append(s.Colors, [4]float32{1, 0.5, 0.25, 1})
	}
	for i := range front {
		add(-5 - float32(i)*0.5)
	}
	for i := range behind {
		add(50 + float32(i))
	}
	ld, err := s.LevelData(false)
	require.NoError(t, err)
	return ld
}

type scene struct {
	dev    hostdevice.Device
	source *lod.MemorySource
	table  lod.Table
	anchor [3]float32
}

func newScene(t *testing.T, options ...hostdevice.HostDeviceBuilderOption) *scene {
	t.Helper()
	table, err := lod.NewTable(
		lod.Level{Threshold: 10, SmoothingFactor: 1, PrimitiveCount: 40},
		lod.Level{Threshold: math32.Inf(1), SmoothingFactor: 0.5, PrimitiveCount: 10},
	)
	require.NoError(t, err)
	s := &scene{dev: hostdevice.NewDevice(options...), source: lod.NewMemorySource(), table: table}
	s.source.Put("garden", 0, row(t, 30, 10))
	s.source.Put("garden", 1, row(t, 8, 2))
	return s
}

func (s *scene) renderable() Renderable {
	return Renderable{Asset: "garden", Source: s.source, Table: s.table, Anchor: s.anchor}
}

func (s *scene) orchestrator(t *testing.T, options ...OrchestratorBuilderOption) Orchestrator {
	t.Helper()
	o := NewOrchestrator(s.dev, s.renderable(), options...)
	require.NoError(t, o.Initialize())
	t.Cleanup(o.Teardown)
	return o
}

// frame records and submits one frame for o and returns its status and draw.
func (s *scene) frame(t *testing.T, o Orchestrator, view FrameView) (Status, hostdevice.DrawRecord) {
	t.Helper()
	s.dev.ResetLog()
	cs, err := s.dev.BeginFrame()
	require.NoError(t, err)
	st, err := o.Record(cs, view)
	require.NoError(t, err)
	require.NoError(t, cs.Submit())
	draws := s.dev.Draws()
	require.Len(t, draws, 1)
	return st, draws[0]
}

func descending(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(n - 1 - i)
	}
	return out
}

func fixedCadence(every int) scheduler.Params {
	p := scheduler.DefaultParams()
	p.Adaptive = false
	p.StartupFrames = 0
	p.FixedFrequency = every
	return p
}

func TestRecordCullsAndSortsBackToFront(t *testing.T) {
	s := newScene(t)
	o := s.orchestrator(t, WithCulling(true))

	st, draw := s.frame(t, o, lookFrom([3]float32{0, 0, 0}))
	assert.Equal(t, 0, st.Level)
	assert.True(t, st.Swapped)
	assert.True(t, st.Sorted)

	assert.Equal(t, uint32(4), draw.VertexCount)
	assert.Equal(t, uint32(30), draw.InstanceCount, "splats behind the camera are culled")
	assert.Equal(t, descending(30), draw.Order, "farthest splat first")
	assert.Contains(t, s.dev.Dispatches(), device.KernelCullSplats)
}

func TestRecordWithoutCullingDrawsEverything(t *testing.T) {
	s := newScene(t)
	o := s.orchestrator(t, WithCulling(false))

	_, draw := s.frame(t, o, lookFrom([3]float32{0, 0, 0}))
	assert.Equal(t, uint32(40), draw.InstanceCount)
	want := descending(30)
	for i := range 10 {
		want = append(want, uint32(30+i))
	}
	assert.Equal(t, want, draw.Order, "splats behind the camera have negative depth and sort last")
	assert.Contains(t, s.dev.Dispatches(), device.KernelInitIndices)
	assert.NotContains(t, s.dev.Dispatches(), device.KernelCullSplats)
}

func TestFrontToBack(t *testing.T) {
	s := newScene(t)
	o := s.orchestrator(t, WithFrontToBack(true))

	_, draw := s.frame(t, o, lookFrom([3]float32{0, 0, 0}))
	for i, idx := range draw.Order {
		assert.Equal(t, uint32(i), idx)
	}
	assert.Len(t, draw.Order, 30)
}

func TestSkippedSortRedrawsPreviousOrder(t *testing.T) {
	s := newScene(t)
	o := s.orchestrator(t, WithSchedulerParams(fixedCadence(4)))
	view := lookFrom([3]float32{0, 0, 0})

	st, first := s.frame(t, o, view)
	require.True(t, st.Sorted)
	assert.Equal(t, scheduler.ReasonInvalidated, st.Reason, "a level swap forces a sort")

	for range 3 {
		st, draw := s.frame(t, o, view)
		assert.False(t, st.Sorted)
		assert.Equal(t, first, draw)
		assert.Equal(t, []device.KernelId{device.KernelViewData}, s.dev.Dispatches())
	}
	st, _ = s.frame(t, o, view)
	assert.True(t, st.Sorted)
}

func TestLevelSwapResizesPasses(t *testing.T) {
	s := newScene(t)
	s.anchor = [3]float32{0, 0, -20}
	o := s.orchestrator(t, WithCulling(false), WithDebounceFrames(2), WithSchedulerParams(fixedCadence(100)))

	st, draw := s.frame(t, o, lookFrom([3]float32{0, 0, 0}))
	require.Equal(t, 1, st.Level)
	assert.Equal(t, uint32(10), draw.InstanceCount)

	near := lookFrom([3]float32{0, 0, -15})
	st, draw = s.frame(t, o, near)
	assert.Equal(t, 1, st.Level, "the new candidate is still debouncing")
	assert.Equal(t, 0, st.Candidate)
	assert.False(t, st.Sorted)
	assert.Equal(t, uint32(10), draw.InstanceCount)

	st, draw = s.frame(t, o, near)
	assert.Equal(t, 0, st.Level)
	assert.True(t, st.Swapped)
	assert.True(t, st.Sorted)
	assert.Equal(t, scheduler.ReasonInvalidated, st.Reason)
	assert.Equal(t, uint32(40), st.Primitives)
	assert.Equal(t, uint32(40), draw.InstanceCount)
	assert.Equal(t, []int{0, 1}, o.Manager().Resident())
}

func TestMissingLevelFallsBack(t *testing.T) {
	s := newScene(t)
	s.source.Delete("garden", 0)
	o := s.orchestrator(t)

	st, draw := s.frame(t, o, lookFrom([3]float32{0, 0, 0}))
	assert.Equal(t, 0, st.Candidate)
	assert.Equal(t, 1, st.Level, "the requested level is missing, its neighbour loads")
	assert.Equal(t, 1, o.Selector().Committed())
	assert.Equal(t, uint32(8), draw.InstanceCount)
}

func TestNothingToRender(t *testing.T) {
	s := newScene(t)
	s.source.Delete("garden", 0)
	s.source.Delete("garden", 1)
	o := s.orchestrator(t)

	cs, err := s.dev.BeginFrame()
	require.NoError(t, err)
	st, err := o.Record(cs, lookFrom([3]float32{0, 0, 0}))
	assert.ErrorIs(t, err, ErrNothingToRender)
	assert.ErrorIs(t, err, lod.ErrMissingData)
	assert.Equal(t, -1, st.Level)
	require.NoError(t, cs.Submit())
	assert.Empty(t, s.dev.Draws())
}

func TestAllocationFailureKeepsLastGoodLevel(t *testing.T) {
	s := newScene(t, hostdevice.WithAllocationLimit(24<<10))
	s.source.Put("garden", 0, row(t, 2000, 0))
	s.anchor = [3]float32{0, 0, -20}
	o := s.orchestrator(t, WithCulling(false), WithDebounceFrames(1))

	st, _ := s.frame(t, o, lookFrom([3]float32{0, 0, 0}))
	require.Equal(t, 1, st.Level)

	st, draw := s.frame(t, o, lookFrom([3]float32{0, 0, -15}))
	assert.Equal(t, 1, st.Level, "rendering continues with the resident level")
	assert.False(t, st.Swapped)
	assert.Equal(t, 1, o.Selector().Committed())
	assert.Equal(t, uint32(10), draw.InstanceCount)
}

func TestInitializeTeardown(t *testing.T) {
	s := newScene(t)
	o := NewOrchestrator(s.dev, s.renderable())

	cs, err := s.dev.BeginFrame()
	require.NoError(t, err)
	_, err = o.Record(cs, lookFrom([3]float32{}))
	assert.ErrorIs(t, err, ErrNotInitialized)
	require.NoError(t, cs.Submit())

	require.NoError(t, o.Initialize())
	require.NoError(t, o.Initialize())
	assert.True(t, o.Initialized())
	s.frame(t, o, lookFrom([3]float32{}))
	assert.Positive(t, s.dev.LiveBuffers())

	o.Teardown()
	assert.False(t, o.Initialized())
	assert.Zero(t, s.dev.LiveBuffers())
	assert.Equal(t, -1, o.Level())

	require.NoError(t, o.Initialize(), "an orchestrator can be initialized again")
	st, _ := s.frame(t, o, lookFrom([3]float32{}))
	assert.True(t, st.Swapped)
	o.Teardown()
}

func TestToggleCullingForcesSort(t *testing.T) {
	s := newScene(t)
	o := s.orchestrator(t, WithSchedulerParams(fixedCadence(100)))
	view := lookFrom([3]float32{})

	s.frame(t, o, view)
	st, _ := s.frame(t, o, view)
	require.False(t, st.Sorted)

	o.SetCullingEnabled(false)
	assert.False(t, o.Scheduler().CullingEnabled())
	st, draw := s.frame(t, o, view)
	assert.True(t, st.Sorted)
	assert.Equal(t, uint32(40), draw.InstanceCount)
	assert.True(t, slices.Contains(s.dev.Dispatches(), device.KernelInitIndices))
}

func TestToleranceChangeForcesSort(t *testing.T) {
	s := newScene(t)
	o := s.orchestrator(t, WithSchedulerParams(fixedCadence(100)))
	view := lookFrom([3]float32{})

	s.frame(t, o, view)
	st, _ := s.frame(t, o, view)
	require.False(t, st.Sorted)

	o.SetTolerance(o.Tolerance())
	st, _ = s.frame(t, o, view)
	assert.False(t, st.Sorted, "an unchanged tolerance keeps the cadence")

	o.SetTolerance(2)
	assert.Equal(t, float32(2), o.Tolerance())
	st, draw := s.frame(t, o, view)
	assert.True(t, st.Sorted)
	assert.Equal(t, uint32(30), draw.InstanceCount)

	st, _ = s.frame(t, o, view)
	assert.False(t, st.Sorted)

	o.SetTolerance(-1)
	assert.Zero(t, o.Tolerance(), "negative tolerances clamp to zero")
}
