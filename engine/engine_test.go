package engine

import (
	"sync/atomic"
	"testing"

	"github.com/Carmen-Shannon/oxy-splat/config"
	"github.com/Carmen-Shannon/oxy-splat/engine/camera"
	"github.com/Carmen-Shannon/oxy-splat/engine/device/hostdevice"
	"github.com/Carmen-Shannon/oxy-splat/engine/lod"
	"github.com/Carmen-Shannon/oxy-splat/engine/lod/source"
	"github.com/Carmen-Shannon/oxy-splat/engine/orchestrator"
	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// garden places front splats down -Z from the origin and behind splats along +Z.
func garden(t *testing.T, front, behind int) orchestrator.Renderable {
	t.Helper()
	s := &source.Splats{}
	add := func(z float32) {
		s.Positions = append(s.Positions, [3]float32{0.1, -0.1, z})
		s.Rotations = append(s.Rotations, [4]float32{0, 0, 0, 1})
		s.Scales = append(s.Scales, [3]float32{0.05, 0.05, 0.05})
		s.Opacities = append(s.Opacities, 0.9)
		s.Colors = append(s.Colors, [4]float32{0.2, 0.8, 0.3, 1})
	}
	for i := range front {
		add(-5 - float32(i)*0.5)
	}
	for i := range behind {
		add(50 + float32(i))
	}
	ld, err := s.LevelData(true)
	require.NoError(t, err)

	src := lod.NewMemorySource()
	src.Put("garden", 0, ld)
	table, err := lod.NewTable(lod.Level{Threshold: math32.Inf(1), SmoothingFactor: 1, PrimitiveCount: uint32(front + behind)})
	require.NoError(t, err)
	return orchestrator.Renderable{Asset: "garden", Source: src, Table: table}
}

func newTestEngine(t *testing.T, options ...EngineBuilderOption) (Engine, hostdevice.Device) {
	t.Helper()
	dev := hostdevice.NewDevice()
	rig := camera.NewOrbitController(camera.WithTarget([3]float32{0, 0, -10}), camera.WithRadius(10), camera.WithAngles(0, 0))
	cam := camera.NewCamera(camera.WithController(rig), camera.WithViewport(640, 480))
	e, err := NewEngine(append([]EngineBuilderOption{WithDevice(dev), WithCamera(cam)}, options...)...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, dev
}

func TestRenderFrameDrawsRegisteredRenderables(t *testing.T) {
	e, dev := newTestEngine(t)
	require.NoError(t, e.Register("garden", garden(t, 30, 10)))

	report, err := e.RenderFrame()
	require.NoError(t, err)
	require.Len(t, report.Renderables, 1)
	assert.Equal(t, uint64(1), report.Frame)
	assert.Equal(t, 0, report.Renderables[0].Level)
	assert.NoError(t, report.Renderables[0].Err)

	draws := dev.Draws()
	require.Len(t, draws, 1)
	assert.Equal(t, uint32(30), draws[0].InstanceCount)
}

func TestRenderFrameWithNothingRegistered(t *testing.T) {
	e, dev := newTestEngine(t)
	_, err := e.RenderFrame()
	assert.ErrorIs(t, err, orchestrator.ErrNothingToRender)
	assert.Empty(t, dev.Draws())
}

func TestConfigAppliesToRegisteredRenderables(t *testing.T) {
	cfg := config.Default()
	cfg.Culling.Enabled = false
	e, dev := newTestEngine(t, WithConfig(cfg))
	require.NoError(t, e.Register("garden", garden(t, 30, 10)))

	_, err := e.RenderFrame()
	require.NoError(t, err)
	require.Len(t, dev.Draws(), 1)
	assert.Equal(t, uint32(40), dev.Draws()[0].InstanceCount)
}

func TestRunHeadlessUntilQuit(t *testing.T) {
	e, _ := newTestEngine(t, WithProfiling(true), WithTickRate(1000))
	require.NoError(t, e.Register("garden", garden(t, 30, 10)))

	var frames, ticks atomic.Int32
	e.SetTickCallback(func(float32) { ticks.Add(1) })
	e.SetReportCallback(func(report orchestrator.FrameReport, err error) {
		assert.NoError(t, err)
		if frames.Add(1) == 5 {
			e.Quit()
		}
	})
	e.Run()

	assert.GreaterOrEqual(t, frames.Load(), int32(5))
	assert.Equal(t, uint64(frames.Load()), e.Coordinator().Frame())
	e.Quit()
}

func TestSetTickRateWhileRunning(t *testing.T) {
	e, _ := newTestEngine(t, WithTickRate(1000))
	require.NoError(t, e.Register("garden", garden(t, 30, 10)))

	var frames atomic.Int32
	e.SetReportCallback(func(orchestrator.FrameReport, error) {
		if frames.Add(1) == 20 {
			e.Quit()
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 50 {
			e.SetTickRate(float64(500 + i))
		}
	}()
	e.Run()
	<-done

	assert.GreaterOrEqual(t, frames.Load(), int32(20))
	assert.False(t, e.Running())
	e.SetTickRate(30)
}

func TestCloseReleasesRenderables(t *testing.T) {
	dev := hostdevice.NewDevice()
	e, err := NewEngine(WithDevice(dev))
	require.NoError(t, err)
	require.NoError(t, e.Register("garden", garden(t, 30, 10)))
	require.NotZero(t, dev.LiveBuffers())

	e.Close()
	assert.Empty(t, e.Coordinator().IDs())
	e.Close()
}
