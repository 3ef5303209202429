package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler       { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler            { return h }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *recordingHandler) count(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level {
			n++
		}
	}
	return n
}

func captureLogs(t *testing.T) *recordingHandler {
	t.Helper()
	h := &recordingHandler{}
	common.SetLogger(slog.New(h))
	t.Cleanup(func() { common.SetLogger(nil) })
	return h
}

var identity = [4]float32{0, 0, 0, 1}

func at(x float32) FrameInput {
	return FrameInput{Pose: Pose{Position: [3]float32{x, 0, 0}, Orientation: identity}, ContentDistance: 10}
}

func run(s Scheduler, in FrameInput, frames int) []bool {
	out := make([]bool, frames)
	for i := range out {
		out[i] = s.ShouldSort(in)
	}
	return out
}

func baseParams() Params {
	p := DefaultParams()
	p.StartupFrames = 1
	p.Smoothing = 0
	p.FastFrequency = 1
	p.BaseFrequency = 1
	p.DistantThreshold = 0
	return p
}

func TestDefaultParamsMatchConfig(t *testing.T) {
	p := DefaultParams()
	cfg := config.Default().Sort
	assert.Equal(t, cfg.BaseFrequency, p.BaseFrequency)
	assert.Equal(t, cfg.CacheDistanceThreshold, p.CacheDistanceThreshold)
	assert.True(t, p.Adaptive)
}

func TestStartupFramesAlwaysSort(t *testing.T) {
	p := baseParams()
	p.StartupFrames = 3
	p.BaseFrequency = 100
	s := NewScheduler(WithParams(p))
	assert.Equal(t, []bool{true, true, true, false, false}, run(s, at(0), 5))
	assert.Equal(t, ReasonCadence, s.State().LastReason)
}

func TestFixedCadenceWhenNotAdaptive(t *testing.T) {
	p := baseParams()
	p.Adaptive = false
	p.FixedFrequency = 3
	s := NewScheduler(WithParams(p))
	assert.Equal(t, []bool{true, false, false, true, false, false, true}, run(s, at(0), 7))
	assert.Equal(t, ReasonFixed, s.State().LastReason)
}

// Culling off, cache on: a 0.05 displacement under a 0.5 threshold is a cache hit.
func TestCacheHitWithoutCulling(t *testing.T) {
	p := baseParams()
	p.CacheEnabled = true
	p.CacheDistanceThreshold = 0.5
	p.CacheRotationThreshold = 0.02
	s := NewScheduler(WithParams(p), WithCullingEnabled(false))

	require.True(t, s.ShouldSort(at(0)), "initial forced sort")
	assert.False(t, s.ShouldSort(at(0.05)))
	assert.Equal(t, ReasonCacheHit, s.State().LastReason)
	assert.True(t, s.State().CacheValid)

	assert.True(t, s.ShouldSort(at(0.6)), "moving past the cache threshold sorts")
	assert.False(t, s.ShouldSort(at(0.6)))
}

// Culling on, cache on: the cache branch is never taken and one warning is logged.
func TestCacheBypassedUnderCulling(t *testing.T) {
	logs := captureLogs(t)
	p := baseParams()
	p.CacheEnabled = true
	p.CacheDistanceThreshold = 0.5
	s := NewScheduler(WithParams(p), WithCullingEnabled(true))

	for i := range 50 {
		x := float32(i%2) * 0.05
		assert.True(t, s.ShouldSort(at(x)), "frame %d", i)
		assert.NotEqual(t, ReasonCacheHit, s.State().LastReason)
		assert.False(t, s.State().CacheValid)
	}
	assert.Equal(t, 1, logs.count(slog.LevelWarn))
}

func TestCacheBypassFallsThroughToCadence(t *testing.T) {
	p := baseParams()
	p.CacheEnabled = true
	p.BaseFrequency = 3
	s := NewScheduler(WithParams(p), WithCullingEnabled(true))
	assert.Equal(t, []bool{true, false, false, true, false, false, true}, run(s, at(0), 7))
}

func TestHysteresisIgnoresSingleFrameJitter(t *testing.T) {
	p := baseParams()
	p.MovementThreshold = 0.01
	p.RotationThreshold = 1
	p.HysteresisFrames = 2
	s := NewScheduler(WithParams(p))

	s.ShouldSort(at(0))
	s.ShouldSort(at(1))
	assert.Equal(t, 1, s.State().MovementCounter)
	assert.False(t, s.State().Moving)
	s.ShouldSort(at(1))
	assert.Equal(t, 0, s.State().MovementCounter)

	for x := float32(2); x <= 5; x++ {
		s.ShouldSort(at(x))
	}
	assert.True(t, s.State().Moving)
	assert.Equal(t, 2*p.HysteresisFrames, s.State().MovementCounter, "counter is capped")

	s.ShouldSort(at(5))
	assert.True(t, s.State().Moving, "one still frame does not stop movement")
	s.ShouldSort(at(5))
	s.ShouldSort(at(5))
	assert.False(t, s.State().Moving)
}

func TestMovementSelectsFastCadence(t *testing.T) {
	p := baseParams()
	p.FastFrequency = 1
	p.BaseFrequency = 4
	s := NewScheduler(WithParams(p))

	assert.Equal(t, []bool{true, false, false, false, true}, run(s, at(0), 5))

	x := float32(0)
	var moving []bool
	for range 6 {
		x += 1
		moving = append(moving, s.ShouldSort(at(x)))
	}
	assert.Equal(t, []bool{false, true, true, true, true, true}, moving)
}

func TestDistantContentWidensCadence(t *testing.T) {
	p := baseParams()
	p.BaseFrequency = 2
	p.DistantThreshold = 100
	p.DistantMultiplier = 2
	s := NewScheduler(WithParams(p))

	far := at(0)
	far.ContentDistance = 200
	assert.Equal(t, []bool{true, false, false, false, true}, run(s, far, 5))
	assert.Equal(t, ReasonThrottled, s.State().LastReason)
}

func TestInvalidateForcesSort(t *testing.T) {
	p := baseParams()
	p.BaseFrequency = 100
	s := NewScheduler(WithParams(p))
	run(s, at(0), 3)
	s.Invalidate()
	assert.True(t, s.ShouldSort(at(0)))
	assert.Equal(t, ReasonInvalidated, s.State().LastReason)
	assert.False(t, s.ShouldSort(at(0)))
}

func TestParamChangeInvalidatesCache(t *testing.T) {
	p := baseParams()
	p.CacheEnabled = true
	s := NewScheduler(WithParams(p))
	s.ShouldSort(at(0))
	require.False(t, s.ShouldSort(at(0)))

	s.SetParams(p)
	assert.True(t, s.ShouldSort(at(0)), "cache dropped, cadence of one sorts")
	assert.False(t, s.ShouldSort(at(0)), "cache rebuilt by that sort")

	s.SetCullingEnabled(true)
	assert.True(t, s.ShouldSort(at(0)))
	assert.True(t, s.CullingEnabled())
}

func TestParamsAreClamped(t *testing.T) {
	s := NewScheduler(WithParams(Params{HysteresisFrames: 1, Smoothing: 2}))
	got := s.Params()
	assert.Equal(t, MinHysteresisFrames, got.HysteresisFrames)
	assert.Equal(t, 1, got.FastFrequency)
	assert.Less(t, got.Smoothing, float32(1))
}
