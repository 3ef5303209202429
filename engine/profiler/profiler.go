// Package profiler aggregates frame timing, memory, and splat pipeline statistics and logs
// them at a fixed interval.
package profiler

import (
	"runtime"
	"time"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/engine/orchestrator"
)

// Stats is one reporting window.
type Stats struct {
	Frames  int
	Elapsed time.Duration
	FPS     float64

	HeapMB      float64
	AllocRateMB float64
	GCCount     uint32
	MaxPauseUs  uint64

	// Sorts counts renderable frames that re-sorted; Draws counts those that drew.
	Sorts    int
	Draws    int
	Swaps    int
	Failures int
	// Visible is the mean visible count over the telemetry samples of the window.
	Visible float64
}

// SortRatio is the share of drawn renderable frames that re-sorted.
func (s Stats) SortRatio() float64 {
	if s.Draws == 0 {
		return 0
	}
	return float64(s.Sorts) / float64(s.Draws)
}

// Profiler tracks frame rate, memory, and pipeline statistics.
type Profiler struct {
	frameCount     int
	lastTime       time.Time
	updateInterval time.Duration
	memStats       runtime.MemStats
	lastGCCount    uint32
	lastTotalAlloc uint64

	sorts, draws, swaps, failures int
	visibleSum                    uint64
	visibleSamples                int
	lastTelemetry                 map[orchestrator.RenderableID]uint64

	last Stats
	now  func() time.Time
}

// NewProfiler creates a Profiler that reports once per second.
//
// Returns:
//   - *Profiler: the newly created profiler instance
func NewProfiler() *Profiler {
	return NewProfilerWithInterval(time.Second)
}

// NewProfilerWithInterval creates a Profiler with a custom reporting interval.
//
// Parameters:
//   - interval: time between reports
//
// Returns:
//   - *Profiler: the newly created profiler instance
func NewProfilerWithInterval(interval time.Duration) *Profiler {
	return &Profiler{
		lastTime:       time.Now(),
		updateInterval: interval,
		lastTelemetry:  make(map[orchestrator.RenderableID]uint64),
		now:            time.Now,
	}
}

// Observe folds one frame report into the current window. Telemetry samples are counted
// once per readback, not once per frame they are repeated in.
//
// Parameters:
//   - report: the coordinator's report for the frame
func (p *Profiler) Observe(report orchestrator.FrameReport) {
	for _, r := range report.Renderables {
		if r.Err != nil {
			p.failures++
			continue
		}
		if r.Level >= 0 {
			p.draws++
		}
		if r.Sorted {
			p.sorts++
		}
		if r.Swapped {
			p.swaps++
		}
		if r.TelemetryFrame > 0 && r.TelemetryFrame != p.lastTelemetry[r.ID] {
			p.lastTelemetry[r.ID] = r.TelemetryFrame
			p.visibleSum += uint64(r.VisibleCount)
			p.visibleSamples++
		}
	}
}

// Tick should be called once per frame. When the interval has elapsed it logs the window's
// statistics and starts a new window.
//
// Returns:
//   - bool: true if stats were logged this tick
func (p *Profiler) Tick() bool {
	p.frameCount++
	currentTime := p.now()
	elapsed := currentTime.Sub(p.lastTime)
	if elapsed < p.updateInterval {
		return false
	}

	runtime.ReadMemStats(&p.memStats)
	s := Stats{
		Frames:      p.frameCount,
		Elapsed:     elapsed,
		FPS:         float64(p.frameCount) / elapsed.Seconds(),
		HeapMB:      float64(p.memStats.Alloc) / 1024 / 1024,
		AllocRateMB: float64(p.memStats.TotalAlloc-p.lastTotalAlloc) / 1024 / 1024 / elapsed.Seconds(),
		GCCount:     p.memStats.NumGC,
		Sorts:       p.sorts,
		Draws:       p.draws,
		Swaps:       p.swaps,
		Failures:    p.failures,
	}
	if p.visibleSamples > 0 {
		s.Visible = float64(p.visibleSum) / float64(p.visibleSamples)
	}

	// PauseNs is a ring of the last 256 pauses
	start := p.lastGCCount
	if s.GCCount-start > 256 {
		start = s.GCCount - 256
	}
	for i := start; i < s.GCCount; i++ {
		s.MaxPauseUs = max(s.MaxPauseUs, p.memStats.PauseNs[i%256]/1000)
	}

	common.Logger().Info("frame stats",
		"fps", s.FPS,
		"heap_mb", s.HeapMB,
		"alloc_rate_mb", s.AllocRateMB,
		"gc", s.GCCount,
		"max_pause_us", s.MaxPauseUs,
		"sort_ratio", s.SortRatio(),
		"swaps", s.Swaps,
		"failures", s.Failures,
		"visible", s.Visible,
	)

	p.last = s
	p.frameCount = 0
	p.lastTime = currentTime
	p.lastGCCount = s.GCCount
	p.lastTotalAlloc = p.memStats.TotalAlloc
	p.sorts, p.draws, p.swaps, p.failures = 0, 0, 0, 0
	p.visibleSum, p.visibleSamples = 0, 0
	return true
}

// Last returns the most recently logged window.
func (p *Profiler) Last() Stats {
	return p.last
}
