// Package scheduler decides, once per frame and per renderable, whether the depth order
// must be recomputed.
package scheduler

import (
	"errors"
	"fmt"

	"github.com/Carmen-Shannon/oxy-splat/common"
)

// ErrConfigConflict is reported, once, when the sort cache is requested while culling is
// enabled. The cache is unsound under culling and is bypassed.
var ErrConfigConflict = errors.New("sort cache requested with visibility culling enabled")

// Pose is a camera position and orientation (unit quaternion x, y, z, w).
type Pose struct {
	Position    [3]float32
	Orientation [4]float32
}

// FrameInput is what the scheduler observes each frame.
type FrameInput struct {
	Pose Pose
	// ContentDistance is the distance from the camera to the renderable's anchor.
	ContentDistance float32
}

// Reason names the rule that decided a frame.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonStartup
	ReasonInvalidated
	ReasonFixed
	ReasonCacheHit
	ReasonCadence
	ReasonThrottled
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonStartup:
		return "startup"
	case ReasonInvalidated:
		return "invalidated"
	case ReasonFixed:
		return "fixed"
	case ReasonCacheHit:
		return "cache-hit"
	case ReasonCadence:
		return "cadence"
	case ReasonThrottled:
		return "throttled"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// State is a snapshot of the scheduler for diagnostics.
type State struct {
	Frame            uint64
	FramesSinceSort  int
	SmoothedSpeed    float32
	SmoothedRotation float32
	MovementCounter  int
	Moving           bool
	CacheValid       bool
	LastSortPose     Pose
	AverageDistance  float32
	LastSorted       bool
	LastReason       Reason
}

// Scheduler is the per-renderable sort cadence state machine. It is not safe for
// concurrent use; the frame loop is its only caller.
type Scheduler interface {
	// ShouldSort advances the state machine by one frame.
	//
	// Parameters:
	//   - in: the camera pose and content distance for this frame
	//
	// Returns:
	//   - bool: true if the depth order must be recomputed this frame
	ShouldSort(in FrameInput) bool

	// SetParams replaces the tunables. The cache is invalidated on the next evaluation.
	SetParams(p Params)

	// Params returns the current tunables, after range clamping.
	Params() Params

	// SetCullingEnabled tells the scheduler whether culling runs. A change invalidates the cache.
	SetCullingEnabled(enabled bool)

	// CullingEnabled reports the last value passed to SetCullingEnabled.
	CullingEnabled() bool

	// Invalidate forces a sort on the next evaluation. Called when the active level
	// changes, since index-based state does not survive a swap.
	Invalidate()

	// State returns a snapshot of the internal state.
	State() State
}

type schedulerImpl struct {
	name    string
	params  Params
	culling bool

	frame          uint64
	sinceSort      int
	smoothedSpeed  float32
	smoothedRot    float32
	counter        int
	moving         bool
	havePose       bool
	lastPose       Pose
	lastSortPose   Pose
	cacheValid     bool
	avgDistance    float32
	haveDistance   bool
	force          bool
	dropCache      bool
	conflictWarned bool
	lastSorted     bool
	lastReason     Reason
}

var _ Scheduler = &schedulerImpl{}

// NewScheduler creates a Scheduler with DefaultParams and culling disabled unless
// overridden by options.
//
// Parameters:
//   - options: builder options
//
// Returns:
//   - Scheduler: the scheduler
func NewScheduler(options ...SchedulerBuilderOption) Scheduler {
	s := &schedulerImpl{
		params: DefaultParams().normalized(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *schedulerImpl) ShouldSort(in FrameInput) bool {
	if in.Pose.Orientation == ([4]float32{}) {
		in.Pose.Orientation = [4]float32{0, 0, 0, 1}
	}
	s.frame++
	s.sinceSort++
	s.observe(in)

	sorted, reason := s.decide(in)
	if sorted {
		s.sinceSort = 0
		s.lastSortPose = in.Pose
		s.cacheValid = s.cacheAllowed()
	}
	s.lastSorted, s.lastReason = sorted, reason

	common.Logger().Debug("sort decision",
		"renderable", s.name,
		"frame", s.frame,
		"sort", sorted,
		"reason", reason.String(),
		"moving", s.moving,
	)
	return sorted
}

// observe updates the smoothed camera motion and content distance.
func (s *schedulerImpl) observe(in FrameInput) {
	p := s.params
	if s.havePose {
		speed := common.Distance(in.Pose.Position, s.lastPose.Position)
		rot := common.QuatAngle(in.Pose.Orientation, s.lastPose.Orientation)
		s.smoothedSpeed = p.Smoothing*s.smoothedSpeed + (1-p.Smoothing)*speed
		s.smoothedRot = p.Smoothing*s.smoothedRot + (1-p.Smoothing)*rot
	}
	s.lastPose, s.havePose = in.Pose, true

	if s.smoothedSpeed > p.MovementThreshold || s.smoothedRot > p.RotationThreshold {
		s.counter = min(s.counter+1, 2*p.HysteresisFrames)
	} else {
		s.counter = max(s.counter-1, 0)
	}
	s.moving = s.counter >= p.HysteresisFrames

	if s.haveDistance {
		s.avgDistance = p.Smoothing*s.avgDistance + (1-p.Smoothing)*in.ContentDistance
	} else {
		s.avgDistance, s.haveDistance = in.ContentDistance, true
	}
}

func (s *schedulerImpl) decide(in FrameInput) (bool, Reason) {
	p := s.params

	if s.dropCache {
		s.cacheValid = false
		s.dropCache = false
	}

	if s.frame <= uint64(p.StartupFrames) {
		s.cacheValid = false
		return true, ReasonStartup
	}
	if s.force {
		s.force = false
		s.cacheValid = false
		return true, ReasonInvalidated
	}
	if !p.Adaptive {
		return s.sinceSort >= p.FixedFrequency, ReasonFixed
	}

	if p.CacheEnabled {
		if s.culling {
			if !s.conflictWarned {
				s.conflictWarned = true
				common.Logger().Warn("sort cache disabled",
					"renderable", s.name,
					"error", ErrConfigConflict,
				)
			}
		} else if s.cacheValid &&
			common.Distance(in.Pose.Position, s.lastSortPose.Position) < p.CacheDistanceThreshold &&
			common.QuatAngle(in.Pose.Orientation, s.lastSortPose.Orientation) < p.CacheRotationThreshold {
			return false, ReasonCacheHit
		}
	}

	cadence := p.BaseFrequency
	if s.moving {
		cadence = p.FastFrequency
	}
	reason := ReasonCadence
	if p.DistantThreshold > 0 && s.avgDistance > p.DistantThreshold {
		cadence *= p.DistantMultiplier
		reason = ReasonThrottled
	}
	return s.sinceSort >= cadence, reason
}

func (s *schedulerImpl) cacheAllowed() bool {
	return s.params.Adaptive && s.params.CacheEnabled && !s.culling
}

func (s *schedulerImpl) SetParams(p Params) {
	s.params = p.normalized()
	s.dropCache = true
	if !s.params.CacheEnabled || !s.culling {
		s.conflictWarned = false
	}
}

func (s *schedulerImpl) Params() Params {
	return s.params
}

func (s *schedulerImpl) SetCullingEnabled(enabled bool) {
	if enabled == s.culling {
		return
	}
	s.culling = enabled
	s.dropCache = true
	if !enabled {
		s.conflictWarned = false
	}
}

func (s *schedulerImpl) CullingEnabled() bool {
	return s.culling
}

func (s *schedulerImpl) Invalidate() {
	s.force = true
	s.cacheValid = false
}

func (s *schedulerImpl) State() State {
	return State{
		Frame:            s.frame,
		FramesSinceSort:  s.sinceSort,
		SmoothedSpeed:    s.smoothedSpeed,
		SmoothedRotation: s.smoothedRot,
		MovementCounter:  s.counter,
		Moving:           s.moving,
		CacheValid:       s.cacheValid,
		LastSortPose:     s.lastSortPose,
		AverageDistance:  s.avgDistance,
		LastSorted:       s.lastSorted,
		LastReason:       s.lastReason,
	}
}
