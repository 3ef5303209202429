package lod

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/chewxy/math32"
)

// Selector maps the camera distance to a committed level, debouncing changes so a camera
// hovering near a threshold does not thrash level loads.
type Selector interface {
	// Update evaluates one frame.
	//
	// Parameters:
	//   - camera: the camera position
	//   - anchor: the renderable's content anchor
	//
	// Returns:
	//   - int: the committed level after this frame
	Update(camera, anchor [3]float32) int

	// Candidate returns the level the last Update's distance selected.
	Candidate() int

	// Committed returns the committed level, or -1 before the first Update or ForceCommit.
	Committed() int

	// PendingFrames returns how many consecutive frames the current candidate has held.
	PendingFrames() int

	// Distance returns the last scaled distance.
	Distance() float32

	// BlendFactor returns 0 away from the committed level's threshold, rising to 1 at the
	// threshold across the blend band.
	BlendFactor() float32

	// SmoothingFactor returns the committed level's smoothing factor, 0 when nothing is committed.
	SmoothingFactor() float32

	// ForceCommit commits a level immediately, bypassing the debounce.
	//
	// Parameters:
	//   - level: the level to commit
	//
	// Returns:
	//   - error: ErrInvalidArgument if level is not in the table
	ForceCommit(level int) error

	// SetDistanceMultiplier changes the global distance multiplier.
	SetDistanceMultiplier(m float32)

	// Table returns the level table.
	Table() Table
}

type selectorImpl struct {
	table      Table
	multiplier float32
	debounce   int
	blendBand  float32

	distance      float32
	candidate     int
	committed     int
	pending       int
	pendingFrames int
}

var _ Selector = &selectorImpl{}

// NewSelector creates a Selector over a validated table.
//
// Parameters:
//   - table: the level table
//   - options: builder options
//
// Returns:
//   - Selector: the selector, with nothing committed
func NewSelector(table Table, options ...SelectorBuilderOption) Selector {
	s := &selectorImpl{
		table:      table,
		multiplier: 1,
		debounce:   30,
		candidate:  -1,
		committed:  -1,
		pending:    -1,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *selectorImpl) Update(camera, anchor [3]float32) int {
	s.distance = common.Distance(camera, anchor) * s.multiplier
	s.candidate = s.table.Select(s.distance)

	switch {
	case s.committed < 0:
		s.commit(s.candidate)
	case s.candidate == s.committed:
		s.pending, s.pendingFrames = s.committed, 0
	case s.candidate != s.pending:
		s.pending, s.pendingFrames = s.candidate, 1
	default:
		s.pendingFrames++
	}
	if s.candidate != s.committed && s.pendingFrames >= s.debounce {
		common.Logger().Debug("level committed",
			"from", s.committed,
			"to", s.candidate,
			"distance", s.distance,
		)
		s.commit(s.candidate)
	}
	return s.committed
}

func (s *selectorImpl) commit(level int) {
	s.committed = level
	s.pending, s.pendingFrames = level, 0
}

func (s *selectorImpl) Candidate() int {
	return s.candidate
}

func (s *selectorImpl) Committed() int {
	return s.committed
}

func (s *selectorImpl) PendingFrames() int {
	return s.pendingFrames
}

func (s *selectorImpl) Distance() float32 {
	return s.distance
}

func (s *selectorImpl) BlendFactor() float32 {
	if s.committed < 0 || s.blendBand <= 0 {
		return 0
	}
	l, _ := s.table.Level(s.committed)
	if math32.IsInf(l.Threshold, 1) {
		return 0
	}
	start := l.Threshold - s.blendBand
	return min(max((s.distance-start)/s.blendBand, 0), 1)
}

func (s *selectorImpl) SmoothingFactor() float32 {
	if s.committed < 0 {
		return 0
	}
	l, _ := s.table.Level(s.committed)
	return l.SmoothingFactor
}

func (s *selectorImpl) ForceCommit(level int) error {
	if !s.table.Valid(level) {
		return fmt.Errorf("force commit level %d: %w", level, ErrInvalidArgument)
	}
	s.commit(level)
	return nil
}

func (s *selectorImpl) SetDistanceMultiplier(m float32) {
	if m > 0 {
		s.multiplier = m
	}
}

func (s *selectorImpl) Table() Table {
	return s.table
}
