package lod

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Level is one immutable detail tier.
type Level struct {
	// Threshold is the exclusive upper bound of the scaled camera distance that selects
	// this level. The last level of a table has an infinite threshold.
	Threshold float32 `toml:"threshold"`
	// SmoothingFactor is forwarded to the shading pass to soften transitions.
	SmoothingFactor float32 `toml:"smoothing_factor"`
	// PrimitiveCount is the number of splats in the level.
	PrimitiveCount uint32 `toml:"primitive_count"`
}

// Table is an ordered, validated list of levels, finest first.
type Table struct {
	levels []Level
}

// NewTable validates levels and wraps them in a Table.
//
// Parameters:
//   - levels: the levels, ordered by ascending threshold
//
// Returns:
//   - Table: the validated table
//   - error: ErrInvalidArgument if the table is empty, thresholds are not strictly
//     ascending, or the last threshold is finite
func NewTable(levels ...Level) (Table, error) {
	if len(levels) == 0 {
		return Table{}, fmt.Errorf("empty level table: %w", ErrInvalidArgument)
	}
	for i := 1; i < len(levels); i++ {
		if !(levels[i].Threshold > levels[i-1].Threshold) {
			return Table{}, fmt.Errorf("level %d threshold %g does not exceed level %d threshold %g: %w",
				i, levels[i].Threshold, i-1, levels[i-1].Threshold, ErrInvalidArgument)
		}
	}
	if last := levels[len(levels)-1].Threshold; !math32.IsInf(last, 1) {
		return Table{}, fmt.Errorf("last level threshold must be +Inf, got %g: %w", last, ErrInvalidArgument)
	}
	return Table{levels: append([]Level(nil), levels...)}, nil
}

// Len returns the number of levels.
func (t Table) Len() int {
	return len(t.levels)
}

// Level returns one level.
//
// Parameters:
//   - i: the level index
//
// Returns:
//   - Level: the level
//   - error: ErrInvalidArgument if i is out of range
func (t Table) Level(i int) (Level, error) {
	if !t.Valid(i) {
		return Level{}, fmt.Errorf("level %d of %d: %w", i, len(t.levels), ErrInvalidArgument)
	}
	return t.levels[i], nil
}

// Valid reports whether i indexes a level of the table.
func (t Table) Valid(i int) bool {
	return i >= 0 && i < len(t.levels)
}

// Levels returns a copy of the levels.
func (t Table) Levels() []Level {
	return append([]Level(nil), t.levels...)
}

// Select returns the first level whose threshold exceeds distance.
//
// Parameters:
//   - distance: the scaled camera distance
//
// Returns:
//   - int: the level index; the last level for any finite distance
func (t Table) Select(distance float32) int {
	for i, l := range t.levels {
		if distance < l.Threshold {
			return i
		}
	}
	return len(t.levels) - 1
}
