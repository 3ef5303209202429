// Package source provides lod.Source implementations backed by files: a directory of
// manifest-described blobs per level, and one glTF document per level.
package source

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Carmen-Shannon/oxy-splat/engine/lod"
)

// Splats is one level's splats in structure-of-arrays form.
type Splats struct {
	Positions [][3]float32
	// Rotations are unit quaternions (x, y, z, w).
	Rotations [][4]float32
	Scales    [][3]float32
	Opacities []float32
	Colors    [][4]float32
	// Coefficients holds CoefficientsPerSplat values per splat, splat-major.
	Coefficients         []float32
	CoefficientsPerSplat int
}

// Len returns the number of splats.
func (s *Splats) Len() int {
	return len(s.Positions)
}

// Validate checks that every attribute has one entry per splat.
func (s *Splats) Validate() error {
	n := s.Len()
	if n == 0 {
		return fmt.Errorf("no splats: %w", lod.ErrMissingData)
	}
	for _, c := range []struct {
		name string
		got  int
	}{
		{"rotations", len(s.Rotations)},
		{"scales", len(s.Scales)},
		{"opacities", len(s.Opacities)},
		{"colors", len(s.Colors)},
	} {
		if c.got != n {
			return fmt.Errorf("%s has %d entries for %d splats: %w", c.name, c.got, n, lod.ErrMissingData)
		}
	}
	if s.CoefficientsPerSplat < 0 || len(s.Coefficients) != n*s.CoefficientsPerSplat {
		return fmt.Errorf("%d coefficients for %d splats of %d: %w",
			len(s.Coefficients), n, s.CoefficientsPerSplat, lod.ErrMissingData)
	}
	return nil
}

// LevelData packs the splats into level blobs.
//
// Parameters:
//   - compress: true to zstd-compress every blob
//
// Returns:
//   - *lod.LevelData: the packed level
//   - error: a validation or encoding error
func (s *Splats) LevelData(compress bool) (*lod.LevelData, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	n := s.Len()
	positions := make([]byte, 0, n*12)
	others := make([]byte, 0, n*32)
	colors := make([]byte, 0, n*16)
	for i := range n {
		positions = appendFloats(positions, s.Positions[i][:]...)
		others = appendFloats(others, s.Rotations[i][:]...)
		others = appendFloats(others, s.Scales[i][:]...)
		others = appendFloats(others, s.Opacities[i])
		colors = appendFloats(colors, s.Colors[i][:]...)
	}
	coefficients := appendFloats(make([]byte, 0, len(s.Coefficients)*4), s.Coefficients...)

	ld := &lod.LevelData{PrimitiveCount: uint32(n), Blobs: make(map[lod.Attribute]lod.Blob, 4)}
	for _, b := range []struct {
		attr   lod.Attribute
		format lod.VectorFormat
		data   []byte
	}{
		{lod.AttributePositions, lod.FormatFloat32x3, positions},
		{lod.AttributeOther, lod.FormatFloat32x8, others},
		{lod.AttributeColor, lod.FormatFloat32x4, colors},
		{lod.AttributeCoefficients, lod.FormatFloat32, coefficients},
	} {
		blob, err := lod.EncodeBlob(b.format, b.data, compress)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", b.attr, err)
		}
		ld.Blobs[b.attr] = blob
	}
	return ld, nil
}

func appendFloats(dst []byte, values ...float32) []byte {
	for _, v := range values {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}
