package visibility

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/engine/device"
	"github.com/chewxy/math32"
)

// RadiusScale multiplies the largest scale component of a splat to give the radius of its
// bounding sphere. Three standard deviations hold all but a negligible tail of a gaussian.
const RadiusScale float32 = 3

// OtherStride is the number of f32 values per splat in the other-attribute blob:
// rotation quaternion (4), linear scale (3), opacity (1).
const OtherStride = 8

// ChunkState is the coarse culling verdict for one chunk. Values match the chunk culling kernel.
type ChunkState uint32

const (
	// ChunkHidden means every member is outside the expanded frustum.
	ChunkHidden ChunkState = iota

	// ChunkVisible means every member is inside the expanded frustum.
	ChunkVisible

	// ChunkPartial means members must be tested individually.
	ChunkPartial
)

func (s ChunkState) String() string {
	switch s {
	case ChunkHidden:
		return "hidden"
	case ChunkVisible:
		return "visible"
	case ChunkPartial:
		return "partial"
	}
	return fmt.Sprintf("ChunkState(%d)", uint32(s))
}

// ChunkBounds is the axis-aligned box enclosing the bounding spheres of a chunk's members.
type ChunkBounds struct {
	Min [3]float32
	Max [3]float32
}

// SplatRadius returns the conservative bounding-sphere radius of a splat.
//
// Parameters:
//   - scale: the splat's linear scale along its local axes
//
// Returns:
//   - float32: RadiusScale times the largest absolute scale component
func SplatRadius(scale [3]float32) float32 {
	return RadiusScale * max(math32.Abs(scale[0]), math32.Abs(scale[1]), math32.Abs(scale[2]))
}

// BuildChunkTable groups consecutive splats into chunks of chunkSize and computes the box
// around their bounding spheres. The last chunk may hold fewer members.
//
// Parameters:
//   - positions: packed xyz positions, 3 f32 per splat
//   - others: the other-attribute blob, OtherStride f32 per splat
//   - chunkSize: members per chunk
//
// Returns:
//   - []ChunkBounds: one entry per chunk, nil when there are no splats or chunkSize < 1
func BuildChunkTable(positions, others []float32, chunkSize int) []ChunkBounds {
	n := min(len(positions)/3, len(others)/OtherStride)
	if n == 0 || chunkSize < 1 {
		return nil
	}
	chunks := make([]ChunkBounds, 0, (n+chunkSize-1)/chunkSize)
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		b := ChunkBounds{
			Min: [3]float32{math32.Inf(1), math32.Inf(1), math32.Inf(1)},
			Max: [3]float32{math32.Inf(-1), math32.Inf(-1), math32.Inf(-1)},
		}
		for i := start; i < end; i++ {
			o := i * OtherStride
			r := SplatRadius([3]float32{others[o+4], others[o+5], others[o+6]})
			for a := range 3 {
				p := positions[i*3+a]
				b.Min[a] = min(b.Min[a], p-r)
				b.Max[a] = max(b.Max[a], p+r)
			}
		}
		chunks = append(chunks, b)
	}
	return chunks
}

// EncodeChunkTable serializes a chunk table in the GPU layout consumed by the chunk culling kernel.
//
// Parameters:
//   - chunks: the chunk table
//
// Returns:
//   - []byte: 32 bytes per chunk
func EncodeChunkTable(chunks []ChunkBounds) []byte {
	out := make([]byte, 0, len(chunks)*32)
	for _, c := range chunks {
		g := device.GPUChunkBounds{Min: c.Min, Max: c.Max}
		out = append(out, g.Marshal()...)
	}
	return out
}

// DecodeChunkTable parses a chunk table produced by EncodeChunkTable.
//
// Parameters:
//   - data: the encoded table
//
// Returns:
//   - []ChunkBounds: the decoded chunks
//   - error: an error if data is not a whole number of 32-byte records
func DecodeChunkTable(data []byte) ([]ChunkBounds, error) {
	if len(data)%32 != 0 {
		return nil, fmt.Errorf("chunk table of %d bytes is not a multiple of 32", len(data))
	}
	chunks := make([]ChunkBounds, len(data)/32)
	for i := range chunks {
		rec := data[i*32 : (i+1)*32]
		for a := range 3 {
			chunks[i].Min[a] = math.Float32frombits(binary.LittleEndian.Uint32(rec[a*4:]))
			chunks[i].Max[a] = math.Float32frombits(binary.LittleEndian.Uint32(rec[16+a*4:]))
		}
	}
	return chunks, nil
}

// ClassifyChunks tests each chunk against the frustum pushed outward by tolerance.
//
// Parameters:
//   - f: the exact view frustum
//   - tolerance: outward expansion in world units
//   - chunks: the chunk table
//
// Returns:
//   - []ChunkState: one verdict per chunk
func ClassifyChunks(f common.Frustum, tolerance float32, chunks []ChunkBounds) []ChunkState {
	expanded := f.Expanded(tolerance)
	states := make([]ChunkState, len(chunks))
	for i, c := range chunks {
		switch expanded.ClassifyAABB(c.Min, c.Max) {
		case common.ContainmentOutside:
			states[i] = ChunkHidden
		case common.ContainmentInside:
			states[i] = ChunkVisible
		default:
			states[i] = ChunkPartial
		}
	}
	return states
}

// ClassifySplats resolves the per-splat mask. Hidden and visible chunks decide for all of
// their members; members of partial chunks, or every splat when states is empty, test their
// bounding sphere against the exact frustum.
//
// Parameters:
//   - f: the exact view frustum
//   - states: chunk verdicts from ClassifyChunks, possibly empty
//   - chunkSize: members per chunk
//   - positions: packed xyz positions
//   - others: the other-attribute blob
//
// Returns:
//   - []uint32: one word per splat, 1 visible and 0 hidden
func ClassifySplats(f common.Frustum, states []ChunkState, chunkSize int, positions, others []float32) []uint32 {
	n := min(len(positions)/3, len(others)/OtherStride)
	mask := make([]uint32, n)
	for i := range n {
		if len(states) > 0 && chunkSize > 0 {
			c := min(i/chunkSize, len(states)-1)
			switch states[c] {
			case ChunkHidden:
				continue
			case ChunkVisible:
				mask[i] = 1
				continue
			}
		}
		o := i * OtherStride
		center := [3]float32{positions[i*3], positions[i*3+1], positions[i*3+2]}
		if f.IntersectsSphere(center, SplatRadius([3]float32{others[o+4], others[o+5], others[o+6]})) {
			mask[i] = 1
		}
	}
	return mask
}
