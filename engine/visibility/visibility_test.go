package visibility

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/engine/device"
	"github.com/Carmen-Shannon/oxy-splat/engine/device/hostdevice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lookDownZ builds the frustum of a camera at the origin looking down -Z with a 90° fov.
func lookDownZ() common.Frustum {
	var view, proj, vp [16]float32
	common.LookAt(view[:], 0, 0, 0, 0, 0, -1, 0, 1, 0)
	common.Perspective(proj[:], math.Pi/2, 1, 0.1, 100)
	common.Mul4(vp[:], proj[:], view[:])
	return common.ExtractFrustumFromMatrix(vp[:])
}

type splat struct {
	pos   [3]float32
	scale float32
}

func pack(splats []splat) (positions, others []float32) {
	for _, s := range splats {
		positions = append(positions, s.pos[:]...)
		others = append(others, 0, 0, 0, 1, s.scale, s.scale, s.scale, 1)
	}
	return positions, others
}

func randomSplats(n int, seed uint64) []splat {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]splat, n)
	for i := range out {
		out[i] = splat{
			pos:   [3]float32{r.Float32()*80 - 40, r.Float32()*80 - 40, r.Float32()*80 - 60},
			scale: r.Float32() * 0.5,
		}
	}
	return out
}

func TestSplatRadius(t *testing.T) {
	assert.InDelta(t, 1.5, SplatRadius([3]float32{0.1, -0.5, 0.2}), 1e-6)
	assert.Zero(t, SplatRadius([3]float32{}))
}

func TestBuildChunkTable(t *testing.T) {
	positions, others := pack([]splat{
		{pos: [3]float32{0, 0, 0}, scale: 0.1},
		{pos: [3]float32{2, 0, 0}, scale: 0.1},
		{pos: [3]float32{0, 5, 0}, scale: 1},
	})
	chunks := BuildChunkTable(positions, others, 2)
	require.Len(t, chunks, 2)
	assert.InDeltaSlice(t, []float32{-0.3, -0.3, -0.3}, chunks[0].Min[:], 1e-6)
	assert.InDeltaSlice(t, []float32{2.3, 0.3, 0.3}, chunks[0].Max[:], 1e-6)
	assert.InDeltaSlice(t, []float32{-3, 2, -3}, chunks[1].Min[:], 1e-6)
	assert.InDeltaSlice(t, []float32{3, 8, 3}, chunks[1].Max[:], 1e-6)

	assert.Nil(t, BuildChunkTable(nil, nil, 2))
	assert.Nil(t, BuildChunkTable(positions, others, 0))
}

func TestChunkTableEncoding(t *testing.T) {
	chunks := []ChunkBounds{
		{Min: [3]float32{-1, -2, -3}, Max: [3]float32{1, 2, 3}},
		{Min: [3]float32{4, 5, 6}, Max: [3]float32{7, 8, 9}},
	}
	data := EncodeChunkTable(chunks)
	assert.Len(t, data, 64)
	decoded, err := DecodeChunkTable(data)
	require.NoError(t, err)
	assert.Equal(t, chunks, decoded)

	_, err = DecodeChunkTable(data[:40])
	assert.Error(t, err)
}

func TestClassifyChunks(t *testing.T) {
	f := lookDownZ()
	chunks := []ChunkBounds{
		{Min: [3]float32{-1, -1, -11}, Max: [3]float32{1, 1, -9}},
		{Min: [3]float32{-1, -1, 9}, Max: [3]float32{1, 1, 11}},
		{Min: [3]float32{5, -1, -11}, Max: [3]float32{15, 1, -9}},
		{Min: [3]float32{10.2, -1, -10.1}, Max: [3]float32{10.4, 1, -10}},
	}
	states := ClassifyChunks(f, 0, chunks)
	assert.Equal(t, []ChunkState{ChunkVisible, ChunkHidden, ChunkPartial, ChunkHidden}, states)

	// The last box sits just outside the right plane; tolerance pulls it in.
	states = ClassifyChunks(f, 0.5, chunks)
	assert.NotEqual(t, ChunkHidden, states[3])
}

func TestClassifySplatsWithoutChunks(t *testing.T) {
	f := lookDownZ()
	positions, others := pack([]splat{
		{pos: [3]float32{0, 0, -10}, scale: 0.1},
		{pos: [3]float32{0, 0, 10}, scale: 0.1},
		{pos: [3]float32{50, 0, -10}, scale: 0.1},
		// 0.354 outside the right plane: hidden with radius 0.3, visible with radius 0.6.
		{pos: [3]float32{10.5, 0, -10}, scale: 0.1},
		{pos: [3]float32{10.5, 0, -10}, scale: 0.2},
	})
	mask := ClassifySplats(f, nil, 0, positions, others)
	assert.Equal(t, []uint32{1, 0, 0, 0, 1}, mask)
}

func TestChunkedClassificationIsConservative(t *testing.T) {
	f := lookDownZ()
	positions, others := pack(randomSplats(2000, 7))
	exact := ClassifySplats(f, nil, 0, positions, others)

	for _, chunkSize := range []int{1, 16, 256} {
		chunks := BuildChunkTable(positions, others, chunkSize)
		for _, tol := range []float32{0, 0.5, 5} {
			states := ClassifyChunks(f, tol, chunks)
			mask := ClassifySplats(f, states, chunkSize, positions, others)
			for i := range exact {
				if exact[i] == 1 {
					require.Equal(t, uint32(1), mask[i], "splat %d lost with chunk size %d, tolerance %g", i, chunkSize, tol)
				}
			}
		}
	}
}

func TestClassifierRecordMatchesReference(t *testing.T) {
	dev := hostdevice.NewDevice()
	f := lookDownZ()
	const chunkSize = 64
	splats := randomSplats(1000, 11)
	positions, others := pack(splats)
	chunks := BuildChunkTable(positions, others, chunkSize)

	upload := func(label string, data []byte) device.Buffer {
		b, err := dev.CreateBuffer(device.BufferDescriptor{Label: label, Size: uint64(len(data)), Usage: device.BufferUsageStorage})
		require.NoError(t, err)
		require.NoError(t, dev.WriteBuffer(b, 0, data))
		return b
	}
	posBuf := upload("positions", common.SliceToBytes(positions))
	otherBuf := upload("others", common.SliceToBytes(others))
	chunkBuf := upload("chunks", EncodeChunkTable(chunks))

	c, err := NewClassifier(dev, uint32(len(splats)), uint32(len(chunks)), WithTolerance(0.5))
	require.NoError(t, err)
	defer c.Release()

	for _, withChunks := range []bool{true, false} {
		in := Inputs{
			Frustum:    f,
			SplatCount: uint32(len(splats)),
			ChunkSize:  chunkSize,
			Positions:  posBuf,
			Others:     otherBuf,
		}
		var want []uint32
		if withChunks {
			in.ChunkCount = uint32(len(chunks))
			in.Chunks = chunkBuf
			want = ClassifySplats(f, ClassifyChunks(f, 0.5, chunks), chunkSize, positions, others)
		} else {
			want = ClassifySplats(f, nil, 0, positions, others)
		}

		cs, err := dev.BeginFrame()
		require.NoError(t, err)
		require.NoError(t, c.Record(cs, in))
		require.NoError(t, cs.Submit())

		data, err := dev.Contents(c.Mask())
		require.NoError(t, err)
		assert.Equal(t, want, common.BytesAs[uint32](data)[:len(splats)], "with chunks: %v", withChunks)
	}
}

func TestClassifierCapacity(t *testing.T) {
	dev := hostdevice.NewDevice()
	c, err := NewClassifier(dev, 4, 0)
	require.NoError(t, err)
	defer c.Release()

	cs, err := dev.BeginFrame()
	require.NoError(t, err)
	err = c.Record(cs, Inputs{SplatCount: 8})
	assert.ErrorIs(t, err, device.ErrBufferTooSmall)

	require.NoError(t, c.Resize(8, 0))
	assert.Equal(t, uint64(32), c.Mask().Size())

	c.SetTolerance(-1)
	assert.Zero(t, c.Tolerance())
}

func TestNewClassifierAllocationFailure(t *testing.T) {
	dev := hostdevice.NewDevice(hostdevice.WithAllocationLimit(300))
	_, err := NewClassifier(dev, 1<<20, 0)
	assert.ErrorIs(t, err, device.ErrAllocation)
	assert.Zero(t, dev.LiveBuffers(), "partial allocations are released")
}
