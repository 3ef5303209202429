package lod

import (
	"encoding/binary"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/Carmen-Shannon/oxy-splat/engine/device/hostdevice"
	"github.com/chewxy/math32"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f32bytes(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// makeLevel builds n random splats with coeffs coefficients each.
func makeLevel(t *testing.T, n, coeffs int, compress bool, seed uint64) *LevelData {
	t.Helper()
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	var positions, others, colors, sh []float32
	for range n {
		positions = append(positions, r.Float32()*20-10, r.Float32()*20-10, r.Float32()*20-10)
		s := r.Float32() * 0.2
		others = append(others, 0, 0, 0, 1, s, s, s, r.Float32())
		colors = append(colors, r.Float32(), r.Float32(), r.Float32(), 1)
		for range coeffs {
			sh = append(sh, r.Float32()-0.5)
		}
	}

	ld := &LevelData{PrimitiveCount: uint32(n), Blobs: make(map[Attribute]Blob)}
	for attr, raw := range map[Attribute][]float32{
		AttributePositions:    positions,
		AttributeOther:        others,
		AttributeColor:        colors,
		AttributeCoefficients: sh,
	} {
		blob, err := EncodeBlob(FormatFloat32, f32bytes(raw), compress)
		require.NoError(t, err)
		ld.Blobs[attr] = blob
	}
	return ld
}

type managerFixture struct {
	dev    hostdevice.Device
	source *MemorySource
	table  Table
}

func newManagerFixture(t *testing.T, levels int, options ...hostdevice.HostDeviceBuilderOption) *managerFixture {
	t.Helper()
	thresholds := make([]float32, levels)
	for i := range thresholds {
		thresholds[i] = float32(10 * (i + 1))
	}
	thresholds[levels-1] = math32.Inf(1)

	f := &managerFixture{
		dev:    hostdevice.NewDevice(options...),
		source: NewMemorySource(),
		table:  testTable(t, thresholds...),
	}
	for l := range levels {
		f.source.Put("garden", l, makeLevel(t, 512>>l, 3, l%2 == 1, uint64(l+1)))
	}
	return f
}

func (f *managerFixture) manager(t *testing.T, options ...ManagerBuilderOption) Manager {
	t.Helper()
	m, err := NewManager(f.dev, f.source, "garden", f.table, options...)
	require.NoError(t, err)
	t.Cleanup(m.Release)
	return m
}

// levelSize loads a level into a throwaway manager and reports its footprint.
func (f *managerFixture) levelSize(t *testing.T, level int) uint64 {
	t.Helper()
	m, err := NewManager(hostdevice.NewDevice(), f.source, "garden", f.table)
	require.NoError(t, err)
	defer m.Release()
	require.NoError(t, m.Load(level))
	return m.Usage()
}

func residentSum(m Manager) uint64 {
	var total uint64
	for _, l := range m.Resident() {
		set, _ := m.BufferSet(l)
		total += set.MemorySize
	}
	return total
}

func TestLoadPopulatesBuffers(t *testing.T) {
	f := newManagerFixture(t, 2)
	m := f.manager(t, WithChunkSize(100))

	require.NoError(t, m.Load(1))
	assert.Equal(t, LevelLoaded, m.State(1))
	assert.Equal(t, LevelUnloaded, m.State(0))

	set, ok := m.BufferSet(1)
	require.True(t, ok)
	assert.Equal(t, uint32(256), set.PrimitiveCount)
	assert.Equal(t, uint32(3), set.ChunkCount, "ceil(256 / 100)")
	assert.Equal(t, uint32(3), set.CoefficientsPerPrimitive)
	assert.Equal(t, m.Usage(), set.MemorySize)
	assert.Equal(t, f.dev.Allocated(), m.Usage())
	assert.False(t, set.Current)

	ld, err := f.source.Fetch("garden", 1)
	require.NoError(t, err)
	got, err := f.dev.Contents(set.Positions)
	require.NoError(t, err)
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	want, err := decodeBlob(dec, ld.Blobs[AttributePositions])
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadIsIdempotent(t *testing.T) {
	f := newManagerFixture(t, 2)
	m := f.manager(t)

	require.NoError(t, m.Load(0))
	usage := m.Usage()
	live := f.dev.LiveBuffers()
	require.NoError(t, m.Load(0))
	assert.Equal(t, usage, m.Usage())
	assert.Equal(t, live, f.dev.LiveBuffers())
}

func TestUnloadLoadRoundTrip(t *testing.T) {
	f := newManagerFixture(t, 3)
	m := f.manager(t)
	_, err := m.SwitchTo(0)
	require.NoError(t, err)

	before := m.Usage()
	require.NoError(t, m.Load(2))
	require.NoError(t, m.Unload(2))
	assert.Equal(t, before, m.Usage())
	assert.Equal(t, LevelUnloaded, m.State(2))
	assert.Equal(t, before, f.dev.Allocated(), "buffers are released")
}

func TestUnloadCurrentIsNoOp(t *testing.T) {
	f := newManagerFixture(t, 2)
	m := f.manager(t)
	_, err := m.SwitchTo(1)
	require.NoError(t, err)

	require.NoError(t, m.Unload(1))
	assert.Equal(t, LevelLoaded, m.State(1))
	require.NoError(t, m.Unload(0), "unloading a non-resident level is a no-op")
	assert.ErrorIs(t, m.Unload(7), ErrInvalidArgument)
}

func TestInvalidLevel(t *testing.T) {
	f := newManagerFixture(t, 2)
	m := f.manager(t)

	assert.ErrorIs(t, m.Load(-1), ErrInvalidArgument)
	_, err := m.SwitchTo(2)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Zero(t, m.Usage())
	assert.Equal(t, -1, m.Current())
}

// Level 0 is current and no other level is resident, so loading level 1 overruns the budget.
func TestBudgetOverrunWithNothingToEvict(t *testing.T) {
	f := newManagerFixture(t, 2)
	size0, size1 := f.levelSize(t, 0), f.levelSize(t, 1)
	m := f.manager(t, WithMemoryBudget(size0+size1-1))

	_, err := m.SwitchTo(0)
	require.NoError(t, err)
	require.NoError(t, m.Load(1))

	assert.Equal(t, size0+size1, m.Usage())
	assert.Equal(t, 1, m.Overruns())
	assert.Equal(t, []int{0, 1}, m.Resident())
}

func TestBudgetEvictsFarthestFirst(t *testing.T) {
	f := newManagerFixture(t, 4)
	sizes := make([]uint64, 4)
	for l := range sizes {
		sizes[l] = f.levelSize(t, l)
	}
	// Room for levels 0, 1 and 2 but not for level 3 as well.
	budget := sizes[0] + sizes[1] + sizes[2]
	m := f.manager(t, WithMemoryBudget(budget))

	_, err := m.SwitchTo(0)
	require.NoError(t, err)
	require.NoError(t, m.Load(1))
	require.NoError(t, m.Load(2))
	require.NoError(t, m.Load(3))

	assert.Equal(t, LevelUnloaded, m.State(2), "the level farthest from current goes first")
	assert.Equal(t, LevelLoaded, m.State(1))
	assert.Equal(t, LevelLoaded, m.State(3), "the level just loaded is never evicted")
	assert.LessOrEqual(t, m.Usage(), budget)
	assert.Zero(t, m.Overruns())
}

func TestAllocationFailureKeepsEvictableLevels(t *testing.T) {
	sizes := newManagerFixture(t, 3)
	size1, size2 := sizes.levelSize(t, 1), sizes.levelSize(t, 2)

	f := newManagerFixture(t, 3, hostdevice.WithAllocationLimit(size1+size2+64))
	m := f.manager(t, WithMemoryBudget(size1+size2))
	_, err := m.SwitchTo(1)
	require.NoError(t, err)
	require.NoError(t, m.Load(2))

	assert.ErrorIs(t, m.Load(0), ErrAllocationFailure)
	assert.Equal(t, []int{1, 2}, m.Resident(), "a failed load evicts nothing")
	assert.Equal(t, size1+size2, m.Usage())
	assert.Equal(t, m.Usage(), f.dev.Allocated())
	assert.Zero(t, m.Overruns())
}

func TestCurrentIsNeverEvicted(t *testing.T) {
	f := newManagerFixture(t, 4)
	m := f.manager(t, WithMemoryBudget(1))

	prev := -1
	for _, l := range []int{2, 0, 3, 1, 0, 2} {
		_, err := m.SwitchTo(l)
		require.NoError(t, err)
		assert.Equal(t, l, m.Current())
		set, _ := m.BufferSet(l)
		assert.True(t, set.Current)
		resident := m.Resident()
		assert.Contains(t, resident, l)
		if prev >= 0 && prev != l {
			assert.Contains(t, resident, prev, "the level current during eviction survives it")
		}
		assert.LessOrEqual(t, len(resident), 2)
		prev = l
	}
	assert.Equal(t, 6, m.Overruns())
}

func TestBudgetMonotonicity(t *testing.T) {
	f := newManagerFixture(t, 4)
	budget := f.levelSize(t, 0) + f.levelSize(t, 2)
	m := f.manager(t, WithMemoryBudget(budget))
	r := rand.New(rand.NewPCG(7, 11))

	for step := range 200 {
		l := r.IntN(4)
		switch r.IntN(3) {
		case 0:
			require.NoError(t, m.Load(l))
		case 1:
			require.NoError(t, m.Unload(l))
		case 2:
			_, err := m.SwitchTo(l)
			require.NoError(t, err)
		}
		require.Equal(t, residentSum(m), m.Usage(), "step %d", step)
		require.Equal(t, f.dev.Allocated(), m.Usage(), "step %d", step)
		if m.Usage() > budget {
			require.Positive(t, m.Overruns(), "step %d", step)
			require.LessOrEqual(t, len(m.Resident()), 2, "an overrun keeps only current and the level that overran")
		}
	}
}

func TestMissingDataLeavesStateUntouched(t *testing.T) {
	f := newManagerFixture(t, 3)
	ld, err := f.source.Fetch("garden", 2)
	require.NoError(t, err)
	delete(ld.Blobs, AttributeColor)

	m := f.manager(t)
	set, err := m.SwitchTo(0)
	require.NoError(t, err)
	usage := m.Usage()

	_, err = m.SwitchTo(2)
	assert.ErrorIs(t, err, ErrMissingData)
	assert.Equal(t, 0, m.Current())
	assert.True(t, set.Current)
	assert.Equal(t, usage, m.Usage())
	assert.Equal(t, LevelUnloaded, m.State(2))

	f.source.Delete("garden", 1)
	assert.ErrorIs(t, m.Load(1), ErrMissingData)
}

func TestCorruptBlobIsMissingData(t *testing.T) {
	f := newManagerFixture(t, 2)
	ld, err := f.source.Fetch("garden", 1)
	require.NoError(t, err)
	blob := ld.Blobs[AttributeOther]
	blob.Data = append([]byte(nil), blob.Data...)
	blob.Data[0] ^= 0xff
	ld.Blobs[AttributeOther] = blob

	m := f.manager(t)
	assert.ErrorIs(t, m.Load(1), ErrMissingData)
	assert.Zero(t, m.Usage())
}

func TestShortBlobIsMissingData(t *testing.T) {
	f := newManagerFixture(t, 2)
	ld, err := f.source.Fetch("garden", 0)
	require.NoError(t, err)
	raw := make([]byte, 12*int(ld.PrimitiveCount)-12)
	ld.Blobs[AttributePositions], err = EncodeBlob(FormatFloat32x3, raw, false)
	require.NoError(t, err)

	m := f.manager(t)
	assert.ErrorIs(t, m.Load(0), ErrMissingData)
}

func TestAllocationFailureReleasesPartialBuffers(t *testing.T) {
	sizes := newManagerFixture(t, 2)
	size0 := sizes.levelSize(t, 0)

	f := newManagerFixture(t, 2, hostdevice.WithAllocationLimit(size0+64))
	m := f.manager(t)
	_, err := m.SwitchTo(1)
	require.NoError(t, err)
	usage := m.Usage()

	_, err = m.SwitchTo(0)
	assert.ErrorIs(t, err, ErrAllocationFailure)
	assert.Equal(t, 1, m.Current(), "rendering continues with the last good level")
	assert.Equal(t, usage, m.Usage())
	assert.Equal(t, usage, f.dev.Allocated())
	assert.Equal(t, 5, f.dev.LiveBuffers())
}

func TestPreloadAdjacent(t *testing.T) {
	f := newManagerFixture(t, 4)
	f.source.Delete("garden", 3)
	m := f.manager(t)
	_, err := m.SwitchTo(2)
	require.NoError(t, err)

	m.PreloadAdjacent(2)
	assert.Equal(t, []int{1, 2}, m.Resident(), "the failed preload of level 3 is ignored")

	m.PreloadAdjacent(1)
	assert.Equal(t, []int{0, 1, 2}, m.Resident())
}

func TestPreloadSkipsLevelsThatCannotFit(t *testing.T) {
	f := newManagerFixture(t, 3)
	size1, size2 := f.levelSize(t, 1), f.levelSize(t, 2)
	m := f.manager(t, WithMemoryBudget(size1+size2))
	_, err := m.SwitchTo(1)
	require.NoError(t, err)

	m.PreloadAdjacent(1)
	assert.Equal(t, []int{1, 2}, m.Resident(), "level 0 is larger than the room left")
	assert.Zero(t, m.Overruns())

	require.NoError(t, m.Load(0), "an explicit load still overruns")
	assert.Equal(t, 1, m.Overruns())
}

func TestProvidedChunkTable(t *testing.T) {
	f := newManagerFixture(t, 2)
	ld, err := f.source.Fetch("garden", 0)
	require.NoError(t, err)
	table := make([]byte, 32*4)
	blob, err := EncodeBlob(FormatChunk, table, true)
	require.NoError(t, err)
	ld.Blobs[AttributeChunks] = blob

	m := f.manager(t, WithChunkSize(128))
	require.NoError(t, m.Load(0))
	set, _ := m.BufferSet(0)
	assert.Equal(t, uint32(4), set.ChunkCount)
	got, err := f.dev.Contents(set.Chunks)
	require.NoError(t, err)
	assert.Equal(t, table, got, "a matching table is uploaded as is")

	m2 := f.manager(t, WithChunkSize(64))
	require.NoError(t, m2.Load(0))
	set, _ = m2.BufferSet(0)
	assert.Equal(t, uint32(8), set.ChunkCount, "a table built for another chunk size is rebuilt")
}

func TestRelease(t *testing.T) {
	f := newManagerFixture(t, 2)
	m, err := NewManager(f.dev, f.source, "garden", f.table)
	require.NoError(t, err)
	_, err = m.SwitchTo(0)
	require.NoError(t, err)
	require.NoError(t, m.Load(1))

	m.Release()
	assert.Zero(t, f.dev.LiveBuffers())
	assert.Zero(t, m.Usage())
	assert.Equal(t, -1, m.Current())
}
