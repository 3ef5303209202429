package source

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/Carmen-Shannon/oxy-splat/engine/device/hostdevice"
	"github.com/Carmen-Shannon/oxy-splat/engine/lod"
	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomSplats(n, coeffs int, seed uint64) *Splats {
	r := rand.New(rand.NewPCG(seed, seed+1))
	s := &Splats{CoefficientsPerSplat: coeffs}
	for range n {
		s.Positions = append(s.Positions, [3]float32{r.Float32() * 10, r.Float32() * 10, r.Float32() * 10})
		s.Rotations = append(s.Rotations, [4]float32{0, 0, 0, 1})
		sc := r.Float32() * 0.1
		s.Scales = append(s.Scales, [3]float32{sc, sc, sc})
		s.Opacities = append(s.Opacities, r.Float32())
		s.Colors = append(s.Colors, [4]float32{r.Float32(), r.Float32(), r.Float32(), 1})
		for range coeffs {
			s.Coefficients = append(s.Coefficients, r.Float32()-0.5)
		}
	}
	return s
}

func TestSplatsValidate(t *testing.T) {
	s := randomSplats(4, 4, 1)
	require.NoError(t, s.Validate())

	s.Opacities = s.Opacities[:3]
	assert.ErrorIs(t, s.Validate(), lod.ErrMissingData)

	assert.ErrorIs(t, (&Splats{}).Validate(), lod.ErrMissingData)

	s = randomSplats(4, 4, 1)
	s.Coefficients = s.Coefficients[:15]
	assert.ErrorIs(t, s.Validate(), lod.ErrMissingData)
}

func TestDirSourceRoundTrip(t *testing.T) {
	root := t.TempDir()
	for level, compress := range []bool{false, true} {
		ld, err := randomSplats(300>>level, 8, uint64(level)).LevelData(compress)
		require.NoError(t, err)
		require.NoError(t, WriteDirLevel(root, "garden", level, ld))

		got, err := NewDirSource(root).Fetch("garden", level)
		require.NoError(t, err)
		assert.Equal(t, ld.PrimitiveCount, got.PrimitiveCount)
		for a, want := range ld.Blobs {
			assert.Equal(t, want, got.Blobs[a], "%s blob of level %d", a, level)
		}
	}
	assert.FileExists(t, filepath.Join(LevelDir(root, "garden", 1), "positions.bin.zst"))
	assert.FileExists(t, filepath.Join(LevelDir(root, "garden", 0), "positions.bin"))
}

func TestDirSourceMissingData(t *testing.T) {
	root := t.TempDir()
	src := NewDirSource(root)

	_, err := src.Fetch("garden", 0)
	assert.ErrorIs(t, err, lod.ErrMissingData, "no manifest")

	ld, err := randomSplats(10, 0, 3).LevelData(true)
	require.NoError(t, err)
	require.NoError(t, WriteDirLevel(root, "garden", 0, ld))
	require.NoError(t, os.Remove(filepath.Join(LevelDir(root, "garden", 0), "color.bin.zst")))
	_, err = src.Fetch("garden", 0)
	assert.ErrorIs(t, err, lod.ErrMissingData, "manifest names an absent file")

	delete(ld.Blobs, lod.AttributeOther)
	require.NoError(t, WriteDirLevel(root, "garden", 1, ld))
	_, err = src.Fetch("garden", 1)
	assert.ErrorIs(t, err, lod.ErrMissingData, "required blob absent from the manifest")
}

func TestTableRoundTrip(t *testing.T) {
	root := t.TempDir()
	table, err := lod.NewTable(
		lod.Level{Threshold: 10, SmoothingFactor: 1, PrimitiveCount: 300},
		lod.Level{Threshold: 40, SmoothingFactor: 0.5, PrimitiveCount: 150},
		lod.Level{Threshold: math32.Inf(1), SmoothingFactor: 0.25, PrimitiveCount: 75},
	)
	require.NoError(t, err)
	require.NoError(t, WriteTable(root, "garden", table))

	got, err := LoadTable(root, "garden")
	require.NoError(t, err)
	assert.Equal(t, table.Levels(), got.Levels())

	_, err = LoadTable(root, "absent")
	assert.ErrorIs(t, err, lod.ErrMissingData)
}

func TestGLTFSourceRoundTrip(t *testing.T) {
	root := t.TempDir()
	want := randomSplats(64, 8, 9)
	require.NoError(t, WriteGLTFLevel(root, "garden", 0, want))

	got, err := NewGLTFSource(root).Fetch("garden", 0)
	require.NoError(t, err)
	expected, err := want.LevelData(false)
	require.NoError(t, err)
	assert.Equal(t, expected.PrimitiveCount, got.PrimitiveCount)
	for a, blob := range expected.Blobs {
		assert.Equal(t, blob.Data, got.Blobs[a].Data, "%s blob", a)
	}

	_, err = NewGLTFSource(root).Fetch("garden", 1)
	assert.ErrorIs(t, err, lod.ErrMissingData)
}

func TestGLTFRejectsBadCoefficientGroups(t *testing.T) {
	s := randomSplats(4, 3, 2)
	assert.ErrorIs(t, WriteGLTFLevel(t.TempDir(), "garden", 0, s), lod.ErrInvalidArgument)
}

func TestManagerLoadsFromDirSource(t *testing.T) {
	root := t.TempDir()
	table, err := lod.NewTable(lod.Level{Threshold: 20}, lod.Level{Threshold: math32.Inf(1)})
	require.NoError(t, err)
	for level := range table.Len() {
		ld, err := randomSplats(200>>level, 4, uint64(level)).LevelData(level == 0)
		require.NoError(t, err)
		require.NoError(t, WriteDirLevel(root, "garden", level, ld))
	}

	dev := hostdevice.NewDevice()
	m, err := lod.NewManager(dev, NewDirSource(root), "garden", table, lod.WithChunkSize(64))
	require.NoError(t, err)
	defer m.Release()

	set, err := m.SwitchTo(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(200), set.PrimitiveCount)
	assert.Equal(t, uint32(4), set.ChunkCount)
	m.PreloadAdjacent(0)
	assert.Equal(t, []int{0, 1}, m.Resident())
}
