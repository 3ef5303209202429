package sorter

import (
	"math/rand/v2"
	"testing"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/engine/device"
	"github.com/Carmen-Shannon/oxy-splat/engine/device/hostdevice"
	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepthKeyOrder(t *testing.T) {
	distances := []float32{-5, -0.5, 0, 0.25, 1, 10, 1e6, math32.Inf(1)}
	for i := 1; i < len(distances); i++ {
		near, far := distances[i-1], distances[i]
		assert.Less(t, DepthKey(near, true), DepthKey(far, true), "front to back: %g before %g", near, far)
		assert.Greater(t, DepthKey(near, false), DepthKey(far, false), "back to front: %g before %g", far, near)
	}
	for _, d := range distances {
		assert.Less(t, DepthKey(d, true), SentinelKey)
		assert.Less(t, DepthKey(d, false), SentinelKey)
	}
}

func TestSteps(t *testing.T) {
	assert.Empty(t, Steps(1))
	assert.Len(t, Steps(8), 6)
	assert.Len(t, Steps(5), 6)
	s := Steps(4)
	assert.Equal(t, []device.GPUSortStep{
		{K: 2, J: 1, Capacity: 4},
		{K: 4, J: 2, Capacity: 4},
		{K: 4, J: 1, Capacity: 4},
	}, s)
}

type sortFixture struct {
	dev       hostdevice.Device
	positions device.Buffer
	args      device.Buffer
	view      [16]float32
	points    [][3]float32
}

func newSortFixture(t *testing.T, n int) *sortFixture {
	t.Helper()
	r := rand.New(rand.NewPCG(1, 2))
	f := &sortFixture{dev: hostdevice.NewDevice()}
	flat := make([]float32, 0, n*3)
	for range n {
		p := [3]float32{r.Float32()*20 - 10, r.Float32()*20 - 10, -r.Float32() * 50}
		f.points = append(f.points, p)
		flat = append(flat, p[:]...)
	}
	var err error
	f.positions, err = f.dev.CreateBuffer(device.BufferDescriptor{Label: "positions", Size: uint64(len(flat) * 4)})
	require.NoError(t, err)
	require.NoError(t, f.dev.WriteBuffer(f.positions, 0, common.SliceToBytes(flat)))
	f.args, err = f.dev.CreateBuffer(device.BufferDescriptor{Label: "args", Size: 16})
	require.NoError(t, err)
	common.LookAt(f.view[:], 0, 0, 0, 0, 0, -1, 0, 1, 0)
	return f
}

func (f *sortFixture) setVisible(t *testing.T, pass DepthPass, indices []uint32) {
	t.Helper()
	values := make([]uint32, pass.Capacity())
	for i := range values {
		if i < len(indices) {
			values[i] = indices[i]
		} else {
			values[i] = device.SentinelIndex
		}
	}
	require.NoError(t, f.dev.WriteBuffer(pass.Values(), 0, common.SliceToBytes(values)))
	args := device.GPUDrawIndirectArgs{VertexCount: 4, InstanceCount: uint32(len(indices))}
	require.NoError(t, f.dev.WriteBuffer(f.args, 0, args.Marshal()))
}

func (f *sortFixture) run(t *testing.T, pass DepthPass, sorter DepthSorter, n uint32) []uint32 {
	t.Helper()
	cs, err := f.dev.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, pass.Record(cs, DepthInputs{View: f.view, Positions: f.positions, Args: f.args}))
	require.NoError(t, sorter.Record(cs, pass.Keys(), pass.Values(), n))
	require.NoError(t, cs.Submit())
	data, err := f.dev.Contents(pass.Values())
	require.NoError(t, err)
	return append([]uint32(nil), common.BytesAs[uint32](data)...)
}

func TestSortBackToFront(t *testing.T) {
	const n = 300
	f := newSortFixture(t, n)
	pass, err := NewDepthPass(f.dev, n)
	require.NoError(t, err)
	defer pass.Release()
	sorter, err := NewBitonicSorter(f.dev, n)
	require.NoError(t, err)
	defer sorter.Release()
	assert.Equal(t, uint32(512), pass.Capacity())
	assert.Equal(t, uint32(512), sorter.Capacity())

	visible := make([]uint32, 0, n)
	for i := range uint32(n) {
		if i%3 != 0 {
			visible = append(visible, i)
		}
	}
	f.setVisible(t, pass, visible)
	order := f.run(t, pass, sorter, n)

	assert.ElementsMatch(t, visible, order[:len(visible)])
	for i := 1; i < len(visible); i++ {
		prev, cur := f.points[order[i-1]], f.points[order[i]]
		assert.LessOrEqual(t, prev[2], cur[2], "farther splats (more negative z) draw first")
	}
	for _, v := range order[len(visible):] {
		assert.Equal(t, device.SentinelIndex, v)
	}
}

func TestSortFrontToBack(t *testing.T) {
	const n = 64
	f := newSortFixture(t, n)
	pass, err := NewDepthPass(f.dev, n, WithFrontToBack(true))
	require.NoError(t, err)
	defer pass.Release()
	sorter, err := NewBitonicSorter(f.dev, n)
	require.NoError(t, err)
	defer sorter.Release()

	all := make([]uint32, n)
	for i := range all {
		all[i] = uint32(i)
	}
	f.setVisible(t, pass, all)
	order := f.run(t, pass, sorter, n)
	for i := 1; i < n; i++ {
		assert.GreaterOrEqual(t, f.points[order[i-1]][2], f.points[order[i]][2])
	}
	assert.True(t, pass.FrontToBack())
}

func TestSorterResize(t *testing.T) {
	dev := hostdevice.NewDevice()
	sorter, err := NewBitonicSorter(dev, 100)
	require.NoError(t, err)
	defer sorter.Release()

	keys, err := dev.CreateBuffer(device.BufferDescriptor{Label: "keys", Size: 1024 * 4})
	require.NoError(t, err)
	values, err := dev.CreateBuffer(device.BufferDescriptor{Label: "values", Size: 1024 * 4})
	require.NoError(t, err)

	cs, err := dev.BeginFrame()
	require.NoError(t, err)
	assert.ErrorIs(t, sorter.Record(cs, keys, values, 1000), device.ErrBufferTooSmall)

	require.NoError(t, sorter.Resize(1000))
	assert.Equal(t, uint32(1024), sorter.Capacity())
	require.NoError(t, sorter.Record(cs, keys, values, 1000))
	require.NoError(t, sorter.Record(cs, keys, values, 1))
	require.NoError(t, cs.Submit())
	assert.Len(t, dev.Dispatches(), len(Steps(1024)))
}

func TestSorterRejectsShortBuffers(t *testing.T) {
	dev := hostdevice.NewDevice()
	sorter, err := NewBitonicSorter(dev, 64)
	require.NoError(t, err)
	defer sorter.Release()
	short, err := dev.CreateBuffer(device.BufferDescriptor{Label: "short", Size: 16})
	require.NoError(t, err)

	cs, err := dev.BeginFrame()
	require.NoError(t, err)
	assert.ErrorIs(t, sorter.Record(cs, short, short, 64), device.ErrBufferTooSmall)
}
