package hostdevice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/engine/device"
)

// Chunk states written by the chunk culling kernel.
const (
	chunkHidden  uint32 = 0
	chunkVisible uint32 = 1
	chunkPartial uint32 = 2
)

const otherStride = 8

func defaultKernels() map[device.KernelId]HostKernel {
	return map[device.KernelId]HostKernel{
		device.KernelInitIndices:  initIndices,
		device.KernelComputeDepth: computeDepth,
		device.KernelCullChunks:   cullChunks,
		device.KernelCullSplats:   cullSplats,
		device.KernelCompactReset: compactReset,
		device.KernelCompactWrite: compactWrite,
		device.KernelCompactCopy:  compactCopy,
		device.KernelBitonicStep:  bitonicStep,
		device.KernelViewData:     viewData,
	}
}

func u32At(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

func f32At(b []byte, off int) float32 {
	return math.Float32frombits(u32At(b, off))
}

func mat4At(b []byte, off int) []float32 {
	m := make([]float32, 16)
	for i := range m {
		m[i] = f32At(b, off+i*4)
	}
	return m
}

func planesAt(b []byte, off int) common.Frustum {
	var f common.Frustum
	for i := range f.Planes {
		p := off + i*16
		f.Planes[i] = common.Plane{
			Normal:   [3]float32{f32At(b, p), f32At(b, p+4), f32At(b, p+8)},
			Distance: f32At(b, p+12),
		}
	}
	return f
}

func compactParams(b []byte) (count, capacity, vertexCount uint32) {
	return u32At(b, 0), u32At(b, 4), u32At(b, 8)
}

func limit(n uint32, bounds ...int) int {
	out := int(n)
	for _, b := range bounds {
		out = min(out, b)
	}
	return out
}

func initIndices(b [][]byte, n uint32) error {
	count, capacity, vertexCount := compactParams(b[0])
	values := common.BytesAs[uint32](b[1])
	args := common.BytesAs[uint32](b[2])
	if len(args) < 4 {
		return fmt.Errorf("args buffer holds %d words: %w", len(args), device.ErrBufferTooSmall)
	}
	if n > 0 {
		args[0], args[1], args[2], args[3] = vertexCount, count, 0, 0
	}
	for i := range limit(n, int(capacity), len(values)) {
		if uint32(i) < count {
			values[i] = uint32(i)
		} else {
			values[i] = device.SentinelIndex
		}
	}
	return nil
}

func computeDepth(b [][]byte, n uint32) error {
	view := mat4At(b[0], 0)
	capacity := u32At(b[0], 64)
	frontToBack := u32At(b[0], 68) != 0
	positions := common.BytesAs[float32](b[1])
	values := common.BytesAs[uint32](b[2])
	args := common.BytesAs[uint32](b[3])
	keys := common.BytesAs[uint32](b[4])

	visible := args[1]
	for i := range limit(n, int(capacity), len(values), len(keys)) {
		idx := values[i]
		if uint32(i) >= visible || idx == device.SentinelIndex {
			keys[i] = device.SentinelIndex
			continue
		}
		if int(idx)*3+2 >= len(positions) {
			return fmt.Errorf("index %d outside %d positions", idx, len(positions)/3)
		}
		p := [3]float32{positions[idx*3], positions[idx*3+1], positions[idx*3+2]}
		v := common.TransformPoint(view, p)
		keys[i] = device.DepthKey(-v[2], frontToBack)
	}
	return nil
}

func cullChunks(b [][]byte, n uint32) error {
	expanded := planesAt(b[0], 96)
	chunkCount := u32At(b[0], 196)
	chunks := common.BytesAs[float32](b[1])
	state := common.BytesAs[uint32](b[2])

	for c := range limit(n, int(chunkCount), len(chunks)/8, len(state)) {
		o := c * 8
		bmin := [3]float32{chunks[o], chunks[o+1], chunks[o+2]}
		bmax := [3]float32{chunks[o+4], chunks[o+5], chunks[o+6]}
		switch expanded.ClassifyAABB(bmin, bmax) {
		case common.ContainmentOutside:
			state[c] = chunkHidden
		case common.ContainmentInside:
			state[c] = chunkVisible
		default:
			state[c] = chunkPartial
		}
	}
	return nil
}

func cullSplats(b [][]byte, n uint32) error {
	exact := planesAt(b[0], 0)
	splatCount := u32At(b[0], 192)
	chunkCount := u32At(b[0], 196)
	chunkSize := u32At(b[0], 200)
	radiusScale := f32At(b[0], 204)
	positions := common.BytesAs[float32](b[1])
	other := common.BytesAs[float32](b[2])
	state := common.BytesAs[uint32](b[3])
	mask := common.BytesAs[uint32](b[4])

	if chunkCount > 0 && (chunkSize == 0 || int(chunkCount) > len(state)) {
		return fmt.Errorf("chunk state holds %d entries for %d chunks of size %d", len(state), chunkCount, chunkSize)
	}
	for i := range limit(n, int(splatCount), len(mask), len(positions)/3, len(other)/otherStride) {
		if chunkCount > 0 {
			c := min(uint32(i)/chunkSize, chunkCount-1)
			switch state[c] {
			case chunkHidden:
				mask[i] = 0
				continue
			case chunkVisible:
				mask[i] = 1
				continue
			}
		}
		center := [3]float32{positions[i*3], positions[i*3+1], positions[i*3+2]}
		o := i * otherStride
		s := max(abs(other[o+4]), abs(other[o+5]), abs(other[o+6]))
		if exact.IntersectsSphere(center, radiusScale*s) {
			mask[i] = 1
		} else {
			mask[i] = 0
		}
	}
	return nil
}

func abs(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}

func compactReset(b [][]byte, n uint32) error {
	_, _, vertexCount := compactParams(b[0])
	args := common.BytesAs[uint32](b[1])
	if len(args) < 4 {
		return fmt.Errorf("args buffer holds %d words: %w", len(args), device.ErrBufferTooSmall)
	}
	if n > 0 {
		args[0], args[1], args[2], args[3] = vertexCount, 0, 0, 0
	}
	return nil
}

func compactWrite(b [][]byte, n uint32) error {
	count, _, _ := compactParams(b[0])
	mask := common.BytesAs[uint32](b[1])
	args := common.BytesAs[uint32](b[2])
	compacted := common.BytesAs[uint32](b[3])

	for i := range limit(n, int(count), len(mask)) {
		if mask[i] == 0 {
			continue
		}
		slot := args[1]
		args[1]++
		if int(slot) >= len(compacted) {
			return fmt.Errorf("compacted slot %d: %w", slot, device.ErrBufferTooSmall)
		}
		compacted[slot] = uint32(i)
	}
	return nil
}

func compactCopy(b [][]byte, n uint32) error {
	_, capacity, _ := compactParams(b[0])
	args := common.BytesAs[uint32](b[1])
	compacted := common.BytesAs[uint32](b[2])
	values := common.BytesAs[uint32](b[3])

	visible := args[1]
	for i := range limit(n, int(capacity), len(values)) {
		if uint32(i) < visible && i < len(compacted) {
			values[i] = compacted[i]
		} else {
			values[i] = device.SentinelIndex
		}
	}
	return nil
}

func bitonicStep(b [][]byte, n uint32) error {
	k, j, capacity := u32At(b[0], 0), u32At(b[0], 4), u32At(b[0], 8)
	keys := common.BytesAs[uint32](b[1])
	values := common.BytesAs[uint32](b[2])
	if j == 0 {
		return errors.New("bitonic step with zero compare distance")
	}

	m := limit(n, int(capacity), len(keys), len(values))
	for i := range m {
		l := i ^ int(j)
		if l <= i || l >= m {
			continue
		}
		ascending := uint32(i)&k == 0
		if (ascending && keys[i] > keys[l]) || (!ascending && keys[i] < keys[l]) {
			keys[i], keys[l] = keys[l], keys[i]
			values[i], values[l] = values[l], values[i]
		}
	}
	return nil
}

func viewData(b [][]byte, n uint32) error {
	u := b[0]
	view := mat4At(u, 0)
	proj := mat4At(u, 64)
	splatCount := u32At(u, 144)
	smoothing := f32At(u, 148)
	blend := f32At(u, 152)
	positions := common.BytesAs[float32](b[1])
	other := common.BytesAs[float32](b[2])
	colors := common.BytesAs[float32](b[3])
	values := common.BytesAs[uint32](b[4])
	args := common.BytesAs[uint32](b[5])
	out := common.BytesAs[float32](b[6])

	viewProj := make([]float32, 16)
	common.Mul4(viewProj, proj, view)
	fade := 1 + (smoothing-1)*blend

	for i := range limit(n, int(args[1]), len(values)) {
		idx := values[i]
		if idx == device.SentinelIndex || idx >= splatCount {
			continue
		}
		o := int(idx) * device.ViewDataStride
		if o+device.ViewDataStride > len(out) || int(idx)*3+2 >= len(positions) ||
			int(idx)*otherStride+7 >= len(other) || int(idx)*4+3 >= len(colors) {
			return fmt.Errorf("splat %d outside bound buffers: %w", idx, device.ErrBufferTooSmall)
		}
		clip := common.TransformPoint(viewProj, [3]float32{positions[idx*3], positions[idx*3+1], positions[idx*3+2]})
		alpha := min(max(other[int(idx)*otherStride+7]*fade, 0), 1)
		c := colors[idx*4 : idx*4+4]
		copy(out[o:o+4], clip[:])
		out[o+4], out[o+5], out[o+6], out[o+7] = c[0]*alpha, c[1]*alpha, c[2]*alpha, alpha
	}
	return nil
}
