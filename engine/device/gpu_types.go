package device

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/Carmen-Shannon/oxy-splat/common"
)

// SentinelIndex marks an unused slot in index lists. It sorts after every real key and is
// skipped by the draw pass.
const SentinelIndex uint32 = 0xFFFFFFFF

// SortStepStride is the byte stride between GPUSortStep records in the step uniform
// buffer. It satisfies the common 256-byte dynamic uniform offset alignment.
const SortStepStride = 256

// MinBufferSize is the smallest buffer the pipeline creates; zero-length bindings are invalid.
const MinBufferSize = 16

// GPUFrustumPlane is the GPU-aligned representation of a single view-frustum plane.
// Size: 16 bytes (vec3 normal + f32 distance).
type GPUFrustumPlane struct {
	Normal   [3]float32 // offset 0
	Distance float32    // offset 12
}

// FrustumPlanes converts a frustum into its GPU plane array.
func FrustumPlanes(f common.Frustum) [6]GPUFrustumPlane {
	var out [6]GPUFrustumPlane
	for i, p := range f.Planes {
		out[i] = GPUFrustumPlane{Normal: p.Normal, Distance: p.Distance}
	}
	return out
}

func putPlanes(buf []byte, planes [6]GPUFrustumPlane) {
	for i, p := range planes {
		off := i * 16
		binary.LittleEndian.PutUint32(buf[off+0:off+4], math.Float32bits(p.Normal[0]))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], math.Float32bits(p.Normal[1]))
		binary.LittleEndian.PutUint32(buf[off+8:off+12], math.Float32bits(p.Normal[2]))
		binary.LittleEndian.PutUint32(buf[off+12:off+16], math.Float32bits(p.Distance))
	}
}

func putMat4(buf []byte, m [16]float32) {
	for i := range 16 {
		binary.LittleEndian.PutUint32(buf[i*4:(i+1)*4], math.Float32bits(m[i]))
	}
}

// GPUCullUniform is the per-frame uniform shared by the chunk and splat culling kernels.
// Size: 208 bytes.
type GPUCullUniform struct {
	Planes         [6]GPUFrustumPlane // offset 0: exact frustum
	ExpandedPlanes [6]GPUFrustumPlane // offset 96: frustum pushed outward by the tolerance
	SplatCount     uint32             // offset 192
	ChunkCount     uint32             // offset 196
	ChunkSize      uint32             // offset 200
	RadiusScale    float32            // offset 204: sigma multiplier for the splat bounding sphere
}

// Size returns the size of the GPUCullUniform struct in bytes.
func (g *GPUCullUniform) Size() int {
	return int(unsafe.Sizeof(*g))
}

// Marshal serializes the GPUCullUniform struct into a byte buffer suitable for GPU upload.
//
// Returns:
//   - []byte: 208-byte buffer ready for GPU upload.
func (g *GPUCullUniform) Marshal() []byte {
	buf := make([]byte, 208)
	putPlanes(buf[0:96], g.Planes)
	putPlanes(buf[96:192], g.ExpandedPlanes)
	binary.LittleEndian.PutUint32(buf[192:196], g.SplatCount)
	binary.LittleEndian.PutUint32(buf[196:200], g.ChunkCount)
	binary.LittleEndian.PutUint32(buf[200:204], g.ChunkSize)
	binary.LittleEndian.PutUint32(buf[204:208], math.Float32bits(g.RadiusScale))
	return buf
}

// GPUChunkBounds is one entry of the chunk table: an AABB padded to two vec4s.
// Size: 32 bytes.
type GPUChunkBounds struct {
	Min   [3]float32 // offset 0
	_pad0 float32    // offset 12
	Max   [3]float32 // offset 16
	_pad1 float32    // offset 28
}

// Size returns the size of the GPUChunkBounds struct in bytes.
func (g *GPUChunkBounds) Size() int {
	return int(unsafe.Sizeof(*g))
}

// Marshal serializes the GPUChunkBounds struct into a byte buffer suitable for GPU upload.
//
// Returns:
//   - []byte: 32-byte buffer ready for GPU upload.
func (g *GPUChunkBounds) Marshal() []byte {
	buf := make([]byte, 32)
	for i := range 3 {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(g.Min[i]))
		binary.LittleEndian.PutUint32(buf[16+i*4:16+i*4+4], math.Float32bits(g.Max[i]))
	}
	return buf
}

// GPUCompactParams is the uniform shared by index initialization and the compaction kernels.
// Size: 16 bytes.
type GPUCompactParams struct {
	Count       uint32 // offset 0: number of splats in the active level
	Capacity    uint32 // offset 4: length of the sorter value list
	VertexCount uint32 // offset 8: vertices per splat quad
	_pad        uint32 // offset 12
}

// Size returns the size of the GPUCompactParams struct in bytes.
func (g *GPUCompactParams) Size() int {
	return int(unsafe.Sizeof(*g))
}

// Marshal serializes the GPUCompactParams struct into a byte buffer suitable for GPU upload.
//
// Returns:
//   - []byte: 16-byte buffer ready for GPU upload.
func (g *GPUCompactParams) Marshal() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], g.Count)
	binary.LittleEndian.PutUint32(buf[4:8], g.Capacity)
	binary.LittleEndian.PutUint32(buf[8:12], g.VertexCount)
	return buf
}

// GPUDrawIndirectArgs is the non-indexed DrawIndirect argument record. InstanceCount doubles
// as the visible-splat counter written by the compaction kernels.
// Size: 16 bytes (4 × u32).
type GPUDrawIndirectArgs struct {
	VertexCount   uint32 // offset 0
	InstanceCount uint32 // offset 4
	FirstVertex   uint32 // offset 8
	FirstInstance uint32 // offset 12
}

// Size returns the size of the GPUDrawIndirectArgs struct in bytes.
func (g *GPUDrawIndirectArgs) Size() int {
	return int(unsafe.Sizeof(*g))
}

// Marshal serializes the GPUDrawIndirectArgs struct into a byte buffer suitable for GPU upload.
//
// Returns:
//   - []byte: 16-byte buffer ready for GPU upload.
func (g *GPUDrawIndirectArgs) Marshal() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], g.VertexCount)
	binary.LittleEndian.PutUint32(buf[4:8], g.InstanceCount)
	binary.LittleEndian.PutUint32(buf[8:12], g.FirstVertex)
	binary.LittleEndian.PutUint32(buf[12:16], g.FirstInstance)
	return buf
}

// UnmarshalDrawIndirectArgs decodes a 16-byte argument record.
func UnmarshalDrawIndirectArgs(buf []byte) GPUDrawIndirectArgs {
	return GPUDrawIndirectArgs{
		VertexCount:   binary.LittleEndian.Uint32(buf[0:4]),
		InstanceCount: binary.LittleEndian.Uint32(buf[4:8]),
		FirstVertex:   binary.LittleEndian.Uint32(buf[8:12]),
		FirstInstance: binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// GPUDepthUniform is the uniform of the depth key kernel.
// Size: 80 bytes.
type GPUDepthUniform struct {
	View        [16]float32 // offset 0: world to view, column-major
	Capacity    uint32      // offset 64: length of the key/value lists
	FrontToBack uint32      // offset 68: 1 sorts nearest first, 0 farthest first
	_pad0       uint32      // offset 72
	_pad1       uint32      // offset 76
}

// Size returns the size of the GPUDepthUniform struct in bytes.
func (g *GPUDepthUniform) Size() int {
	return int(unsafe.Sizeof(*g))
}

// Marshal serializes the GPUDepthUniform struct into a byte buffer suitable for GPU upload.
//
// Returns:
//   - []byte: 80-byte buffer ready for GPU upload.
func (g *GPUDepthUniform) Marshal() []byte {
	buf := make([]byte, 80)
	putMat4(buf[0:64], g.View)
	binary.LittleEndian.PutUint32(buf[64:68], g.Capacity)
	binary.LittleEndian.PutUint32(buf[68:72], g.FrontToBack)
	return buf
}

// GPUSortStep is one stage of the bitonic network. Records are laid out SortStepStride
// bytes apart and selected with a dynamic offset.
// Size: 16 bytes.
type GPUSortStep struct {
	K        uint32 // offset 0: size of the bitonic sequences being merged
	J        uint32 // offset 4: compare distance
	Capacity uint32 // offset 8
	_pad     uint32 // offset 12
}

// Size returns the size of the GPUSortStep struct in bytes.
func (g *GPUSortStep) Size() int {
	return int(unsafe.Sizeof(*g))
}

// Marshal serializes the GPUSortStep struct into a byte buffer suitable for GPU upload.
//
// Returns:
//   - []byte: 16-byte buffer ready for GPU upload.
func (g *GPUSortStep) Marshal() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], g.K)
	binary.LittleEndian.PutUint32(buf[4:8], g.J)
	binary.LittleEndian.PutUint32(buf[8:12], g.Capacity)
	return buf
}

// GPUViewUniform carries camera state and the level blending parameters into the view-data pass.
// Size: 176 bytes.
type GPUViewUniform struct {
	View            [16]float32 // offset 0
	Projection      [16]float32 // offset 64
	CameraPosition  [3]float32  // offset 128
	_pad0           float32     // offset 140
	SplatCount      uint32      // offset 144
	SmoothingFactor float32     // offset 148
	BlendFactor     float32     // offset 152
	Level           uint32      // offset 156
	ViewportWidth   float32     // offset 160
	ViewportHeight  float32     // offset 164
	_pad1           float32     // offset 168
	_pad2           float32     // offset 172
}

// Size returns the size of the GPUViewUniform struct in bytes.
func (g *GPUViewUniform) Size() int {
	return int(unsafe.Sizeof(*g))
}

// Marshal serializes the GPUViewUniform struct into a byte buffer suitable for GPU upload.
//
// Returns:
//   - []byte: 176-byte buffer ready for GPU upload.
func (g *GPUViewUniform) Marshal() []byte {
	buf := make([]byte, 176)
	putMat4(buf[0:64], g.View)
	putMat4(buf[64:128], g.Projection)
	for i := range 3 {
		binary.LittleEndian.PutUint32(buf[128+i*4:132+i*4], math.Float32bits(g.CameraPosition[i]))
	}
	binary.LittleEndian.PutUint32(buf[144:148], g.SplatCount)
	binary.LittleEndian.PutUint32(buf[148:152], math.Float32bits(g.SmoothingFactor))
	binary.LittleEndian.PutUint32(buf[152:156], math.Float32bits(g.BlendFactor))
	binary.LittleEndian.PutUint32(buf[156:160], g.Level)
	binary.LittleEndian.PutUint32(buf[160:164], math.Float32bits(g.ViewportWidth))
	binary.LittleEndian.PutUint32(buf[164:168], math.Float32bits(g.ViewportHeight))
	return buf
}

// ViewDataStride is the number of f32 values written per splat by the view-data pass:
// clip-space center (4) and premultiplied color (4).
const ViewDataStride = 8

// DepthKey maps a view-space distance to the u32 sort key written by the depth kernel.
// Ascending key order is draw order: farthest first by default, nearest first when
// frontToBack is set. Real keys never equal SentinelIndex, so padding always sorts last.
//
// Parameters:
//   - distance: distance in front of the camera (negated view-space z)
//   - frontToBack: true to draw nearest splats first
//
// Returns:
//   - uint32: the sort key
func DepthKey(distance float32, frontToBack bool) uint32 {
	bits := math.Float32bits(distance)
	var key uint32
	if bits&0x80000000 != 0 {
		key = ^bits
	} else {
		key = bits | 0x80000000
	}
	if !frontToBack {
		key = ^key
	}
	return min(key, SentinelIndex-1)
}
