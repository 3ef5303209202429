// Package sorter orders splat indices by view depth on the device.
package sorter

import (
	"github.com/Carmen-Shannon/oxy-splat/engine/device"
)

// SentinelKey is the key of padding slots. No real depth maps to it, so padding sorts last.
const SentinelKey = device.SentinelIndex

// DepthKey maps a distance in front of the camera to a sort key. Ascending key order is
// draw order: farthest first unless frontToBack is set.
//
// Parameters:
//   - distance: distance along the view direction
//   - frontToBack: true to draw nearest splats first
//
// Returns:
//   - uint32: the key, always below SentinelKey
func DepthKey(distance float32, frontToBack bool) uint32 {
	return device.DepthKey(distance, frontToBack)
}

// DepthSorter sorts (key, value) pairs held in device buffers by ascending key.
// Working resources are owned by the sorter and must be resized by the caller when the
// number of elements outgrows them.
type DepthSorter interface {
	// Capacity returns the largest element count Record accepts.
	Capacity() uint32

	// Resize reallocates working resources for n elements.
	//
	// Parameters:
	//   - n: the element count to support
	//
	// Returns:
	//   - error: wraps device.ErrAllocation when resources cannot be created
	Resize(n uint32) error

	// Record records the sort of the first n pairs. Buffers must hold n rounded up to a
	// power of two elements; the padding must carry SentinelKey.
	//
	// Parameters:
	//   - cs: the frame's command stream
	//   - keys: the u32 key list
	//   - values: the u32 value list, permuted alongside keys
	//   - n: the number of pairs
	//
	// Returns:
	//   - error: wraps device.ErrBufferTooSmall when n exceeds the capacity or the buffers
	Record(cs device.CommandStream, keys, values device.Buffer, n uint32) error

	// Release frees the sorter's working resources.
	Release()
}
