package lod

import (
	"fmt"
	"sync"
)

// Attribute names one per-level data blob.
type Attribute int

const (
	// AttributePositions is packed xyz positions, 3 f32 per splat.
	AttributePositions Attribute = iota

	// AttributeOther is rotation, scale and opacity, 8 f32 per splat.
	AttributeOther

	// AttributeColor is base color, 4 f32 per splat.
	AttributeColor

	// AttributeCoefficients is higher-order color coefficients, any whole number of f32 per splat.
	AttributeCoefficients

	// AttributeChunks is an optional precomputed chunk table of 32-byte records.
	AttributeChunks

	attributeCount
)

// RequiredAttributes are the blobs every level must provide.
var RequiredAttributes = []Attribute{AttributePositions, AttributeOther, AttributeColor, AttributeCoefficients}

func (a Attribute) String() string {
	switch a {
	case AttributePositions:
		return "positions"
	case AttributeOther:
		return "other"
	case AttributeColor:
		return "color"
	case AttributeCoefficients:
		return "coefficients"
	case AttributeChunks:
		return "chunks"
	}
	return fmt.Sprintf("Attribute(%d)", int(a))
}

// ParseAttribute is the inverse of Attribute.String.
func ParseAttribute(s string) (Attribute, error) {
	for a := range attributeCount {
		if a.String() == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown attribute %q: %w", s, ErrInvalidArgument)
}

// VectorFormat tags the element layout of a blob.
type VectorFormat string

const (
	FormatFloat32   VectorFormat = "float32"
	FormatFloat32x3 VectorFormat = "float32x3"
	FormatFloat32x4 VectorFormat = "float32x4"
	FormatFloat32x8 VectorFormat = "float32x8"
	FormatChunk     VectorFormat = "chunk"
)

// Encoding is how blob bytes are stored.
type Encoding string

const (
	EncodingRaw  Encoding = "raw"
	EncodingZstd Encoding = "zstd"
)

// Blob is one attribute's bytes as delivered by a Source.
type Blob struct {
	Format   VectorFormat
	Encoding Encoding
	Data     []byte
	// Checksum is the xxhash64 of Data as stored. Zero skips verification.
	Checksum uint64
}

// LevelData is everything a Source provides for one level.
type LevelData struct {
	PrimitiveCount uint32
	Blobs          map[Attribute]Blob
}

// Source provides per-level data for an asset. Implementations must be safe to call from
// the frame thread; they are never called concurrently for the same manager.
type Source interface {
	// Fetch returns the blobs of one level.
	//
	// Parameters:
	//   - asset: the asset name
	//   - level: the level index
	//
	// Returns:
	//   - *LevelData: the level's blobs
	//   - error: wraps ErrMissingData when the level or a required blob is absent
	Fetch(asset string, level int) (*LevelData, error)
}

// MemorySource serves levels held in memory. It is used for procedurally generated
// content and in tests.
type MemorySource struct {
	mu     sync.RWMutex
	levels map[string]map[int]*LevelData
}

var _ Source = &MemorySource{}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{levels: make(map[string]map[int]*LevelData)}
}

// Put stores one level.
//
// Parameters:
//   - asset: the asset name
//   - level: the level index
//   - data: the level data, retained by reference
func (m *MemorySource) Put(asset string, level int, data *LevelData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels[asset] == nil {
		m.levels[asset] = make(map[int]*LevelData)
	}
	m.levels[asset][level] = data
}

// Delete removes one level.
func (m *MemorySource) Delete(asset string, level int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.levels[asset], level)
}

func (m *MemorySource) Fetch(asset string, level int) (*LevelData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.levels[asset][level]
	if !ok {
		return nil, fmt.Errorf("asset %q level %d: %w", asset, level, ErrMissingData)
	}
	return data, nil
}
