package source

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/engine/lod"
	"github.com/pelletier/go-toml/v2"
)

const (
	// ManifestName is the per-level manifest file.
	ManifestName = "level.toml"

	// TableName is the per-asset level table file.
	TableName = "lod.toml"
)

// blobEntry describes one blob file of a level.
type blobEntry struct {
	Attribute string           `toml:"attribute"`
	Format    lod.VectorFormat `toml:"format"`
	Encoding  lod.Encoding     `toml:"encoding"`
	File      string           `toml:"file"`
	// Checksum is the hex xxhash64 of the file contents; TOML integers cannot hold every uint64.
	Checksum string `toml:"checksum"`
}

// manifest is the contents of a level.toml.
type manifest struct {
	PrimitiveCount uint32      `toml:"primitive_count"`
	Blobs          []blobEntry `toml:"blob"`
}

type tableFile struct {
	Levels []tableLevel `toml:"level"`
}

// tableLevel mirrors lod.Level with a float64 threshold; go-toml rejects inf for float32 fields.
type tableLevel struct {
	Threshold       float64 `toml:"threshold"`
	SmoothingFactor float32 `toml:"smoothing_factor"`
	PrimitiveCount  uint32  `toml:"primitive_count"`
}

// DirSource serves levels laid out as <root>/<asset>/lod<level>/level.toml plus one file
// per blob.
type DirSource struct {
	root string
}

var _ lod.Source = &DirSource{}

// NewDirSource creates a DirSource rooted at root.
func NewDirSource(root string) *DirSource {
	return &DirSource{root: root}
}

// LevelDir returns the directory holding one level.
func LevelDir(root, asset string, level int) string {
	return filepath.Join(root, asset, "lod"+strconv.Itoa(level))
}

func (d *DirSource) Fetch(asset string, level int) (*lod.LevelData, error) {
	dir := LevelDir(d.root, asset, level)
	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, missing(fmt.Errorf("read manifest of %q level %d", asset, level), err)
	}
	var m manifest
	if err := toml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest of %q level %d: %w: %w", asset, level, lod.ErrMissingData, err)
	}

	ld := &lod.LevelData{PrimitiveCount: m.PrimitiveCount, Blobs: make(map[lod.Attribute]lod.Blob, len(m.Blobs))}
	for _, e := range m.Blobs {
		attr, err := lod.ParseAttribute(e.Attribute)
		if err != nil {
			return nil, fmt.Errorf("manifest of %q level %d: %w", asset, level, err)
		}
		data, err := os.ReadFile(filepath.Join(dir, filepath.Base(e.File)))
		if err != nil {
			return nil, missing(fmt.Errorf("read %s blob of %q level %d", attr, asset, level), err)
		}
		var sum uint64
		if e.Checksum != "" {
			if sum, err = strconv.ParseUint(e.Checksum, 16, 64); err != nil {
				return nil, fmt.Errorf("%s blob checksum %q: %w", attr, e.Checksum, lod.ErrMissingData)
			}
		}
		ld.Blobs[attr] = lod.Blob{Format: e.Format, Encoding: e.Encoding, Data: data, Checksum: sum}
	}
	for _, a := range lod.RequiredAttributes {
		if _, ok := ld.Blobs[a]; !ok {
			return nil, fmt.Errorf("%q level %d has no %s blob: %w", asset, level, a, lod.ErrMissingData)
		}
	}
	common.Logger().Debug("level fetched", "asset", asset, "level", level, "dir", dir, "blobs", len(ld.Blobs))
	return ld, nil
}

// missing wraps a file error, tagging absent files as lod.ErrMissingData.
func missing(context, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w: %w", context, lod.ErrMissingData, err)
	}
	return fmt.Errorf("%w: %w", context, err)
}

// WriteDirLevel writes one level in the layout DirSource reads. Blobs are written as
// encoded; use lod.EncodeBlob or Splats.LevelData to compress them.
//
// Parameters:
//   - root: the source root
//   - asset: the asset name
//   - level: the level index
//   - ld: the level data
//
// Returns:
//   - error: an I/O or encoding error
func WriteDirLevel(root, asset string, level int, ld *lod.LevelData) error {
	dir := LevelDir(root, asset, level)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %q: %w", dir, err)
	}

	attrs := make([]lod.Attribute, 0, len(ld.Blobs))
	for a := range ld.Blobs {
		attrs = append(attrs, a)
	}
	slices.Sort(attrs)

	m := manifest{PrimitiveCount: ld.PrimitiveCount}
	for _, a := range attrs {
		b := ld.Blobs[a]
		name := a.String() + ".bin"
		if b.Encoding == lod.EncodingZstd {
			name += ".zst"
		}
		if err := os.WriteFile(filepath.Join(dir, name), b.Data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s blob: %w", a, err)
		}
		e := blobEntry{Attribute: a.String(), Format: b.Format, Encoding: b.Encoding, File: name}
		if b.Checksum != 0 {
			e.Checksum = strconv.FormatUint(b.Checksum, 16)
		}
		m.Blobs = append(m.Blobs, e)
	}

	out, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, ManifestName), out, 0o644)
}

// LoadTable reads <root>/<asset>/lod.toml.
//
// Parameters:
//   - root: the source root
//   - asset: the asset name
//
// Returns:
//   - lod.Table: the validated table
//   - error: a read, decode, or validation error
func LoadTable(root, asset string) (lod.Table, error) {
	path := filepath.Join(root, asset, TableName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return lod.Table{}, missing(fmt.Errorf("read level table %q", path), err)
	}
	var tf tableFile
	if err := toml.Unmarshal(raw, &tf); err != nil {
		return lod.Table{}, fmt.Errorf("decode level table %q: %w", path, err)
	}
	levels := make([]lod.Level, len(tf.Levels))
	for i, l := range tf.Levels {
		levels[i] = lod.Level{Threshold: float32(l.Threshold), SmoothingFactor: l.SmoothingFactor, PrimitiveCount: l.PrimitiveCount}
	}
	return lod.NewTable(levels...)
}

// WriteTable writes <root>/<asset>/lod.toml.
//
// Parameters:
//   - root: the source root
//   - asset: the asset name
//   - table: the level table
//
// Returns:
//   - error: an I/O or encoding error
func WriteTable(root, asset string, table lod.Table) error {
	var tf tableFile
	for _, l := range table.Levels() {
		tf.Levels = append(tf.Levels, tableLevel{Threshold: float64(l.Threshold), SmoothingFactor: l.SmoothingFactor, PrimitiveCount: l.PrimitiveCount})
	}
	out, err := toml.Marshal(tf)
	if err != nil {
		return fmt.Errorf("failed to encode level table: %w", err)
	}
	dir := filepath.Join(root, asset)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %q: %w", dir, err)
	}
	return os.WriteFile(filepath.Join(dir, TableName), out, 0o644)
}
