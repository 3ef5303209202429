package source

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/engine/lod"
	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
)

// Custom vertex attributes carrying splat data alongside POSITION and COLOR_0.
const (
	AttrRotation = "_ROTATION"
	AttrScale    = "_SCALE"
	AttrOpacity  = "_OPACITY"
	// AttrCoefficientPrefix is followed by the group index: _SH_0, _SH_1, ... each a VEC4.
	AttrCoefficientPrefix = "_SH_"
)

// GLTFSource serves levels stored as <root>/<asset>/lod<level>.glb (or .gltf). Every
// primitive of every mesh contributes its vertices as splats.
type GLTFSource struct {
	root string
}

var _ lod.Source = &GLTFSource{}

// NewGLTFSource creates a GLTFSource rooted at root.
func NewGLTFSource(root string) *GLTFSource {
	return &GLTFSource{root: root}
}

// GLTFPath returns the binary glTF path of one level.
func GLTFPath(root, asset string, level int) string {
	return filepath.Join(root, asset, "lod"+strconv.Itoa(level)+".glb")
}

func (g *GLTFSource) Fetch(asset string, level int) (*lod.LevelData, error) {
	path := GLTFPath(g.root, asset, level)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		path = path[:len(path)-len(".glb")] + ".gltf"
	}
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, missing(fmt.Errorf("open %q", path), err)
	}
	splats, err := ReadSplats(doc)
	if err != nil {
		return nil, fmt.Errorf("%q level %d: %w", asset, level, err)
	}
	common.Logger().Debug("level fetched", "asset", asset, "level", level, "path", path, "splats", splats.Len())
	return splats.LevelData(false)
}

// ReadSplats gathers the splats of every primitive in a document.
//
// Parameters:
//   - doc: the glTF document
//
// Returns:
//   - *Splats: the splats
//   - error: wraps lod.ErrMissingData when a required attribute is absent or malformed
func ReadSplats(doc *gltf.Document) (*Splats, error) {
	out := &Splats{CoefficientsPerSplat: -1}
	for mi, mesh := range doc.Meshes {
		for pi, prim := range mesh.Primitives {
			if err := out.appendPrimitive(doc, prim); err != nil {
				return nil, fmt.Errorf("mesh %d primitive %d: %w", mi, pi, err)
			}
		}
	}
	if out.CoefficientsPerSplat < 0 {
		out.CoefficientsPerSplat = 0
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Splats) appendPrimitive(doc *gltf.Document, prim *gltf.Primitive) error {
	read := func(name string, required bool) (any, error) {
		idx, ok := prim.Attributes[name]
		if !ok {
			if required {
				return nil, fmt.Errorf("attribute %s absent: %w", name, lod.ErrMissingData)
			}
			return nil, nil
		}
		if int(idx) >= len(doc.Accessors) {
			return nil, fmt.Errorf("attribute %s references accessor %d of %d: %w", name, idx, len(doc.Accessors), lod.ErrMissingData)
		}
		data, err := modeler.ReadAccessor(doc, doc.Accessors[idx], nil)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w: %w", name, lod.ErrMissingData, err)
		}
		return data, nil
	}
	wrongType := func(name string, data any) error {
		return fmt.Errorf("attribute %s has unsupported type %T: %w", name, data, lod.ErrMissingData)
	}

	raw, err := read(gltf.POSITION, true)
	if err != nil {
		return err
	}
	positions, ok := raw.([][3]float32)
	if !ok {
		return wrongType(gltf.POSITION, raw)
	}
	n := len(positions)

	if raw, err = read(AttrRotation, true); err != nil {
		return err
	}
	rotations, ok := raw.([][4]float32)
	if !ok {
		return wrongType(AttrRotation, raw)
	}

	if raw, err = read(AttrScale, true); err != nil {
		return err
	}
	scales, ok := raw.([][3]float32)
	if !ok {
		return wrongType(AttrScale, raw)
	}

	if raw, err = read(AttrOpacity, false); err != nil {
		return err
	}
	var opacities []float32
	switch v := raw.(type) {
	case nil:
		opacities = make([]float32, n)
		for i := range opacities {
			opacities[i] = 1
		}
	case []float32:
		opacities = v
	default:
		return wrongType(AttrOpacity, raw)
	}

	if raw, err = read(gltf.COLOR_0, true); err != nil {
		return err
	}
	colors, err := colorsOf(raw)
	if err != nil {
		return err
	}

	var groups [][][4]float32
	for g := 0; ; g++ {
		name := AttrCoefficientPrefix + strconv.Itoa(g)
		if raw, err = read(name, false); err != nil {
			return err
		}
		if raw == nil {
			break
		}
		v, ok := raw.([][4]float32)
		if !ok || len(v) != n {
			return wrongType(name, raw)
		}
		groups = append(groups, v)
	}
	if s.CoefficientsPerSplat >= 0 && s.CoefficientsPerSplat != 4*len(groups) {
		return fmt.Errorf("primitive has %d coefficient groups, earlier primitives %d: %w",
			len(groups), s.CoefficientsPerSplat/4, lod.ErrMissingData)
	}
	s.CoefficientsPerSplat = 4 * len(groups)

	for _, l := range []int{len(rotations), len(scales), len(opacities), len(colors)} {
		if l != n {
			return fmt.Errorf("attribute counts differ from %d positions: %w", n, lod.ErrMissingData)
		}
	}
	s.Positions = append(s.Positions, positions...)
	s.Rotations = append(s.Rotations, rotations...)
	s.Scales = append(s.Scales, scales...)
	s.Opacities = append(s.Opacities, opacities...)
	s.Colors = append(s.Colors, colors...)
	for i := range n {
		for _, g := range groups {
			s.Coefficients = append(s.Coefficients, g[i][:]...)
		}
	}
	return nil
}

func colorsOf(raw any) ([][4]float32, error) {
	switch v := raw.(type) {
	case [][4]float32:
		return v, nil
	case [][3]float32:
		out := make([][4]float32, len(v))
		for i, c := range v {
			out[i] = [4]float32{c[0], c[1], c[2], 1}
		}
		return out, nil
	case [][4]uint8:
		out := make([][4]float32, len(v))
		for i, c := range v {
			out[i] = [4]float32{float32(c[0]) / 255, float32(c[1]) / 255, float32(c[2]) / 255, float32(c[3]) / 255}
		}
		return out, nil
	case [][4]uint16:
		out := make([][4]float32, len(v))
		for i, c := range v {
			out[i] = [4]float32{float32(c[0]) / 65535, float32(c[1]) / 65535, float32(c[2]) / 65535, float32(c[3]) / 65535}
		}
		return out, nil
	}
	return nil, fmt.Errorf("attribute %s has unsupported type %T: %w", gltf.COLOR_0, raw, lod.ErrMissingData)
}

// WriteGLTFLevel writes one level as a binary glTF document GLTFSource can read.
//
// Parameters:
//   - root: the source root
//   - asset: the asset name
//   - level: the level index
//   - s: the splats; CoefficientsPerSplat must be a multiple of 4
//
// Returns:
//   - error: a validation or I/O error
func WriteGLTFLevel(root, asset string, level int, s *Splats) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.CoefficientsPerSplat%4 != 0 {
		return fmt.Errorf("%d coefficients per splat is not a whole number of VEC4 groups: %w",
			s.CoefficientsPerSplat, lod.ErrInvalidArgument)
	}

	doc := gltf.NewDocument()
	doc.Asset.Generator = "oxy-splat"
	attrs := gltf.PrimitiveAttributes{
		gltf.POSITION: modeler.WritePosition(doc, s.Positions),
		AttrRotation:  modeler.WriteAccessor(doc, gltf.TargetArrayBuffer, s.Rotations),
		AttrScale:     modeler.WriteAccessor(doc, gltf.TargetArrayBuffer, s.Scales),
		AttrOpacity:   modeler.WriteAccessor(doc, gltf.TargetArrayBuffer, s.Opacities),
		gltf.COLOR_0:  modeler.WriteColor(doc, s.Colors),
	}
	for g := range s.CoefficientsPerSplat / 4 {
		group := make([][4]float32, s.Len())
		for i := range group {
			copy(group[i][:], s.Coefficients[i*s.CoefficientsPerSplat+g*4:])
		}
		attrs[AttrCoefficientPrefix+strconv.Itoa(g)] = modeler.WriteAccessor(doc, gltf.TargetArrayBuffer, group)
	}

	doc.Meshes = []*gltf.Mesh{{
		Name:       asset + ".lod" + strconv.Itoa(level),
		Primitives: []*gltf.Primitive{{Attributes: attrs, Mode: gltf.PrimitivePoints}},
	}}
	doc.Nodes = []*gltf.Node{{Name: asset, Mesh: gltf.Index(0)}}
	doc.Scenes[0].Nodes = append(doc.Scenes[0].Nodes, 0)

	path := GLTFPath(root, asset, level)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %q: %w", filepath.Dir(path), err)
	}
	return gltf.SaveBinary(doc, path)
}
