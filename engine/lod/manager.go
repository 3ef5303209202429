package lod

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/engine/device"
	"github.com/Carmen-Shannon/oxy-splat/engine/visibility"
	"github.com/klauspost/compress/zstd"
)

// LevelState is the residency of one level.
type LevelState int

const (
	LevelUnloaded LevelState = iota
	LevelLoading
	LevelLoaded
)

func (s LevelState) String() string {
	switch s {
	case LevelUnloaded:
		return "unloaded"
	case LevelLoading:
		return "loading"
	case LevelLoaded:
		return "loaded"
	}
	return fmt.Sprintf("LevelState(%d)", int(s))
}

// BufferSet is the device-resident data of one loaded level. The manager owns every
// buffer; callers must not release them.
type BufferSet struct {
	Level        int
	Positions    device.Buffer
	Other        device.Buffer
	Color        device.Buffer
	Coefficients device.Buffer
	Chunks       device.Buffer

	PrimitiveCount uint32
	ChunkCount     uint32
	ChunkSize      uint32
	// CoefficientsPerPrimitive is the number of f32 coefficients stored per primitive.
	CoefficientsPerPrimitive uint32
	// MemorySize is the sum of the buffer sizes, the amount counted against the budget.
	MemorySize uint64

	Loaded  bool
	Current bool
}

func (b *BufferSet) buffers() []*device.Buffer {
	return []*device.Buffer{&b.Positions, &b.Other, &b.Color, &b.Coefficients, &b.Chunks}
}

func (b *BufferSet) release() {
	for _, buf := range b.buffers() {
		if *buf != nil {
			(*buf).Release()
			*buf = nil
		}
	}
	b.Loaded = false
	b.Current = false
}

// Manager owns the device buffers of every resident level of one asset and keeps their
// total size under a soft memory budget. It is not safe for concurrent use.
type Manager interface {
	// Load makes a level resident, then evicts other non-current levels until usage fits the
	// budget. Loading a resident level is a no-op.
	//
	// Parameters:
	//   - level: the level index
	//
	// Returns:
	//   - error: ErrInvalidArgument, ErrMissingData, or ErrAllocationFailure; on error the
	//     previous residency is untouched
	Load(level int) error

	// Unload releases a level's buffers. Unloading a non-resident or Current level is a no-op.
	//
	// Parameters:
	//   - level: the level index
	//
	// Returns:
	//   - error: ErrInvalidArgument for an index outside the table
	Unload(level int) error

	// SwitchTo loads a level if needed and marks it Current.
	//
	// Parameters:
	//   - level: the level index
	//
	// Returns:
	//   - *BufferSet: the now-current buffer set
	//   - error: the Load error; the previous Current level stays current
	SwitchTo(level int) (*BufferSet, error)

	// PreloadAdjacent loads level-1 and level+1 when they exist. A preload that would not fit
	// the budget after eviction is skipped. Failures are logged and ignored.
	//
	// Parameters:
	//   - level: the committed level
	PreloadAdjacent(level int)

	// Usage returns the bytes held by resident levels.
	Usage() uint64

	// Budget returns the soft memory budget in bytes.
	Budget() uint64

	// SetBudget changes the budget. Resident levels are not evicted until the next Load.
	SetBudget(bytes uint64)

	// Overruns returns how many loads ended above the budget.
	Overruns() int

	// Current returns the Current level, or -1 before the first successful SwitchTo.
	Current() int

	// State returns the residency of a level.
	State(level int) LevelState

	// BufferSet returns the buffers of a resident level.
	//
	// Returns:
	//   - *BufferSet: the buffer set
	//   - bool: false when the level is not resident
	BufferSet(level int) (*BufferSet, bool)

	// Resident returns the resident levels in ascending order.
	Resident() []int

	// Table returns the level table.
	Table() Table

	// Release frees every resident level and stops the decode workers.
	Release()
}

type managerImpl struct {
	dev     device.Device
	source  Source
	asset   string
	table   Table
	budget  uint64
	usage   uint64
	overrun int
	current int

	chunkSize int
	workers   int

	sets    map[int]*BufferSet
	loading int

	pool    worker.DynamicWorkerPool
	decoder *zstd.Decoder
}

var _ Manager = &managerImpl{}

// NewManager creates a Manager for one asset.
//
// Parameters:
//   - dev: the device that owns the level buffers
//   - src: the level data source
//   - asset: the asset name passed to src
//   - table: the level table
//   - options: builder options
//
// Returns:
//   - Manager: the manager, with nothing resident
//   - error: an error if the zstd decoder cannot be created
func NewManager(dev device.Device, src Source, asset string, table Table, options ...ManagerBuilderOption) (Manager, error) {
	m := &managerImpl{
		dev:       dev,
		source:    src,
		asset:     asset,
		table:     table,
		budget:    512 << 20,
		current:   -1,
		chunkSize: 256,
		workers:   4,
		sets:      make(map[int]*BufferSet),
		loading:   -1,
	}
	for _, opt := range options {
		opt(m)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(m.workers))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	m.decoder = dec
	m.pool = worker.NewDynamicWorkerPool(m.workers, 256, time.Second)
	return m, nil
}

func (m *managerImpl) Load(level int) error {
	return m.load(level, false)
}

// load fetches, decodes and uploads a level, then evicts other levels until usage is back
// under the budget. A failed load leaves every resident level in place. A preload is
// skipped instead of overrunning the budget.
func (m *managerImpl) load(level int, preload bool) error {
	if !m.table.Valid(level) {
		return fmt.Errorf("load level %d of %d: %w", level, m.table.Len(), ErrInvalidArgument)
	}
	if set, ok := m.sets[level]; ok && set.Loaded {
		return nil
	}
	log := common.Logger().With("asset", m.asset, "level", level)

	m.loading = level
	defer func() { m.loading = -1 }()

	ld, err := m.source.Fetch(m.asset, level)
	if err != nil {
		log.Warn("level fetch failed", "err", err)
		return fmt.Errorf("fetch %q level %d: %w", m.asset, level, err)
	}
	decoded, err := decodeLevel(m.pool, m.decoder, ld)
	if err != nil {
		log.Warn("level decode failed", "err", err)
		return fmt.Errorf("decode %q level %d: %w", m.asset, level, err)
	}
	payload := m.layout(decoded)

	required := payload.size()
	if preload && m.usage-m.evictable()+required > m.budget {
		return fmt.Errorf("preload %q level %d needs %d bytes: %w", m.asset, level, required, ErrBudgetOverrun)
	}

	set, err := m.allocate(level, payload)
	if err != nil {
		log.Warn("level allocation failed", "err", err)
		return fmt.Errorf("allocate %q level %d: %w: %w", m.asset, level, ErrAllocationFailure, err)
	}
	m.sets[level] = set
	m.usage += set.MemorySize

	if m.usage > m.budget {
		m.evict()
		if m.usage > m.budget {
			m.overrun++
			log.Warn("level load exceeds memory budget",
				"err", ErrBudgetOverrun, "usage", m.usage, "required", required, "budget", m.budget)
		}
	}
	log.Info("level loaded", "primitives", set.PrimitiveCount, "chunks", set.ChunkCount, "bytes", set.MemorySize, "usage", m.usage)
	return nil
}

// levelPayload is the upload-ready bytes of a level.
type levelPayload struct {
	count      uint32
	chunkCount uint32
	coeffs     uint32
	data       [attributeCount][]byte
}

func bufferSize(n int) uint64 {
	return max(uint64(n), device.MinBufferSize)
}

func (p *levelPayload) size() uint64 {
	var total uint64
	for _, d := range p.data {
		total += bufferSize(len(d))
	}
	return total
}

// layout fills in the chunk table when the source did not provide one.
func (m *managerImpl) layout(d *decodedLevel) *levelPayload {
	p := &levelPayload{count: d.count, data: d.data}
	p.coeffs = uint32(len(d.data[AttributeCoefficients]) / (int(d.count) * 4))
	want := (int(d.count) + m.chunkSize - 1) / m.chunkSize
	if n := len(p.data[AttributeChunks]) / 32; n != 0 && n != want {
		common.Logger().Debug("rebuilding chunk table", "asset", m.asset, "chunks", n, "want", want)
		p.data[AttributeChunks] = nil
	}
	if len(p.data[AttributeChunks]) == 0 {
		chunks := visibility.BuildChunkTable(
			float32s(d.data[AttributePositions]), float32s(d.data[AttributeOther]), m.chunkSize)
		p.data[AttributeChunks] = visibility.EncodeChunkTable(chunks)
	}
	p.chunkCount = uint32(len(p.data[AttributeChunks]) / 32)
	return p
}

func float32s(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func (m *managerImpl) allocate(level int, p *levelPayload) (*BufferSet, error) {
	set := &BufferSet{
		Level:                    level,
		PrimitiveCount:           p.count,
		ChunkCount:               p.chunkCount,
		ChunkSize:                uint32(m.chunkSize),
		CoefficientsPerPrimitive: p.coeffs,
	}
	targets := set.buffers()
	for a := range attributeCount {
		data := p.data[a]
		buf, err := m.dev.CreateBuffer(device.BufferDescriptor{
			Label: fmt.Sprintf("%s.lod%d.%s", m.asset, level, a),
			Size:  bufferSize(len(data)),
			Usage: device.BufferUsageStorage | device.BufferUsageCopyDst,
		})
		if err != nil {
			set.release()
			return nil, err
		}
		*targets[a] = buf
		set.MemorySize += buf.Size()
		if len(data) > 0 {
			if err := m.dev.WriteBuffer(buf, 0, data); err != nil {
				set.release()
				return nil, err
			}
		}
	}
	set.Loaded = true
	return set, nil
}

// evict unloads non-current levels, farthest from Current first, until usage fits the budget.
func (m *managerImpl) evict() {
	for _, level := range m.evictionOrder() {
		if m.usage <= m.budget {
			return
		}
		common.Logger().Info("evicting level", "asset", m.asset, "level", level, "current", m.current)
		m.unload(level)
	}
}

// evictable is the bytes eviction could free.
func (m *managerImpl) evictable() uint64 {
	var total uint64
	for _, level := range m.evictionOrder() {
		total += m.sets[level].MemorySize
	}
	return total
}

// evictionOrder lists resident levels other than Current and the level being loaded, by
// descending index distance from Current. Ties evict the higher level first.
func (m *managerImpl) evictionOrder() []int {
	var candidates []int
	for level, set := range m.sets {
		if set.Loaded && level != m.current && level != m.loading {
			candidates = append(candidates, level)
		}
	}
	ref := max(m.current, 0)
	slices.SortFunc(candidates, func(a, b int) int {
		da, db := abs(a-ref), abs(b-ref)
		if da != db {
			return db - da
		}
		return b - a
	})
	return candidates
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func (m *managerImpl) Unload(level int) error {
	if !m.table.Valid(level) {
		return fmt.Errorf("unload level %d of %d: %w", level, m.table.Len(), ErrInvalidArgument)
	}
	if level == m.current {
		return nil
	}
	if _, ok := m.sets[level]; ok {
		m.unload(level)
		common.Logger().Info("level unloaded", "asset", m.asset, "level", level, "usage", m.usage)
	}
	return nil
}

func (m *managerImpl) unload(level int) {
	set := m.sets[level]
	m.usage -= set.MemorySize
	set.release()
	delete(m.sets, level)
}

func (m *managerImpl) SwitchTo(level int) (*BufferSet, error) {
	if err := m.Load(level); err != nil {
		return nil, err
	}
	if m.current != level {
		if prev, ok := m.sets[m.current]; ok {
			prev.Current = false
		}
		common.Logger().Info("level switched", "asset", m.asset, "from", m.current, "to", level)
		m.current = level
	}
	set := m.sets[level]
	set.Current = true
	return set, nil
}

func (m *managerImpl) PreloadAdjacent(level int) {
	for _, l := range []int{level - 1, level + 1} {
		if !m.table.Valid(l) {
			continue
		}
		if err := m.load(l, true); err != nil {
			common.Logger().Debug("adjacent preload skipped", "asset", m.asset, "level", l, "err", err)
		}
	}
}

func (m *managerImpl) Usage() uint64 {
	return m.usage
}

func (m *managerImpl) Budget() uint64 {
	return m.budget
}

func (m *managerImpl) SetBudget(bytes uint64) {
	m.budget = bytes
}

func (m *managerImpl) Overruns() int {
	return m.overrun
}

func (m *managerImpl) Current() int {
	return m.current
}

func (m *managerImpl) State(level int) LevelState {
	if level == m.loading {
		return LevelLoading
	}
	if set, ok := m.sets[level]; ok && set.Loaded {
		return LevelLoaded
	}
	return LevelUnloaded
}

func (m *managerImpl) BufferSet(level int) (*BufferSet, bool) {
	set, ok := m.sets[level]
	return set, ok
}

func (m *managerImpl) Resident() []int {
	out := make([]int, 0, len(m.sets))
	for level := range m.sets {
		out = append(out, level)
	}
	slices.Sort(out)
	return out
}

func (m *managerImpl) Table() Table {
	return m.table
}

func (m *managerImpl) Release() {
	for level, set := range m.sets {
		set.release()
		delete(m.sets, level)
	}
	m.usage = 0
	m.current = -1
	if m.pool != nil {
		m.pool.Stop()
		m.pool = nil
	}
	if m.decoder != nil {
		m.decoder.Close()
		m.decoder = nil
	}
}
