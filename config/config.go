// Package config holds the tunables consumed by the splat pipeline and loads them from TOML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// LODConfig configures level selection and the level buffer manager.
type LODConfig struct {
	MemoryBudgetBytes  uint64  `toml:"memory_budget_bytes"`
	DebounceFrames     int     `toml:"debounce_frames"`
	PreloadAdjacent    bool    `toml:"preload_adjacent"`
	DistanceMultiplier float32 `toml:"distance_multiplier"`
	BlendBand          float32 `toml:"blend_band"`
}

// CullingConfig configures the visibility classifier.
type CullingConfig struct {
	Enabled   bool    `toml:"enabled"`
	Tolerance float32 `toml:"tolerance"`
	ChunkSize int     `toml:"chunk_size"`
}

// SortConfig configures the sort scheduler.
type SortConfig struct {
	Adaptive               bool    `toml:"adaptive"`
	StartupFrames          int     `toml:"startup_frames"`
	FixedFrequency         int     `toml:"fixed_frequency"`
	FastFrequency          int     `toml:"fast_frequency"`
	BaseFrequency          int     `toml:"base_frequency"`
	MovementThreshold      float32 `toml:"movement_threshold"`
	RotationThreshold      float32 `toml:"rotation_threshold"`
	Smoothing              float32 `toml:"smoothing"`
	HysteresisFrames       int     `toml:"hysteresis_frames"`
	CacheEnabled           bool    `toml:"cache_enabled"`
	CacheDistanceThreshold float32 `toml:"cache_distance_threshold"`
	CacheRotationThreshold float32 `toml:"cache_rotation_threshold"`
	DistantThreshold       float32 `toml:"distant_threshold"`
	DistantMultiplier      int     `toml:"distant_multiplier"`
	FrontToBack            bool    `toml:"front_to_back"`
}

// TelemetryConfig configures asynchronous diagnostic readbacks.
type TelemetryConfig struct {
	IntervalFrames int `toml:"interval_frames"`
}

// Config is the full configuration surface of the splat pipeline.
type Config struct {
	LOD       LODConfig       `toml:"lod"`
	Culling   CullingConfig   `toml:"culling"`
	Sort      SortConfig      `toml:"sort"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// Default returns the configuration used when no file is supplied.
//
// Returns:
//   - Config: the default configuration
func Default() Config {
	return Config{
		LOD: LODConfig{
			MemoryBudgetBytes:  512 << 20,
			DebounceFrames:     30,
			PreloadAdjacent:    true,
			DistanceMultiplier: 1,
			BlendBand:          2,
		},
		Culling: CullingConfig{
			Enabled:   true,
			Tolerance: 0.5,
			ChunkSize: 256,
		},
		Sort: SortConfig{
			Adaptive:               true,
			StartupFrames:          3,
			FixedFrequency:         1,
			FastFrequency:          1,
			BaseFrequency:          4,
			MovementThreshold:      0.01,
			RotationThreshold:      0.005,
			Smoothing:              0.8,
			HysteresisFrames:       2,
			CacheEnabled:           false,
			CacheDistanceThreshold: 0.5,
			CacheRotationThreshold: 0.02,
			DistantThreshold:       100,
			DistantMultiplier:      2,
		},
		Telemetry: TelemetryConfig{
			IntervalFrames: 60,
		},
	}
}

// Parse decodes TOML on top of Default, so omitted keys keep their defaults.
// Unknown keys are rejected.
//
// Parameters:
//   - data: the TOML document
//
// Returns:
//   - Config: the decoded and validated configuration
//   - error: a decode or validation error
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses a TOML configuration file.
//
// Parameters:
//   - path: the file to read
//
// Returns:
//   - Config: the decoded and validated configuration
//   - error: a read, decode, or validation error
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	return Parse(data)
}

// Marshal encodes the configuration as TOML.
func (c Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

// Validate reports every out-of-range field joined into a single error.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.LOD.MemoryBudgetBytes > 0, "lod.memory_budget_bytes must be > 0")
	check(c.LOD.DebounceFrames >= 1, "lod.debounce_frames must be >= 1, got %d", c.LOD.DebounceFrames)
	check(c.LOD.DistanceMultiplier > 0, "lod.distance_multiplier must be > 0, got %g", c.LOD.DistanceMultiplier)
	check(c.LOD.BlendBand >= 0, "lod.blend_band must be >= 0, got %g", c.LOD.BlendBand)

	check(c.Culling.Tolerance >= 0, "culling.tolerance must be >= 0, got %g", c.Culling.Tolerance)
	check(c.Culling.ChunkSize >= 1, "culling.chunk_size must be >= 1, got %d", c.Culling.ChunkSize)

	check(c.Sort.StartupFrames >= 0, "sort.startup_frames must be >= 0, got %d", c.Sort.StartupFrames)
	check(c.Sort.FixedFrequency >= 1, "sort.fixed_frequency must be >= 1, got %d", c.Sort.FixedFrequency)
	check(c.Sort.FastFrequency >= 1, "sort.fast_frequency must be >= 1, got %d", c.Sort.FastFrequency)
	check(c.Sort.BaseFrequency >= 1, "sort.base_frequency must be >= 1, got %d", c.Sort.BaseFrequency)
	check(c.Sort.Smoothing >= 0 && c.Sort.Smoothing < 1, "sort.smoothing must be in [0, 1), got %g", c.Sort.Smoothing)
	check(c.Sort.HysteresisFrames >= 2, "sort.hysteresis_frames must be >= 2, got %d", c.Sort.HysteresisFrames)
	check(c.Sort.DistantMultiplier >= 1, "sort.distant_multiplier must be >= 1, got %d", c.Sort.DistantMultiplier)

	check(c.Telemetry.IntervalFrames >= 0, "telemetry.interval_frames must be >= 0, got %d", c.Telemetry.IntervalFrames)

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
