package orchestrator

import (
	"github.com/Carmen-Shannon/oxy-splat/config"
	"github.com/Carmen-Shannon/oxy-splat/engine/scheduler"
)

type OrchestratorBuilderOption func(*orchestratorImpl)

// WithConfig applies every pipeline tunable from a configuration. Options after it override
// individual values.
//
// Parameters:
//   - cfg: the configuration
//
// Returns:
//   - OrchestratorBuilderOption: a function that applies the configuration to an orchestrator instance
func WithConfig(cfg config.Config) OrchestratorBuilderOption {
	return func(o *orchestratorImpl) {
		o.budget = cfg.LOD.MemoryBudgetBytes
		o.debounce = cfg.LOD.DebounceFrames
		o.preload = cfg.LOD.PreloadAdjacent
		o.distanceMultiplier = cfg.LOD.DistanceMultiplier
		o.blendBand = cfg.LOD.BlendBand
		o.culling = cfg.Culling.Enabled
		o.tolerance = cfg.Culling.Tolerance
		o.chunkSize = cfg.Culling.ChunkSize
		o.frontToBack = cfg.Sort.FrontToBack
		o.params = scheduler.ParamsFromConfig(cfg.Sort)
	}
}

// WithCulling enables or disables visibility culling.
//
// Parameters:
//   - enabled: true to classify and compact before sorting
//
// Returns:
//   - OrchestratorBuilderOption: a function that applies the flag to an orchestrator instance
func WithCulling(enabled bool) OrchestratorBuilderOption {
	return func(o *orchestratorImpl) {
		o.culling = enabled
	}
}

// WithSchedulerParams replaces the sort scheduler tunables.
//
// Parameters:
//   - p: the scheduler parameters
//
// Returns:
//   - OrchestratorBuilderOption: a function that applies the parameters to an orchestrator instance
func WithSchedulerParams(p scheduler.Params) OrchestratorBuilderOption {
	return func(o *orchestratorImpl) {
		o.params = p
	}
}

// WithMemoryBudget sets the level buffer budget in bytes.
func WithMemoryBudget(bytes uint64) OrchestratorBuilderOption {
	return func(o *orchestratorImpl) {
		o.budget = bytes
	}
}

// WithDebounceFrames sets how many frames a new level candidate must persist before it is committed.
func WithDebounceFrames(n int) OrchestratorBuilderOption {
	return func(o *orchestratorImpl) {
		o.debounce = n
	}
}

// WithPreloadAdjacent enables loading the neighbours of a newly active level.
func WithPreloadAdjacent(enabled bool) OrchestratorBuilderOption {
	return func(o *orchestratorImpl) {
		o.preload = enabled
	}
}

// WithChunkSize sets the culling chunk size used when a level ships no chunk table.
func WithChunkSize(n int) OrchestratorBuilderOption {
	return func(o *orchestratorImpl) {
		o.chunkSize = n
	}
}

// WithFrontToBack draws nearest splats first.
func WithFrontToBack(frontToBack bool) OrchestratorBuilderOption {
	return func(o *orchestratorImpl) {
		o.frontToBack = frontToBack
	}
}
