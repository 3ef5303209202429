package scheduler

import (
	"github.com/Carmen-Shannon/oxy-splat/config"
)

// Params are the tunables of the sort scheduler.
type Params struct {
	// Adaptive enables movement detection, caching and distance throttling. When false the
	// scheduler sorts every FixedFrequency frames.
	Adaptive       bool
	StartupFrames  int
	FixedFrequency int

	// FastFrequency is the cadence while the camera is moving, BaseFrequency while static.
	FastFrequency int
	BaseFrequency int

	// MovementThreshold is in world units per frame, RotationThreshold in radians per frame.
	MovementThreshold float32
	RotationThreshold float32
	// Smoothing is the weight kept from the previous smoothed speed, in [0, 1).
	Smoothing        float32
	HysteresisFrames int

	CacheEnabled           bool
	CacheDistanceThreshold float32
	CacheRotationThreshold float32

	// DistantThreshold is the camera-to-content distance past which the cadence is
	// multiplied by DistantMultiplier. Zero disables the throttle.
	DistantThreshold  float32
	DistantMultiplier int
}

// MinHysteresisFrames is the smallest hysteresis floor accepted. A floor of one would let a
// single jittery frame switch the cadence.
const MinHysteresisFrames = 2

// DefaultParams returns the scheduler defaults, matching config.Default.
func DefaultParams() Params {
	return ParamsFromConfig(config.Default().Sort)
}

// ParamsFromConfig maps the sort section of the configuration file onto scheduler params.
//
// Parameters:
//   - cfg: the sort configuration
//
// Returns:
//   - Params: the scheduler params
func ParamsFromConfig(cfg config.SortConfig) Params {
	return Params{
		Adaptive:               cfg.Adaptive,
		StartupFrames:          cfg.StartupFrames,
		FixedFrequency:         cfg.FixedFrequency,
		FastFrequency:          cfg.FastFrequency,
		BaseFrequency:          cfg.BaseFrequency,
		MovementThreshold:      cfg.MovementThreshold,
		RotationThreshold:      cfg.RotationThreshold,
		Smoothing:              cfg.Smoothing,
		HysteresisFrames:       cfg.HysteresisFrames,
		CacheEnabled:           cfg.CacheEnabled,
		CacheDistanceThreshold: cfg.CacheDistanceThreshold,
		CacheRotationThreshold: cfg.CacheRotationThreshold,
		DistantThreshold:       cfg.DistantThreshold,
		DistantMultiplier:      cfg.DistantMultiplier,
	}
}

// normalized clamps params into their valid ranges.
func (p Params) normalized() Params {
	p.StartupFrames = max(p.StartupFrames, 0)
	p.FixedFrequency = max(p.FixedFrequency, 1)
	p.FastFrequency = max(p.FastFrequency, 1)
	p.BaseFrequency = max(p.BaseFrequency, 1)
	p.HysteresisFrames = max(p.HysteresisFrames, MinHysteresisFrames)
	p.DistantMultiplier = max(p.DistantMultiplier, 1)
	p.Smoothing = min(max(p.Smoothing, 0), 0.999)
	return p
}
