package camera

type OrbitControllerOption func(*orbitControllerImpl)

// WithRadius sets the initial distance to the target.
//
// Parameters:
//   - radius: distance from target
//
// Returns:
//   - OrbitControllerOption: a function that sets the radius
func WithRadius(radius float32) OrbitControllerOption {
	return func(cc *orbitControllerImpl) {
		cc.radius = radius
	}
}

// WithAngles sets the initial azimuth and elevation in radians.
//
// Parameters:
//   - azimuth: horizontal angle around +Y
//   - elevation: angle above the horizontal plane
//
// Returns:
//   - OrbitControllerOption: a function that sets both angles
func WithAngles(azimuth, elevation float32) OrbitControllerOption {
	return func(cc *orbitControllerImpl) {
		cc.azimuth = azimuth
		cc.elevation = elevation
	}
}

// WithTarget sets the initial pivot.
//
// Parameters:
//   - target: world-space pivot
//
// Returns:
//   - OrbitControllerOption: a function that sets the target
func WithTarget(target [3]float32) OrbitControllerOption {
	return func(cc *orbitControllerImpl) {
		cc.target = target
	}
}

// WithRadiusBounds sets the zoom limits.
//
// Parameters:
//   - lo: minimum distance
//   - hi: maximum distance
//
// Returns:
//   - OrbitControllerOption: a function that sets the radius bounds
func WithRadiusBounds(lo, hi float32) OrbitControllerOption {
	return func(cc *orbitControllerImpl) {
		cc.minRadius = lo
		cc.maxRadius = hi
	}
}

// WithSpeeds sets zoom and pan speed multipliers.
//
// Parameters:
//   - zoom: radius change per unit of zoom delta
//   - pan: distance per unit of pan delta
//
// Returns:
//   - OrbitControllerOption: a function that sets both speeds
func WithSpeeds(zoom, pan float32) OrbitControllerOption {
	return func(cc *orbitControllerImpl) {
		cc.zoomSpeed = zoom
		cc.panSpeed = pan
	}
}
