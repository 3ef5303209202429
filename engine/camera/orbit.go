package camera

import (
	"sync"

	"github.com/chewxy/math32"
)

// Controller owns the positional state of a camera.
type Controller interface {
	// Position returns the camera's world-space position.
	Position() [3]float32

	// Target returns the look-at point.
	Target() [3]float32

	// SetTarget moves the pivot and keeps the orbit offset.
	//
	// Parameters:
	//   - target: world-space pivot
	SetTarget(target [3]float32)

	// Zoom moves the camera toward the target, clamped to the radius bounds.
	//
	// Parameters:
	//   - delta: positive moves closer
	Zoom(delta float32)

	// Orbit rotates around the target. Elevation is clamped to its bounds.
	//
	// Parameters:
	//   - dAzimuth: change of the horizontal angle in radians
	//   - dElevation: change of the vertical angle in radians
	Orbit(dAzimuth, dElevation float32)

	// Pan translates camera and target together along the camera's local axes.
	//
	// Parameters:
	//   - right: distance along the right axis
	//   - up: distance along the up axis
	//   - forward: distance along the view direction
	Pan(right, up, forward float32)

	// Radius returns the distance to the target.
	Radius() float32

	// SetRadius sets the distance to the target, clamped to the radius bounds.
	SetRadius(radius float32)
}

type orbitControllerImpl struct {
	mu *sync.Mutex

	position [3]float32
	target   [3]float32

	radius    float32
	azimuth   float32
	elevation float32

	minRadius    float32
	maxRadius    float32
	minElevation float32
	maxElevation float32

	zoomSpeed float32
	panSpeed  float32
}

var _ Controller = &orbitControllerImpl{}

// NewOrbitController creates a controller orbiting its target on a sphere.
//
// Parameters:
//   - options: functional options to configure the controller
//
// Returns:
//   - Controller: the orbit controller
func NewOrbitController(options ...OrbitControllerOption) Controller {
	cc := &orbitControllerImpl{
		mu:           &sync.Mutex{},
		radius:       10,
		elevation:    math32.Pi / 6,
		minRadius:    0.5,
		maxRadius:    1000,
		minElevation: -math32.Pi/2 + 0.05,
		maxElevation: math32.Pi/2 - 0.05,
		zoomSpeed:    1,
		panSpeed:     1,
	}
	for _, option := range options {
		option(cc)
	}
	cc.radius = clamp(cc.radius, cc.minRadius, cc.maxRadius)
	cc.elevation = clamp(cc.elevation, cc.minElevation, cc.maxElevation)
	cc.updatePosition()
	return cc
}

func clamp(v, lo, hi float32) float32 {
	return math32.Max(lo, math32.Min(hi, v))
}

// updatePosition must be called with mu held.
func (cc *orbitControllerImpl) updatePosition() {
	sinElev, cosElev := math32.Sincos(cc.elevation)
	sinAzim, cosAzim := math32.Sincos(cc.azimuth)
	cc.position = [3]float32{
		cc.target[0] + cc.radius*cosElev*sinAzim,
		cc.target[1] + cc.radius*sinElev,
		cc.target[2] + cc.radius*cosElev*cosAzim,
	}
}

// axes returns right, up, and forward consistent with common.LookAt and a +Y world up.
// Must be called with mu held.
func (cc *orbitControllerImpl) axes() (right, up, forward [3]float32) {
	b := [3]float32{
		cc.position[0] - cc.target[0],
		cc.position[1] - cc.target[1],
		cc.position[2] - cc.target[2],
	}
	bLen := math32.Sqrt(b[0]*b[0] + b[1]*b[1] + b[2]*b[2])
	if bLen < 1e-8 {
		return
	}
	b = [3]float32{b[0] / bLen, b[1] / bLen, b[2] / bLen}

	rLen := math32.Hypot(b[2], b[0])
	if rLen < 1e-8 {
		return
	}
	right = [3]float32{b[2] / rLen, 0, -b[0] / rLen}
	up = [3]float32{
		b[1]*right[2] - b[2]*right[1],
		b[2]*right[0] - b[0]*right[2],
		b[0]*right[1] - b[1]*right[0],
	}
	forward = [3]float32{-b[0], -b[1], -b[2]}
	return
}

func (cc *orbitControllerImpl) Position() [3]float32 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.position
}

func (cc *orbitControllerImpl) Target() [3]float32 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.target
}

func (cc *orbitControllerImpl) SetTarget(target [3]float32) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.target = target
	cc.updatePosition()
}

func (cc *orbitControllerImpl) Zoom(delta float32) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.radius = clamp(cc.radius-delta*cc.zoomSpeed, cc.minRadius, cc.maxRadius)
	cc.updatePosition()
}

func (cc *orbitControllerImpl) Orbit(dAzimuth, dElevation float32) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.azimuth += dAzimuth
	cc.elevation = clamp(cc.elevation+dElevation, cc.minElevation, cc.maxElevation)
	cc.updatePosition()
}

func (cc *orbitControllerImpl) Pan(right, up, forward float32) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	r, u, f := cc.axes()
	for i := range 3 {
		off := (r[i]*right + u[i]*up + f[i]*forward) * cc.panSpeed
		cc.target[i] += off
		cc.position[i] += off
	}
}

func (cc *orbitControllerImpl) Radius() float32 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.radius
}

func (cc *orbitControllerImpl) SetRadius(radius float32) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.radius = clamp(radius, cc.minRadius, cc.maxRadius)
	cc.updatePosition()
}
