// Package camera turns an orbit rig into the per-frame view consumed by the splat pipeline.
package camera

import (
	"sync"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/Carmen-Shannon/oxy-splat/engine/orchestrator"
	"github.com/chewxy/math32"
)

// Camera holds the perspective settings and derives view state from its Controller.
type Camera interface {
	// Fov returns the vertical field of view in radians.
	Fov() float32

	// Near returns the near clipping plane distance.
	Near() float32

	// Far returns the far clipping plane distance.
	Far() float32

	// Controller returns the attached controller, nil when none.
	Controller() Controller

	// SetController attaches a controller.
	//
	// Parameters:
	//   - ctrl: the controller to attach
	SetController(ctrl Controller)

	// SetViewport sets the viewport size; the aspect ratio follows it.
	//
	// Parameters:
	//   - width: viewport width in pixels
	//   - height: viewport height in pixels
	SetViewport(width, height int)

	// FrameView recomputes the matrices from the controller and returns the frame's view.
	// Without a controller the camera sits at the origin looking down -Z.
	//
	// Returns:
	//   - orchestrator.FrameView: the view of the current frame
	FrameView() orchestrator.FrameView
}

type cameraImpl struct {
	mu *sync.Mutex

	up     [3]float32
	fov    float32
	near   float32
	far    float32
	width  int
	height int

	controller Controller
}

var _ Camera = &cameraImpl{}

// NewCamera creates a camera with a 45 degree field of view.
//
// Parameters:
//   - options: functional options to configure the camera
//
// Returns:
//   - Camera: the newly created camera
func NewCamera(options ...CameraBuilderOption) Camera {
	c := &cameraImpl{
		mu:     &sync.Mutex{},
		up:     [3]float32{0, 1, 0},
		fov:    45 * math32.Pi / 180,
		near:   0.1,
		far:    1000,
		width:  1,
		height: 1,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

func (c *cameraImpl) Fov() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fov
}

func (c *cameraImpl) Near() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.near
}

func (c *cameraImpl) Far() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.far
}

func (c *cameraImpl) Controller() Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

func (c *cameraImpl) SetController(ctrl Controller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controller = ctrl
}

func (c *cameraImpl) SetViewport(width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.width = max(width, 1)
	c.height = max(height, 1)
}

func (c *cameraImpl) FrameView() orchestrator.FrameView {
	c.mu.Lock()
	defer c.mu.Unlock()

	var eye, target [3]float32
	target[2] = -1
	if c.controller != nil {
		eye = c.controller.Position()
		target = c.controller.Target()
	}

	v := orchestrator.FrameView{
		Position:       eye,
		ViewportWidth:  float32(c.width),
		ViewportHeight: float32(c.height),
	}
	common.LookAt(v.View[:],
		eye[0], eye[1], eye[2],
		target[0], target[1], target[2],
		c.up[0], c.up[1], c.up[2],
	)
	common.Perspective(v.Projection[:], c.fov, float32(c.width)/float32(c.height), c.near, c.far)
	v.Orientation = common.QuatFromViewMatrix(v.View[:])
	return v
}
