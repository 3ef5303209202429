package camera

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-splat/common"
	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrbitPosition(t *testing.T) {
	cc := NewOrbitController(WithRadius(10), WithAngles(0, math32.Pi/6))
	p := cc.Position()
	assert.InDelta(t, 0, p[0], 1e-5)
	assert.InDelta(t, 5, p[1], 1e-5)
	assert.InDelta(t, 10*math32.Cos(math32.Pi/6), p[2], 1e-5)
	assert.InDelta(t, 10, common.Distance(p, cc.Target()), 1e-4)
}

func TestOrbitClamps(t *testing.T) {
	cc := NewOrbitController(WithRadius(10), WithRadiusBounds(2, 20))
	cc.Zoom(100)
	assert.Equal(t, float32(2), cc.Radius())
	cc.Zoom(-100)
	assert.Equal(t, float32(20), cc.Radius())
	cc.SetRadius(5)
	assert.Equal(t, float32(5), cc.Radius())

	cc.Orbit(0, 10)
	p := cc.Position()
	assert.Less(t, p[1], float32(5), "elevation stops short of the pole")
	assert.Greater(t, p[1], float32(4.9))
}

func TestPanKeepsOffset(t *testing.T) {
	cc := NewOrbitController(WithTarget([3]float32{1, 2, 3}), WithRadius(8))
	before := cc.Position()
	cc.Pan(1, 0.5, 2)
	after := cc.Position()
	target := cc.Target()

	assert.InDelta(t, 8, common.Distance(after, target), 1e-4)
	assert.InDelta(t, 8, cc.Radius(), 1e-6)
	assert.NotEqual(t, before, after)
}

func TestFrameViewSeesTarget(t *testing.T) {
	cc := NewOrbitController(WithTarget([3]float32{0, 0, -5}), WithRadius(10))
	cam := NewCamera(WithController(cc), WithViewport(800, 600), WithClipPlanes(0.1, 100))
	v := cam.FrameView()

	assert.Equal(t, cc.Position(), v.Position)
	assert.Equal(t, float32(800), v.ViewportWidth)
	assert.Equal(t, float32(600), v.ViewportHeight)

	f := v.Frustum()
	assert.True(t, f.IntersectsSphere(cc.Target(), 0.01))

	p := cc.Position()
	behind := [3]float32{2*p[0] - 0, 2*p[1] - 0, 2*p[2] + 5}
	assert.False(t, f.IntersectsSphere(behind, 0.01))
}

func TestFrameViewOrientationFollowsOrbit(t *testing.T) {
	cc := NewOrbitController(WithRadius(10))
	cam := NewCamera(WithController(cc))
	a := cam.FrameView()
	require.Equal(t, a.Orientation, cam.FrameView().Orientation)

	cc.Orbit(0.5, 0)
	b := cam.FrameView()
	assert.InDelta(t, 0.5, common.QuatAngle(a.Orientation, b.Orientation), 1e-3)
}

func TestFrameViewWithoutController(t *testing.T) {
	v := NewCamera().FrameView()
	assert.Equal(t, [3]float32{}, v.Position)
	assert.True(t, v.Frustum().IntersectsSphere([3]float32{0, 0, -10}, 0.01))
	assert.False(t, v.Frustum().IntersectsSphere([3]float32{0, 0, 10}, 0.01))
}
