package common

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testFrustum builds a frustum for a camera at the origin looking down -Z.
func testFrustum(t *testing.T) Frustum {
	t.Helper()
	var view, proj, vp [16]float32
	LookAt(view[:], 0, 0, 0, 0, 0, -1, 0, 1, 0)
	Perspective(proj[:], math.Pi/2, 1, 0.1, 100)
	Mul4(vp[:], proj[:], view[:])
	return ExtractFrustumFromMatrix(vp[:])
}

func TestExtractFrustumPlanesAreNormalized(t *testing.T) {
	f := testFrustum(t)
	for i, pl := range f.Planes {
		l := pl.Normal[0]*pl.Normal[0] + pl.Normal[1]*pl.Normal[1] + pl.Normal[2]*pl.Normal[2]
		assert.InDelta(t, 1.0, l, 1e-4, "plane %d", i)
	}
}

func TestFrustumNearAndFar(t *testing.T) {
	f := testFrustum(t)
	assert.InDelta(t, 0, f.Planes[FrustumNear].SignedDistance([3]float32{0, 0, -0.1}), 1e-4)
	assert.InDelta(t, 0, f.Planes[FrustumFar].SignedDistance([3]float32{0, 0, -100}), 1e-2)
	assert.Greater(t, f.Planes[FrustumNear].SignedDistance([3]float32{0, 0, -5}), float32(0))
	assert.Less(t, f.Planes[FrustumNear].SignedDistance([3]float32{0, 0, 5}), float32(0))
}

func TestClassifyAABB(t *testing.T) {
	f := testFrustum(t)

	tests := []struct {
		name     string
		min, max [3]float32
		want     Containment
	}{
		{"inside", [3]float32{-1, -1, -11}, [3]float32{1, 1, -9}, ContainmentInside},
		{"behind camera", [3]float32{-1, -1, 5}, [3]float32{1, 1, 7}, ContainmentOutside},
		{"far left", [3]float32{-60, -1, -11}, [3]float32{-50, 1, -9}, ContainmentOutside},
		{"straddles right plane", [3]float32{5, -1, -11}, [3]float32{15, 1, -9}, ContainmentIntersect},
		{"straddles near plane", [3]float32{-1, -1, -1}, [3]float32{1, 1, 1}, ContainmentIntersect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.ClassifyAABB(tt.min, tt.max))
		})
	}
}

func TestExpandedFrustumAdmitsEdgeVolumes(t *testing.T) {
	f := testFrustum(t)
	// Just left of the 45° left plane at z = -10.
	min, max := [3]float32{-10.6, -0.1, -10.1}, [3]float32{-10.4, 0.1, -9.9}
	require.Equal(t, ContainmentOutside, f.ClassifyAABB(min, max))
	assert.NotEqual(t, ContainmentOutside, f.Expanded(1).ClassifyAABB(min, max))
	assert.Equal(t, f, f.Expanded(-3))
}

func TestIntersectsSphere(t *testing.T) {
	f := testFrustum(t)
	assert.True(t, f.IntersectsSphere([3]float32{0, 0, -10}, 0.1))
	assert.False(t, f.IntersectsSphere([3]float32{0, 0, 10}, 1))
	// Center outside, radius reaches back in.
	assert.True(t, f.IntersectsSphere([3]float32{-10.5, 0, -10}, 1))
	assert.False(t, f.IntersectsSphere([3]float32{-10.5, 0, -10}, 0.1))
}
