package common

import (
	"github.com/chewxy/math32"
)

// Plane represents a plane in 3D space using the equation: ax + by + cz + d = 0
// where (a, b, c) is the normal and d is the distance from origin.
type Plane struct {
	Normal   [3]float32
	Distance float32
}

// SignedDistance returns the signed distance from the plane to a point.
// Positive values lie on the side the normal points to.
//
// Parameters:
//   - p: the point to measure
//
// Returns:
//   - float32: the signed distance (exact only for normalized planes)
func (pl Plane) SignedDistance(p [3]float32) float32 {
	return pl.Normal[0]*p[0] + pl.Normal[1]*p[1] + pl.Normal[2]*p[2] + pl.Distance
}

// Frustum represents the six planes of a view frustum for culling.
// Planes are oriented so that positive half-space is inside the frustum.
type Frustum struct {
	Planes [6]Plane // Left, Right, Bottom, Top, Near, Far
}

// FrustumPlane indices for clarity
const (
	FrustumLeft   = 0
	FrustumRight  = 1
	FrustumBottom = 2
	FrustumTop    = 3
	FrustumNear   = 4
	FrustumFar    = 5
)

// Containment is the result of testing a bounding volume against a frustum.
type Containment int

const (
	// ContainmentOutside means the volume lies entirely outside at least one plane.
	ContainmentOutside Containment = iota

	// ContainmentInside means the volume lies entirely inside all six planes.
	ContainmentInside

	// ContainmentIntersect means the volume straddles at least one plane.
	ContainmentIntersect
)

func (c Containment) String() string {
	switch c {
	case ContainmentOutside:
		return "outside"
	case ContainmentInside:
		return "inside"
	case ContainmentIntersect:
		return "intersect"
	}
	return "unknown"
}

// ExtractFrustumFromMatrix extracts frustum planes from a view-projection matrix.
// The matrix should be the combined Projection * View matrix in column-major order.
// Uses the Gribb/Hartmann method for plane extraction.
//
// Reference: https://www8.cs.umu.se/kurser/5DV051/HT12/lab/plane_extraction.pdf
//
// Parameters:
//   - viewProj: 16 float32 values representing the view-projection matrix (column-major)
//
// Returns:
//   - Frustum: the extracted frustum with normalized planes
func ExtractFrustumFromMatrix(viewProj []float32) Frustum {
	var f Frustum

	// Column-major: row r of the matrix is (m[r], m[4+r], m[8+r], m[12+r]).
	row := func(r int) [4]float32 {
		return [4]float32{viewProj[r], viewProj[4+r], viewProj[8+r], viewProj[12+r]}
	}
	r0, r1, r2, r3 := row(0), row(1), row(2), row(3)

	combine := func(a, b [4]float32, sign float32) Plane {
		return Plane{
			Normal:   [3]float32{a[0] + sign*b[0], a[1] + sign*b[1], a[2] + sign*b[2]},
			Distance: a[3] + sign*b[3],
		}
	}

	f.Planes[FrustumLeft] = combine(r3, r0, 1)
	f.Planes[FrustumRight] = combine(r3, r0, -1)
	f.Planes[FrustumBottom] = combine(r3, r1, 1)
	f.Planes[FrustumTop] = combine(r3, r1, -1)
	// WebGPU clip depth is [0, 1], so the near plane is row2 alone.
	f.Planes[FrustumNear] = Plane{Normal: [3]float32{r2[0], r2[1], r2[2]}, Distance: r2[3]}
	f.Planes[FrustumFar] = combine(r3, r2, -1)

	for i := range f.Planes {
		f.normalizePlane(i)
	}

	return f
}

// normalizePlane normalizes a frustum plane so that the normal has unit length.
func (f *Frustum) normalizePlane(index int) {
	p := &f.Planes[index]
	length := math32.Sqrt(p.Normal[0]*p.Normal[0] + p.Normal[1]*p.Normal[1] + p.Normal[2]*p.Normal[2])
	if length > 0 {
		invLen := 1.0 / length
		p.Normal[0] *= invLen
		p.Normal[1] *= invLen
		p.Normal[2] *= invLen
		p.Distance *= invLen
	}
}

// Expanded returns a copy of the frustum with every plane pushed outward by tolerance world units.
// Negative tolerances are treated as zero.
//
// Parameters:
//   - tolerance: the outward offset applied to each plane
//
// Returns:
//   - Frustum: the expanded frustum
func (f Frustum) Expanded(tolerance float32) Frustum {
	if tolerance <= 0 {
		return f
	}
	out := f
	for i := range out.Planes {
		out.Planes[i].Distance += tolerance
	}
	return out
}

// ClassifyAABB tests an axis-aligned bounding box against the frustum using the
// positive/negative vertex method.
//
// Parameters:
//   - min: the minimum corner of the box
//   - max: the maximum corner of the box
//
// Returns:
//   - Containment: Outside, Inside, or Intersect
func (f Frustum) ClassifyAABB(min, max [3]float32) Containment {
	result := ContainmentInside
	for _, pl := range f.Planes {
		var pv, nv [3]float32
		for a := range 3 {
			if pl.Normal[a] >= 0 {
				pv[a], nv[a] = max[a], min[a]
			} else {
				pv[a], nv[a] = min[a], max[a]
			}
		}
		if pl.SignedDistance(pv) < 0 {
			return ContainmentOutside
		}
		if pl.SignedDistance(nv) < 0 {
			result = ContainmentIntersect
		}
	}
	return result
}

// IntersectsSphere reports whether a sphere is at least partially inside the frustum.
//
// Parameters:
//   - center: the sphere center
//   - radius: the sphere radius
//
// Returns:
//   - bool: false only when the sphere is fully behind one of the planes
func (f Frustum) IntersectsSphere(center [3]float32, radius float32) bool {
	for _, pl := range f.Planes {
		if pl.SignedDistance(center) < -radius {
			return false
		}
	}
	return true
}
