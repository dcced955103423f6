package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Hit is the result of a segment/cell intersection. T is the fraction of the
// segment [p1,p2] at which X lies.
type Hit struct {
	T float64
	X r3.Vec
}

// IntersectTriangle intersects segment [p1,p2] with triangle (a,b,c).
// tol is a distance tolerance applied to the in-triangle test.
func IntersectTriangle(p1, p2, a, b, c r3.Vec, tol float64) (Hit, bool) {
	e1 := r3.Sub(b, a)
	e2 := r3.Sub(c, a)
	n := r3.Cross(e1, e2)
	area2 := r3.Norm(n)
	if area2 == 0 {
		return Hit{}, false
	}
	n = r3.Scale(1/area2, n)

	d := r3.Sub(p2, p1)
	den := r3.Dot(n, d)
	if den == 0 {
		return Hit{}, false
	}
	t := r3.Dot(n, r3.Sub(a, p1)) / den
	if t < 0 || t > 1 {
		return Hit{}, false
	}
	x := r3.Add(p1, r3.Scale(t, d))

	// Barycentric coordinates of x, with the tolerance expressed relative
	// to the triangle size.
	rel := 0.0
	if tol > 0 {
		rel = tol / math.Sqrt(area2)
	}
	w := r3.Sub(x, a)
	d00 := r3.Dot(e1, e1)
	d01 := r3.Dot(e1, e2)
	d11 := r3.Dot(e2, e2)
	d20 := r3.Dot(w, e1)
	d21 := r3.Dot(w, e2)
	det := d00*d11 - d01*d01
	if det == 0 {
		return Hit{}, false
	}
	v := (d11*d20 - d01*d21) / det
	u := (d00*d21 - d01*d20) / det
	if v < -rel || u < -rel || u+v > 1+rel {
		return Hit{}, false
	}
	return Hit{T: t, X: x}, true
}

// IntersectPolygon intersects segment [p1,p2] with a planar polygon by fan
// triangulation and returns the hit closest to p1.
func IntersectPolygon(p1, p2 r3.Vec, pts []r3.Vec, tol float64) (Hit, bool) {
	if len(pts) < 3 {
		return Hit{}, false
	}
	best := Hit{T: math.Inf(1)}
	found := false
	for i := 1; i+1 < len(pts); i++ {
		h, ok := IntersectTriangle(p1, p2, pts[0], pts[i], pts[i+1], tol)
		if ok && h.T < best.T {
			best = h
			found = true
		}
	}
	return best, found
}

// PolygonNormal returns the unit normal of a polygon using Newell's method,
// so slightly non-planar polygons still get a stable average normal.
func PolygonNormal(pts []r3.Vec) r3.Vec {
	var n r3.Vec
	for i := range pts {
		cur := pts[i]
		nxt := pts[(i+1)%len(pts)]
		n.X += (cur.Y - nxt.Y) * (cur.Z + nxt.Z)
		n.Y += (cur.Z - nxt.Z) * (cur.X + nxt.X)
		n.Z += (cur.X - nxt.X) * (cur.Y + nxt.Y)
	}
	return SafeUnit(n)
}

// PolygonArea returns the area of a planar polygon.
func PolygonArea(pts []r3.Vec) float64 {
	if len(pts) < 3 {
		return 0
	}
	var sum r3.Vec
	for i := 1; i+1 < len(pts); i++ {
		sum = r3.Add(sum, r3.Cross(r3.Sub(pts[i], pts[0]), r3.Sub(pts[i+1], pts[0])))
	}
	return 0.5 * r3.Norm(sum)
}

// Reflect mirrors v across the plane with unit normal n: v - 2(v.n)n.
func Reflect(v, n r3.Vec) r3.Vec {
	return r3.Sub(v, r3.Scale(2*r3.Dot(v, n), n))
}

// SafeUnit is r3.Unit that maps the zero vector to itself instead of NaN.
func SafeUnit(v r3.Vec) r3.Vec {
	l := r3.Norm(v)
	if l == 0 {
		return r3.Vec{}
	}
	return r3.Scale(1/l, v)
}

// Equal reports whether a and b coincide within machine epsilon per axis.
func Equal(a, b r3.Vec) bool {
	const eps = 2.220446049250313e-16
	return math.Abs(a.X-b.X) < eps && math.Abs(a.Y-b.Y) < eps && math.Abs(a.Z-b.Z) < eps
}

// BoxContains reports whether p lies in the closed box b grown by tol.
func BoxContains(b r3.Box, p r3.Vec, tol float64) bool {
	return p.X >= b.Min.X-tol && p.X <= b.Max.X+tol &&
		p.Y >= b.Min.Y-tol && p.Y <= b.Max.Y+tol &&
		p.Z >= b.Min.Z-tol && p.Z <= b.Max.Z+tol
}

// EmptyBox returns an inverted box that any Extend call will overwrite.
func EmptyBox() r3.Box {
	inf := math.Inf(1)
	return r3.Box{
		Min: r3.Vec{X: inf, Y: inf, Z: inf},
		Max: r3.Vec{X: -inf, Y: -inf, Z: -inf},
	}
}

// Extend grows b to include p.
func Extend(b r3.Box, p r3.Vec) r3.Box {
	b.Min = r3.Vec{X: math.Min(b.Min.X, p.X), Y: math.Min(b.Min.Y, p.Y), Z: math.Min(b.Min.Z, p.Z)}
	b.Max = r3.Vec{X: math.Max(b.Max.X, p.X), Y: math.Max(b.Max.Y, p.Y), Z: math.Max(b.Max.Z, p.Z)}
	return b
}

// IsEmptyBox reports whether b was never extended.
func IsEmptyBox(b r3.Box) bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

// BoxesOverlap reports whether two closed boxes intersect, with tolerance.
func BoxesOverlap(a, b r3.Box, tol float64) bool {
	return a.Min.X <= b.Max.X+tol && b.Min.X <= a.Max.X+tol &&
		a.Min.Y <= b.Max.Y+tol && b.Min.Y <= a.Max.Y+tol &&
		a.Min.Z <= b.Max.Z+tol && b.Min.Z <= a.Max.Z+tol
}
