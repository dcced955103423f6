// Package geom provides the geometric primitives used by surface interaction:
// ray/patch intersection for non-planar quads and segment intersection for
// planar polygons.
package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// RayEpsilon bounds the parametric interval accepted by RayIntersection.
const RayEpsilon = 1e-12

// BilinearQuad is a possibly non-planar quad patch
//
//	P(u,v) = (1-u)(1-v)P00 + (1-u)v P01 + u(1-v)P10 + uv P11
//
// with u, v in [0,1].
type BilinearQuad struct {
	P00, P01, P10, P11 r3.Vec
}

// QuadFromCell builds the patch from the four points of a quad cell given in
// cell order (0,1,2,3).
func QuadFromCell(p0, p1, p2, p3 r3.Vec) BilinearQuad {
	return BilinearQuad{P00: p0, P01: p3, P10: p1, P11: p2}
}

// ComputeCartesianCoordinates returns the point of the patch at (u,v).
func (q *BilinearQuad) ComputeCartesianCoordinates(u, v float64) r3.Vec {
	return r3.Vec{
		X: (1-u)*(1-v)*q.P00.X + (1-u)*v*q.P01.X + u*(1-v)*q.P10.X + u*v*q.P11.X,
		Y: (1-u)*(1-v)*q.P00.Y + (1-u)*v*q.P01.Y + u*(1-v)*q.P10.Y + u*v*q.P11.Y,
		Z: (1-u)*(1-v)*q.P00.Z + (1-u)*v*q.P01.Z + u*(1-v)*q.P10.Z + u*v*q.P11.Z,
	}
}

// RayIntersection intersects the ray origin + t*dir with the patch.
// On success the returned vector holds (u, v, t). When two roots are valid the
// one with the smaller non-negative t is returned.
func (q *BilinearQuad) RayIntersection(origin, dir r3.Vec) (r3.Vec, bool) {
	// Work on a rotated copy so that the z component of the direction is
	// never zero; the rotation is a cyclic axis permutation so (u,v,t) are
	// unchanged.
	quad := *q
	r, d := origin, dir
	for i := 0; i < 3 && d.Z == 0; i++ {
		r, d = rotate(r), rotate(d)
		quad.P00 = rotate(quad.P00)
		quad.P01 = rotate(quad.P01)
		quad.P10 = rotate(quad.P10)
		quad.P11 = rotate(quad.P11)
	}
	if d.Z == 0 {
		return r3.Vec{}, false
	}

	a := r3.Add(r3.Sub(quad.P11, quad.P10), r3.Sub(quad.P00, quad.P01))
	b := r3.Sub(quad.P10, quad.P00)
	c := r3.Sub(quad.P01, quad.P00)
	e := r3.Sub(quad.P00, r)

	co := coefficients{
		a1: a.X*d.Z - a.Z*d.X,
		a2: a.Y*d.Z - a.Z*d.Y,
		b1: b.X*d.Z - b.Z*d.X,
		b2: b.Y*d.Z - b.Z*d.Y,
		c1: c.X*d.Z - c.Z*d.X,
		c2: c.Y*d.Z - c.Z*d.Y,
		d1: e.X*d.Z - e.Z*d.X,
		d2: e.Y*d.Z - e.Z*d.Y,
	}

	qa := co.a2*co.c1 - co.a1*co.c2
	qb := co.a2*co.d1 - co.a1*co.d2 + co.b2*co.c1 - co.b1*co.c2
	qc := co.b2*co.d1 - co.b1*co.d2

	roots := QuadraticRoots(qa, qb, qc, -RayEpsilon, 1+RayEpsilon)

	best := r3.Vec{X: -2, Y: -2, Z: -2}
	found := false
	for _, v := range roots {
		u := co.u(v)
		if u < -RayEpsilon || u > 1+RayEpsilon {
			continue
		}
		t := rayParameter(r, d, quad.ComputeCartesianCoordinates(u, v))
		if t < 0 {
			continue
		}
		if !found || t < best.Z {
			best = r3.Vec{X: u, Y: v, Z: t}
			found = true
		}
	}
	return best, found
}

// coefficients of the two plane equations obtained by eliminating t.
type coefficients struct {
	a1, a2, b1, b2, c1, c2, d1, d2 float64
}

// u back-substitutes v using whichever of the two equivalent expressions has
// the larger denominator.
func (co coefficients) u(v float64) float64 {
	den1 := v*co.a2 + co.b2
	den2 := v*(co.a2-co.a1) + co.b2 - co.b1
	if math.Abs(den2) >= math.Abs(den1) {
		return (v*(co.c1-co.c2) + co.d1 - co.d2) / den2
	}
	return (-v*co.c2 - co.d2) / den1
}

// rayParameter recovers t for point p on the ray using the dominant axis of dir.
func rayParameter(origin, dir, p r3.Vec) float64 {
	ax, ay, az := math.Abs(dir.X), math.Abs(dir.Y), math.Abs(dir.Z)
	switch {
	case ax >= ay && ax >= az:
		return (p.X - origin.X) / dir.X
	case ay >= az:
		return (p.Y - origin.Y) / dir.Y
	default:
		return (p.Z - origin.Z) / dir.Z
	}
}

// rotate cyclically permutes the axes: (x,y,z) -> (y,z,x).
func rotate(v r3.Vec) r3.Vec {
	return r3.Vec{X: v.Y, Y: v.Z, Z: v.X}
}

// QuadraticRoots returns the real roots of a*x^2 + b*x + c that fall strictly
// inside (lo, hi). Degenerate (linear) equations are handled.
func QuadraticRoots(a, b, c, lo, hi float64) []float64 {
	in := func(x float64) bool { return x > lo && x < hi }
	roots := make([]float64, 0, 2)

	if a == 0 {
		if b == 0 {
			return roots
		}
		if x := -c / b; in(x) {
			roots = append(roots, x)
		}
		return roots
	}

	disc := b*b - 4*a*c
	switch {
	case disc < 0:
		return roots
	case disc == 0:
		if x := -b / (2 * a); in(x) {
			roots = append(roots, x)
		}
		return roots
	}

	// Numerically stable form, avoids cancellation between b and sqrt(disc).
	qq := -0.5 * (b + math.Copysign(math.Sqrt(disc), b))
	for _, x := range [2]float64{c / qq, qq / a} {
		if in(x) {
			roots = append(roots, x)
		}
	}
	return roots
}
