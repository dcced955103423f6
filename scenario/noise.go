package scenario

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r3"
)

// lattice is a seeded gradient noise field on the unit integer lattice.
type lattice struct {
	perm [512]uint8
}

func newLattice(seed uint64) *lattice {
	l := &lattice{}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i, v := range rng.Perm(256) {
		l.perm[i] = uint8(v)
		l.perm[i+256] = uint8(v)
	}
	return l
}

// at samples the field at p. The result lies roughly in [-1, 1] and is
// zero on lattice points.
func (l *lattice) at(p r3.Vec) float64 {
	fx, fy, fz := math.Floor(p.X), math.Floor(p.Y), math.Floor(p.Z)
	x, y, z := p.X-fx, p.Y-fy, p.Z-fz
	ix, iy, iz := int(fx)&255, int(fy)&255, int(fz)&255

	h := func(i, j, k int) int {
		return int(l.perm[int(l.perm[int(l.perm[ix+i])+iy+j])+iz+k])
	}
	u, v, w := smooth(x), smooth(y), smooth(z)

	var face [2]float64
	for k := range 2 {
		var edge [2]float64
		for j := range 2 {
			a := slope(h(0, j, k), x, y-float64(j), z-float64(k))
			b := slope(h(1, j, k), x-1, y-float64(j), z-float64(k))
			edge[j] = a + u*(b-a)
		}
		face[k] = edge[0] + v*(edge[1]-edge[0])
	}
	return face[0] + w*(face[1]-face[0])
}

func smooth(t float64) float64 {
	return t * t * t * (t*(t*6-15) + 10)
}

// slope dots one of twelve edge gradients with (x, y, z).
func slope(hash int, x, y, z float64) float64 {
	a, b := x, y
	switch hash & 15 {
	case 4, 5, 6, 7, 8, 9, 10, 11, 13, 15:
		a, b = x, z
		if hash&15 >= 8 {
			a, b = y, z
		}
	case 12, 14:
		a, b = y, x
	}
	if hash&1 != 0 {
		a = -a
	}
	if hash&2 != 0 {
		b = -b
	}
	return a + b
}

// turbulence perturbs u with three decorrelated noise samples scaled by
// amp times |u|.
func (l *lattice) turbulence(p r3.Vec, scale, amp float64, u r3.Vec) r3.Vec {
	q := r3.Scale(scale, p)
	d := r3.Vec{
		X: l.at(q),
		Y: l.at(r3.Add(q, r3.Vec{X: 31.4, Y: 7.1, Z: 2.7})),
		Z: l.at(r3.Add(q, r3.Vec{X: 11.9, Y: 53.2, Z: 17.3})),
	}
	return r3.Add(u, r3.Scale(amp*r3.Norm(u), d))
}
