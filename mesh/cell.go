package mesh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/driftline/geom"
)

// CellType identifies the shape of a cell.
type CellType uint8

const (
	Triangle CellType = iota
	Quad
	Polygon
	Tetra
	Hexahedron
)

func (t CellType) String() string {
	switch t {
	case Triangle:
		return "triangle"
	case Quad:
		return "quad"
	case Polygon:
		return "polygon"
	case Tetra:
		return "tetra"
	case Hexahedron:
		return "hexahedron"
	}
	return fmt.Sprintf("cell(%d)", uint8(t))
}

// Volumetric reports whether cells of this type enclose a volume.
func (t CellType) Volumetric() bool {
	return t == Tetra || t == Hexahedron
}

// Cell is a list of point ids with a shape. Hexahedron points follow the
// usual ordering: bottom face 0-3 counter-clockwise, top face 4-7 above it.
type Cell struct {
	Type     CellType
	PointIDs []int
}

var (
	tetraEdges = [][2]int{{0, 1}, {1, 2}, {2, 0}, {0, 3}, {1, 3}, {2, 3}}
	tetraFaces = [][]int{{0, 1, 3}, {1, 2, 3}, {2, 0, 3}, {0, 2, 1}}

	hexEdges = [][2]int{
		{0, 1}, {1, 2}, {3, 2}, {0, 3},
		{4, 5}, {5, 6}, {7, 6}, {4, 7},
		{0, 4}, {1, 5}, {3, 7}, {2, 6},
	}
	hexFaces = [][]int{
		{0, 4, 7, 3}, {1, 2, 6, 5},
		{0, 1, 5, 4}, {3, 7, 6, 2},
		{0, 3, 2, 1}, {4, 5, 6, 7},
	}
)

// Edges returns the local point index pairs of the cell edges.
func (c Cell) Edges() [][2]int {
	switch c.Type {
	case Tetra:
		return tetraEdges
	case Hexahedron:
		return hexEdges
	}
	n := len(c.PointIDs)
	edges := make([][2]int, n)
	for i := range n {
		edges[i] = [2]int{i, (i + 1) % n}
	}
	return edges
}

// Faces returns the local point index lists of the cell faces. A 2D cell is
// its own single face.
func (c Cell) Faces() [][]int {
	switch c.Type {
	case Tetra:
		return tetraFaces
	case Hexahedron:
		return hexFaces
	}
	face := make([]int, len(c.PointIDs))
	for i := range face {
		face[i] = i
	}
	return [][]int{face}
}

// CellBounds returns the bounding box of a set of points.
func CellBounds(pts []r3.Vec) r3.Box {
	b := geom.EmptyBox()
	for _, p := range pts {
		b = geom.Extend(b, p)
	}
	return b
}

// Length2 returns the squared diagonal of the cell bounding box.
func Length2(pts []r3.Vec) float64 {
	b := CellBounds(pts)
	d := r3.Sub(b.Max, b.Min)
	return r3.Dot(d, d)
}

// Volume returns the volume of a volumetric cell and 0 otherwise.
func Volume(t CellType, pts []r3.Vec) float64 {
	switch t {
	case Tetra:
		return tetraVolume(pts[0], pts[1], pts[2], pts[3])
	case Hexahedron:
		// Five-tetra split of the hexahedron.
		return tetraVolume(pts[0], pts[1], pts[3], pts[4]) +
			tetraVolume(pts[1], pts[2], pts[3], pts[6]) +
			tetraVolume(pts[1], pts[4], pts[5], pts[6]) +
			tetraVolume(pts[3], pts[4], pts[6], pts[7]) +
			tetraVolume(pts[1], pts[3], pts[4], pts[6])
	}
	return 0
}

func tetraVolume(a, b, c, d r3.Vec) float64 {
	return math.Abs(r3.Dot(r3.Sub(b, a), r3.Cross(r3.Sub(c, a), r3.Sub(d, a)))) / 6
}

// Evaluate locates x in a volumetric cell. It returns interpolation weights
// (one per cell point), the parametric coordinates and whether x lies inside
// within tol. 2D cells are never reported as containing a point.
func Evaluate(t CellType, pts []r3.Vec, x r3.Vec, tol float64) ([]float64, r3.Vec, bool) {
	switch t {
	case Tetra:
		return evaluateTetra(pts, x, tol)
	case Hexahedron:
		return evaluateHexahedron(pts, x, tol)
	}
	return nil, r3.Vec{}, false
}

// parametricTolerance converts a distance tolerance into parametric units.
func parametricTolerance(pts []r3.Vec, tol float64) float64 {
	const base = 1e-9
	l2 := Length2(pts)
	if tol <= 0 || l2 == 0 {
		return base
	}
	return base + tol/math.Sqrt(l2)
}

func evaluateTetra(pts []r3.Vec, x r3.Vec, tol float64) ([]float64, r3.Vec, bool) {
	v0 := r3.Sub(pts[1], pts[0])
	v1 := r3.Sub(pts[2], pts[0])
	v2 := r3.Sub(pts[3], pts[0])
	vp := r3.Sub(x, pts[0])

	det := r3.Dot(v0, r3.Cross(v1, v2))
	if det == 0 {
		return nil, r3.Vec{}, false
	}
	b1 := r3.Dot(vp, r3.Cross(v1, v2)) / det
	b2 := r3.Dot(v0, r3.Cross(vp, v2)) / det
	b3 := r3.Dot(v0, r3.Cross(v1, vp)) / det
	b0 := 1 - b1 - b2 - b3

	w := []float64{b0, b1, b2, b3}
	ptol := parametricTolerance(pts, tol)
	for _, b := range w {
		if b < -ptol || b > 1+ptol {
			return w, r3.Vec{X: b1, Y: b2, Z: b3}, false
		}
	}
	return w, r3.Vec{X: b1, Y: b2, Z: b3}, true
}

const (
	hexMaxIterations = 20
	hexConvergence   = 1e-10
	hexDivergence    = 1e6
)

// hexWeights are the trilinear shape functions at (r,s,t).
func hexWeights(r, s, t float64) []float64 {
	rm, sm, tm := 1-r, 1-s, 1-t
	return []float64{
		rm * sm * tm, r * sm * tm, r * s * tm, rm * s * tm,
		rm * sm * t, r * sm * t, r * s * t, rm * s * t,
	}
}

// hexDerivatives returns the shape function derivatives with respect to r,
// s and t, eight values each.
func hexDerivatives(r, s, t float64) (dr, ds, dt [8]float64) {
	rm, sm, tm := 1-r, 1-s, 1-t
	dr = [8]float64{-sm * tm, sm * tm, s * tm, -s * tm, -sm * t, sm * t, s * t, -s * t}
	ds = [8]float64{-rm * tm, -r * tm, r * tm, rm * tm, -rm * t, -r * t, r * t, rm * t}
	dt = [8]float64{-rm * sm, -r * sm, -r * s, -rm * s, rm * sm, r * sm, r * s, rm * s}
	return dr, ds, dt
}

// evaluateHexahedron inverts the trilinear map with Newton iterations.
func evaluateHexahedron(pts []r3.Vec, x r3.Vec, tol float64) ([]float64, r3.Vec, bool) {
	pc := r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}
	jac := mat.NewDense(3, 3, nil)
	rhs := mat.NewVecDense(3, nil)
	var delta mat.VecDense

	converged := false
	for range hexMaxIterations {
		w := hexWeights(pc.X, pc.Y, pc.Z)
		dr, ds, dt := hexDerivatives(pc.X, pc.Y, pc.Z)

		var f, cr, cs, ct r3.Vec
		for i, p := range pts[:8] {
			f = r3.Add(f, r3.Scale(w[i], p))
			cr = r3.Add(cr, r3.Scale(dr[i], p))
			cs = r3.Add(cs, r3.Scale(ds[i], p))
			ct = r3.Add(ct, r3.Scale(dt[i], p))
		}
		f = r3.Sub(f, x)

		for row, v := range [3][3]float64{
			{cr.X, cs.X, ct.X},
			{cr.Y, cs.Y, ct.Y},
			{cr.Z, cs.Z, ct.Z},
		} {
			jac.SetRow(row, v[:])
		}
		rhs.SetVec(0, f.X)
		rhs.SetVec(1, f.Y)
		rhs.SetVec(2, f.Z)

		if err := delta.SolveVec(jac, rhs); err != nil {
			return nil, r3.Vec{}, false
		}
		pc = r3.Sub(pc, r3.Vec{X: delta.AtVec(0), Y: delta.AtVec(1), Z: delta.AtVec(2)})

		if math.Abs(pc.X) > hexDivergence || math.Abs(pc.Y) > hexDivergence || math.Abs(pc.Z) > hexDivergence {
			return nil, r3.Vec{}, false
		}
		if mat.Norm(&delta, math.Inf(1)) < hexConvergence {
			converged = true
			break
		}
	}
	if !converged {
		return nil, r3.Vec{}, false
	}

	w := hexWeights(pc.X, pc.Y, pc.Z)
	ptol := parametricTolerance(pts, tol)
	inside := pc.X >= -ptol && pc.X <= 1+ptol &&
		pc.Y >= -ptol && pc.Y <= 1+ptol &&
		pc.Z >= -ptol && pc.Z <= 1+ptol
	return w, pc, inside
}
