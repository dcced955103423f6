package mesh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/driftline/geom"
)

// Hit is a successful point location.
type Hit struct {
	CellID  int
	Weights []float64
	PCoords r3.Vec
}

// Locator maps points to the cells of one dataset. Implementations must be
// safe for concurrent reads once built.
type Locator interface {
	// FindCell returns the volumetric cell containing x.
	FindCell(x r3.Vec, tol float64) (Hit, bool)
	// FindCellsAlongLine returns candidate cells whose bounds meet the
	// segment [p1,p2]. Candidates still need an exact intersection test.
	FindCellsAlongLine(p1, p2 r3.Vec, tol float64) []int
}

// LocatorBuilder builds a locator over a dataset.
type LocatorBuilder func(ds *Dataset) (Locator, error)

// Grid resolution: a bin holds a handful of cells.
const (
	targetCellsPerBin = 4
	maxBinsPerAxis    = 64
)

// GridLocator buckets cell bounding boxes into a uniform grid over the
// dataset bounds.
type GridLocator struct {
	ds      *Dataset
	bounds  r3.Box
	binSize r3.Vec
	dims    [3]int
	bins    [][]int32
	cellBox []r3.Box
	cellPts [][]r3.Vec
}

// BuildGridLocator is the default LocatorBuilder.
func BuildGridLocator(ds *Dataset) (Locator, error) {
	return NewGridLocator(ds)
}

// NewGridLocator builds a grid over all cells of ds.
func NewGridLocator(ds *Dataset) (*GridLocator, error) {
	if len(ds.Cells) == 0 {
		return nil, ErrEmptyDataset
	}
	for i, c := range ds.Cells {
		for _, pid := range c.PointIDs {
			if pid < 0 || pid >= len(ds.Points) {
				return nil, fmt.Errorf("mesh: cell %d references point %d of %d", i, pid, len(ds.Points))
			}
		}
	}

	g := &GridLocator{
		ds:      ds,
		bounds:  ds.Bounds(),
		cellBox: make([]r3.Box, len(ds.Cells)),
		cellPts: make([][]r3.Vec, len(ds.Cells)),
	}
	for i := range ds.Cells {
		g.cellPts[i] = ds.CellPoints(i)
		g.cellBox[i] = CellBounds(g.cellPts[i])
	}

	per := math.Cbrt(float64(len(ds.Cells)) / targetCellsPerBin)
	n := min(max(int(math.Ceil(per)), 1), maxBinsPerAxis)
	ext := r3.Sub(g.bounds.Max, g.bounds.Min)
	for axis, e := range [3]float64{ext.X, ext.Y, ext.Z} {
		if e > 0 {
			g.dims[axis] = n
		} else {
			g.dims[axis] = 1
		}
	}
	g.binSize = r3.Vec{
		X: binWidth(ext.X, g.dims[0]),
		Y: binWidth(ext.Y, g.dims[1]),
		Z: binWidth(ext.Z, g.dims[2]),
	}

	g.bins = make([][]int32, g.dims[0]*g.dims[1]*g.dims[2])
	for id, b := range g.cellBox {
		lo := g.binCoords(b.Min)
		hi := g.binCoords(b.Max)
		for k := lo[2]; k <= hi[2]; k++ {
			for j := lo[1]; j <= hi[1]; j++ {
				for i := lo[0]; i <= hi[0]; i++ {
					idx := g.index(i, j, k)
					g.bins[idx] = append(g.bins[idx], int32(id))
				}
			}
		}
	}
	return g, nil
}

func binWidth(extent float64, n int) float64 {
	if extent <= 0 {
		return 1
	}
	return extent / float64(n)
}

// binCoords returns the clamped bin coordinates of p.
func (g *GridLocator) binCoords(p r3.Vec) [3]int {
	rel := r3.Sub(p, g.bounds.Min)
	c := [3]int{
		int(math.Floor(rel.X / g.binSize.X)),
		int(math.Floor(rel.Y / g.binSize.Y)),
		int(math.Floor(rel.Z / g.binSize.Z)),
	}
	for axis := range c {
		c[axis] = min(max(c[axis], 0), g.dims[axis]-1)
	}
	return c
}

func (g *GridLocator) index(i, j, k int) int {
	return (k*g.dims[1]+j)*g.dims[0] + i
}

// FindCell implements Locator.
func (g *GridLocator) FindCell(x r3.Vec, tol float64) (Hit, bool) {
	if !geom.BoxContains(g.bounds, x, tol) {
		return Hit{}, false
	}
	c := g.binCoords(x)
	for _, id := range g.bins[g.index(c[0], c[1], c[2])] {
		if !geom.BoxContains(g.cellBox[id], x, tol) {
			continue
		}
		cell := g.ds.Cells[id]
		if !cell.Type.Volumetric() {
			continue
		}
		w, pc, ok := Evaluate(cell.Type, g.cellPts[id], x, tol)
		if ok {
			return Hit{CellID: int(id), Weights: w, PCoords: pc}, true
		}
	}
	return Hit{}, false
}

// FindCellsAlongLine implements Locator.
func (g *GridLocator) FindCellsAlongLine(p1, p2 r3.Vec, tol float64) []int {
	seg := geom.Extend(geom.Extend(geom.EmptyBox(), p1), p2)
	if !geom.BoxesOverlap(g.bounds, seg, tol) {
		return nil
	}
	lo := g.binCoords(r3.Sub(seg.Min, r3.Vec{X: tol, Y: tol, Z: tol}))
	hi := g.binCoords(r3.Add(seg.Max, r3.Vec{X: tol, Y: tol, Z: tol}))

	var out []int
	seen := make(map[int32]struct{})
	for k := lo[2]; k <= hi[2]; k++ {
		for j := lo[1]; j <= hi[1]; j++ {
			for i := lo[0]; i <= hi[0]; i++ {
				for _, id := range g.bins[g.index(i, j, k)] {
					if _, dup := seen[id]; dup {
						continue
					}
					seen[id] = struct{}{}
					if geom.BoxesOverlap(g.cellBox[id], seg, tol) {
						out = append(out, int(id))
					}
				}
			}
		}
	}
	return out
}

// Bounds returns the bounds of the indexed dataset.
func (g *GridLocator) Bounds() r3.Box {
	return g.bounds
}
