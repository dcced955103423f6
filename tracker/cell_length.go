package tracker

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/driftline/geom"
	"github.com/pthm-cable/driftline/mesh"
	"github.com/pthm-cable/driftline/particle"
)

// cellLength estimates the length of the cell p is moving through. It
// reports false when p cannot be located in any flow dataset.
func (t *Tracker) cellLength(p *particle.Particle) (float64, bool) {
	var ds *mesh.Dataset
	cellID := -1

	c := p.LastCell
	if t.cfg.CellLength.lastCell() && c.Dataset >= 0 && c.Dataset < t.model.NumberOfFlows() &&
		c.CellID >= 0 && c.CellID < len(t.model.Flow(c.Dataset).Cells) {
		ds, cellID = t.model.Flow(c.Dataset), c.CellID
	} else {
		loc, ok := t.model.FindInLocators(p.Position(), p)
		if !ok {
			return 0, false
		}
		ds, cellID = loc.DS, loc.CellID
	}

	cell := ds.Cells[cellID]
	pts := ds.CellPoints(cellID)
	diag := math.Sqrt(mesh.Length2(pts))
	dir := geom.SafeUnit(p.Velocity())
	if dir == (r3.Vec{}) {
		return diag, true
	}

	switch t.cfg.CellLength {
	case LastCellVelocityDirection, CurrentCellVelocityDirection:
		return velocityDirectionLength(cell, pts, dir), true
	case LastCellDivergenceTheorem, CurrentCellDivergenceTheorem:
		if l, ok := divergenceTheoremLength(cell, pts, dir); ok {
			return l, true
		}
	}
	return diag, true
}

// velocityDirectionLength is the longest projection of a cell edge on dir.
func velocityDirectionLength(cell mesh.Cell, pts []r3.Vec, dir r3.Vec) float64 {
	var l float64
	for _, e := range cell.Edges() {
		l = max(l, math.Abs(r3.Dot(r3.Sub(pts[e[1]], pts[e[0]]), dir)))
	}
	return l
}

// divergenceTheoremLength estimates the extent of the cell along dir as
// 2V / sum(|A_f n_f . dir|). The projected faces cover the cross-section
// twice.
func divergenceTheoremLength(cell mesh.Cell, pts []r3.Vec, dir r3.Vec) (float64, bool) {
	vol := mesh.Volume(cell.Type, pts)
	if vol == 0 {
		return 0, false
	}
	var sum float64
	fp := make([]r3.Vec, 0, 4)
	for _, face := range cell.Faces() {
		fp = fp[:0]
		for _, li := range face {
			fp = append(fp, pts[li])
		}
		sum += math.Abs(geom.PolygonArea(fp) * r3.Dot(geom.PolygonNormal(fp), dir))
	}
	if sum == 0 {
		return 0, false
	}
	return 2 * vol / sum, true
}
