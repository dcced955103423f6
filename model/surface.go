package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/driftline/geom"
	"github.com/pthm-cable/driftline/mesh"
	"github.com/pthm-cable/driftline/particle"
)

// Surface type codes read from the SurfaceType slot.
const (
	SurfaceModel     = 0
	SurfaceTerminate = 1
	SurfaceBounce    = 2
	SurfaceBreak     = 3
	SurfacePass      = 4
	SurfaceUser      = 100
)

// Contact is an interaction record: a clone of the particle whose next
// state sits on the surface.
type Contact struct {
	Particle *particle.Particle
	Surface  int
}

// SurfaceOutcome is the result of ComputeSurfaceInteraction.
type SurfaceOutcome struct {
	// Interaction is nil when the step crossed no interacting surface.
	Interaction  *Contact
	PassThrough  []Contact
	Perforations int
}

type surfaceHit struct {
	surface int
	cellID  int
	t       float64
	code    int
}

// ComputeSurfaceInteraction checks the step [current, next] of p against
// every surface and applies the nearest interaction. Particles spawned by a
// break are pushed to q.
//
// Pass-through hits are reported only when they come strictly before the
// primary hit. If the primary hit is on the surface cell p last interacted
// with and the step direction flips side relative to the previous step, the
// step is mirrored back across the surface and the search restarts.
func (m *Model) ComputeSurfaceInteraction(p *particle.Particle, q Queue) (SurfaceOutcome, error) {
	var out SurfaceOutcome
	if len(m.surfaces) == 0 {
		return out, nil
	}

	for {
		best := surfaceHit{surface: -1, t: math.Inf(1)}
		var passes []surfaceHit

		cur, next := p.Position(), p.NextPosition()
		for si := range m.surfaces {
			s := &m.surfaces[si]
			for _, cellID := range s.loc.FindCellsAlongLine(cur, next, m.opts.Tolerance) {
				t, _, ok := m.IntersectWithLine(cur, next, s.ds, cellID)
				if !ok {
					continue
				}
				code, err := m.surfaceType(s.ds, cellID)
				if err != nil {
					return out, err
				}
				hit := surfaceHit{surface: si, cellID: cellID, t: t, code: code}
				if code == SurfacePass {
					passes = append(passes, hit)
					continue
				}
				if t < best.t {
					best = hit
				}
			}
		}

		if best.surface >= 0 && m.perforated(p, best) {
			out.Perforations++
			continue
		}

		for _, h := range passes {
			if h.t >= best.t {
				continue
			}
			c := p.Clone()
			c.Interaction = particle.InteractionPass
			c.LastSurface = particle.SurfaceCache{Surface: h.surface, CellID: h.cellID}
			m.InterpolateNext(c, h.t, false)
			out.PassThrough = append(out.PassThrough, Contact{Particle: c, Surface: m.surfaces[h.surface].index})
		}

		if best.surface < 0 {
			return out, nil
		}

		m.InterpolateNext(p, best.t, true)
		interacted, err := m.dispatch(p, best, q)
		if err != nil {
			return out, err
		}
		if interacted {
			out.Interaction = &Contact{Particle: p.Clone(), Surface: m.surfaces[best.surface].index}
		}
		return out, nil
	}
}

// perforated detects a step that crosses back through the surface cell the
// particle last interacted with. The next state is mirrored across the
// surface when it does.
func (m *Model) perforated(p *particle.Particle, h surfaceHit) bool {
	if p.LastSurface.Surface != h.surface || p.LastSurface.CellID != h.cellID {
		return false
	}
	s := m.surfaces[h.surface]
	n := geom.PolygonNormal(s.ds.CellPoints(h.cellID))

	cur := p.Position()
	prevToCur := r3.Sub(cur, p.PrevPosition())
	curToNext := r3.Sub(p.NextPosition(), cur)
	prevDot := r3.Dot(prevToCur, n)
	dot := r3.Dot(curToNext, n)
	if prevDot == 0 || dot == 0 || prevDot*dot > 0 {
		return false
	}

	p.SetNextPosition(r3.Sub(p.NextPosition(), r3.Scale(2*dot, n)))
	p.SetNextVelocity(geom.Reflect(p.NextVelocity(), n))
	return true
}

func (m *Model) surfaceType(ds *mesh.Dataset, cellID int) (int, error) {
	v, err := m.FlowOrSurfaceData(SlotSurfaceType, ds, cellID, nil)
	if err != nil {
		return 0, err
	}
	return int(math.Round(v[0])), nil
}

func (m *Model) dispatch(p *particle.Particle, h surfaceHit, q Queue) (bool, error) {
	s := m.surfaces[h.surface]
	n := geom.PolygonNormal(s.ds.CellPoints(h.cellID))
	p.LastSurface = particle.SurfaceCache{Surface: h.surface, CellID: h.cellID}

	switch {
	case h.code == SurfaceTerminate:
		terminate(p)
		return true, nil
	case h.code == SurfaceBounce:
		p.Interaction = particle.InteractionBounce
		p.SetNextVelocity(geom.Reflect(p.NextVelocity(), n))
		return true, nil
	case h.code == SurfaceBreak:
		return true, m.breakParticle(p, n, q)
	case h.code == SurfaceModel || h.code >= SurfaceUser:
		si, ok := m.physics.(SurfaceInteractor)
		if !ok {
			if h.code == SurfaceModel {
				terminate(p)
				return true, nil
			}
			m.log.Warn("unhandled surface type", "code", h.code, "surface", s.index, "cell", h.cellID)
			return false, nil
		}
		return si.InteractWithSurface(SurfaceHit{
			Code:     h.code,
			Particle: p,
			Surface:  s.index,
			Dataset:  s.ds,
			CellID:   h.cellID,
			Normal:   n,
		}, q)
	}
	m.log.Warn("unrecognized surface type", "code", h.code, "surface", s.index, "cell", h.cellID)
	return false, nil
}

func terminate(p *particle.Particle) {
	p.Termination = particle.SurfTerminated
	p.Interaction = particle.InteractionTerminated
}

// breakParticle terminates p and spawns two children leaving the surface at
// the reflected velocity plus and minus n x v, both at the original speed.
func (m *Model) breakParticle(p *particle.Particle, n r3.Vec, q Queue) error {
	if m.opts.IDs == nil {
		return ErrNoIDSource
	}
	if q == nil {
		return fmt.Errorf("model: break on surface %d with no queue", p.LastSurface.Surface)
	}
	p.Termination = particle.SurfBreak
	p.Interaction = particle.InteractionBreak

	v := p.NextVelocity()
	speed := r3.Norm(v)
	reflected := geom.Reflect(v, n)
	cross := r3.Cross(n, v)

	children := make([]*particle.Particle, 2)
	for i, dir := range [2]r3.Vec{r3.Add(reflected, cross), r3.Sub(reflected, cross)} {
		c := p.Spawn(m.opts.IDs.NextID())
		c.SetVelocity(r3.Scale(speed, geom.SafeUnit(dir)))
		children[i] = c
	}
	q.PushBatch(children...)
	return nil
}

// IntersectWithLine intersects segment [p1,p2] with a surface cell and
// returns the fraction t of the segment at the hit and the hit point. Quads
// go through the bilinear patch solver when non-planar support is on.
func (m *Model) IntersectWithLine(p1, p2 r3.Vec, ds *mesh.Dataset, cellID int) (float64, r3.Vec, bool) {
	cell := ds.Cells[cellID]
	pts := ds.CellPoints(cellID)

	if m.opts.NonPlanarQuadSupport && cell.Type == mesh.Quad && len(pts) == 4 {
		d := r3.Sub(p2, p1)
		l := r3.Norm(d)
		if l == 0 {
			return 0, r3.Vec{}, false
		}
		q := geom.QuadFromCell(pts[0], pts[1], pts[2], pts[3])
		uvt, ok := q.RayIntersection(p1, r3.Scale(1/l, d))
		if !ok {
			return 0, r3.Vec{}, false
		}
		t := uvt.Z / l
		if t < 0 || t > 1 {
			return 0, r3.Vec{}, false
		}
		return t, q.ComputeCartesianCoordinates(uvt.X, uvt.Y), true
	}

	if !cell.Type.Volumetric() {
		h, ok := geom.IntersectPolygon(p1, p2, pts, m.opts.Tolerance)
		return h.T, h.X, ok
	}

	best := geom.Hit{T: math.Inf(1)}
	found := false
	for _, face := range cell.Faces() {
		fp := make([]r3.Vec, len(face))
		for i, li := range face {
			fp[i] = pts[li]
		}
		if h, ok := geom.IntersectPolygon(p1, p2, fp, m.opts.Tolerance); ok && h.T < best.T {
			best, found = h, true
		}
	}
	return best.T, best.X, found
}

// InterpolateNext moves the next state of p to the fraction factor of the
// step. With forceInside the factor is shrunk by the tolerance so the new
// next position stays strictly before the surface.
func (m *Model) InterpolateNext(p *particle.Particle, factor float64, forceInside bool) {
	if forceInside && factor > 0 {
		if mag := p.Displacement(); mag > 0 {
			factor *= (mag - m.opts.Tolerance/factor) / mag
			factor = max(factor, 0)
		}
	}
	cur, next := p.Current(), p.Next()
	for i := range next {
		next[i] = cur[i] + (next[i]-cur[i])*factor
	}
	p.StepTime *= factor
}
