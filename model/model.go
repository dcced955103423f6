// Package model is the integration model: it owns the registered flow and
// surface datasets, binds named arrays to semantic slots, evaluates the
// particle equations of motion and resolves surface interactions.
//
// A Model is configured once (AddDataset, SetInputArrayToProcess) and is
// read-only afterwards, so it can serve any number of concurrent workers.
// All per-particle caches live on the particle.
package model

import (
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/driftline/geom"
	"github.com/pthm-cable/driftline/mesh"
	"github.com/pthm-cable/driftline/particle"
)

// DefaultTolerance is the distance tolerance used for location and
// intersection when none is configured.
const DefaultTolerance = 1e-8

// IDSource hands out ids for spawned particles.
type IDSource interface {
	NextID() int64
}

// Queue receives particles created during surface interaction.
type Queue interface {
	// PushBatch enqueues all particles under a single lock.
	PushBatch(ps ...*particle.Particle)
}

// Options configure a Model.
type Options struct {
	Tolerance            float64
	NonPlanarQuadSupport bool
	LocatorBuilder       mesh.LocatorBuilder
	IDs                  IDSource
	Logger               *slog.Logger
}

type flowEntry struct {
	ds  *mesh.Dataset
	loc mesh.Locator
}

type surfaceEntry struct {
	ds    *mesh.Dataset
	loc   mesh.Locator
	index int
}

// Model is the integration model.
type Model struct {
	physics  Physics
	opts     Options
	log      *slog.Logger
	flows    []flowEntry
	surfaces []surfaceEntry
	bindings Bindings

	maxWeights int
}

// New creates a model around a physics variant.
func New(physics Physics, opts Options) *Model {
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	if opts.LocatorBuilder == nil {
		opts.LocatorBuilder = mesh.BuildGridLocator
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Model{
		physics:  physics,
		opts:     opts,
		log:      log,
		bindings: DefaultBindings(),
	}
}

// Physics returns the physics variant.
func (m *Model) Physics() Physics { return m.physics }

// Tolerance returns the distance tolerance.
func (m *Model) Tolerance() float64 { return m.opts.Tolerance }

// SetIDSource sets the id source used for spawned particles.
func (m *Model) SetIDSource(ids IDSource) { m.opts.IDs = ids }

// SetNonPlanarQuadSupport toggles exact bilinear intersection for quads.
func (m *Model) SetNonPlanarQuadSupport(on bool) { m.opts.NonPlanarQuadSupport = on }

// SetInputArrayToProcess binds slot to an array.
func (m *Model) SetInputArrayToProcess(slot int, b Binding) {
	m.bindings[slot] = b
}

// SetBindings replaces the binding table.
func (m *Model) SetBindings(b Bindings) { m.bindings = b.Clone() }

// Binding returns the binding of slot.
func (m *Model) Binding(slot int) (Binding, bool) {
	b, ok := m.bindings[slot]
	return b, ok
}

// NumberOfUserVariables is the number of integrated user variables the
// physics needs on each particle.
func (m *Model) NumberOfUserVariables() int {
	if uv, ok := m.physics.(UserVariableCounter); ok {
		return uv.NumberOfUserVariables()
	}
	return 0
}

// MaxWeightsSize returns the largest interpolation weights buffer any
// registered dataset needs.
func (m *Model) MaxWeightsSize() int { return m.maxWeights }

// AddDataset registers a copy of ds and builds its locator. Surfaces are
// identified in interaction output by surfaceIndex.
func (m *Model) AddDataset(ds *mesh.Dataset, isSurface bool, surfaceIndex int) error {
	cp := ds.Clone()
	loc, err := m.opts.LocatorBuilder(cp)
	if err != nil {
		return fmt.Errorf("model: build locator for %q: %w", ds.Name, err)
	}
	if isSurface {
		m.surfaces = append(m.surfaces, surfaceEntry{ds: cp, loc: loc, index: surfaceIndex})
	} else {
		m.flows = append(m.flows, flowEntry{ds: cp, loc: loc})
	}
	m.maxWeights = max(m.maxWeights, cp.MaxCellSize())
	return nil
}

// ClearDataSets drops every registered surface or flow dataset.
func (m *Model) ClearDataSets(surface bool) {
	if surface {
		m.surfaces = nil
		return
	}
	m.flows = nil
	m.maxWeights = 0
	for _, s := range m.surfaces {
		m.maxWeights = max(m.maxWeights, s.ds.MaxCellSize())
	}
}

// NumberOfFlows returns the number of registered flow datasets.
func (m *Model) NumberOfFlows() int { return len(m.flows) }

// Flow returns the i-th registered flow dataset.
func (m *Model) Flow(i int) *mesh.Dataset { return m.flows[i].ds }

// NumberOfSurfaces returns the number of registered surfaces.
func (m *Model) NumberOfSurfaces() int { return len(m.surfaces) }

// Bounds returns the union of the flow dataset bounds.
func (m *Model) Bounds() r3.Box {
	b := geom.EmptyBox()
	for _, f := range m.flows {
		fb := f.ds.Bounds()
		b = geom.Extend(geom.Extend(b, fb.Min), fb.Max)
	}
	return b
}

// Location is a point found in a flow dataset.
type Location struct {
	Dataset int
	DS      *mesh.Dataset
	CellID  int
	Weights []float64
}

// FindInLocators locates x in the flow datasets. The particle's cached cell
// is tried first, then its cached dataset, then every other dataset in
// registration order. Ghost duplicate cells are skipped. On success the hit
// is cached on p, which may be nil.
func (m *Model) FindInLocators(x r3.Vec, p *particle.Particle) (Location, bool) {
	tol := m.opts.Tolerance
	tried := -1

	if p != nil && p.LastCell.Dataset >= 0 && p.LastCell.Dataset < len(m.flows) {
		c := &p.LastCell
		f := m.flows[c.Dataset]
		if c.CellID >= 0 && c.CellID < len(f.ds.Cells) {
			if c.Weights != nil && geom.Equal(c.Position, x) {
				return Location{Dataset: c.Dataset, DS: f.ds, CellID: c.CellID, Weights: c.Weights}, true
			}
			cell := f.ds.Cells[c.CellID]
			if w, _, ok := mesh.Evaluate(cell.Type, f.ds.CellPoints(c.CellID), x, tol); ok {
				return m.cache(p, x, c.Dataset, c.CellID, w), true
			}
		}
		tried = c.Dataset
		if loc, ok := m.findIn(tried, x, p); ok {
			return loc, true
		}
	}

	for i := range m.flows {
		if i == tried {
			continue
		}
		if loc, ok := m.findIn(i, x, p); ok {
			return loc, true
		}
	}
	return Location{}, false
}

func (m *Model) findIn(i int, x r3.Vec, p *particle.Particle) (Location, bool) {
	f := m.flows[i]
	hit, ok := f.loc.FindCell(x, m.opts.Tolerance)
	if !ok || f.ds.IsDuplicate(hit.CellID) {
		return Location{}, false
	}
	return m.cache(p, x, i, hit.CellID, hit.Weights), true
}

func (m *Model) cache(p *particle.Particle, x r3.Vec, ds, cell int, w []float64) Location {
	if p != nil {
		p.LastCell = particle.CellCache{Dataset: ds, CellID: cell, Weights: w, Position: x}
	}
	return Location{Dataset: ds, DS: m.flows[ds].ds, CellID: cell, Weights: w}
}

// FunctionValues evaluates the equations of motion at state x for p,
// writing len(x)-1 derivatives into f. It returns ErrOutOfDomain when x is
// outside every flow dataset and a *FieldError for binding failures.
func (m *Model) FunctionValues(p *particle.Particle, x, f []float64) error {
	loc, ok := m.FindInLocators(r3.Vec{X: x[0], Y: x[1], Z: x[2]}, p)
	if !ok {
		return ErrOutOfDomain
	}
	return m.physics.FunctionValues(&Fields{model: m, p: p, loc: loc}, x, f)
}
