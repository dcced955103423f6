package model

import (
	"fmt"

	"github.com/pthm-cable/driftline/mesh"
	"github.com/pthm-cable/driftline/particle"
)

// Fields gives a physics variant access to bound arrays at the location
// being evaluated.
type Fields struct {
	model *Model
	p     *particle.Particle
	loc   Location
}

// Particle returns the particle being integrated.
func (fd *Fields) Particle() *particle.Particle { return fd.p }

// Location returns where the evaluated state was found.
func (fd *Fields) Location() Location { return fd.loc }

// FlowData reads a flow-bound slot at the evaluated location.
func (fd *Fields) FlowData(slot int) ([]float64, error) {
	return fd.model.FlowOrSurfaceData(slot, fd.loc.DS, fd.loc.CellID, fd.loc.Weights)
}

// SeedData reads a particle-bound slot.
func (fd *Fields) SeedData(slot int) ([]float64, error) {
	return fd.model.ParticleData(fd.p, slot)
}

// FlowOrSurfaceData reads the array bound to slot from ds. Point arrays are
// interpolated over the cell points with weights, cell arrays are read at
// cellID and field arrays at tuple 0.
func (m *Model) FlowOrSurfaceData(slot int, ds *mesh.Dataset, cellID int, weights []float64) ([]float64, error) {
	b, ok := m.bindings[slot]
	if !ok {
		return nil, &FieldError{Slot: slot, Err: ErrUnboundSlot}
	}
	fail := func(err error) ([]float64, error) {
		return nil, &FieldError{Slot: slot, Binding: b, Err: err}
	}
	if b.Owner == OwnerParticle {
		return fail(fmt.Errorf("%w: slot is bound to particle data", ErrArrayShape))
	}

	arr := ds.Attributes(b.Association).Get(b.Name)
	if arr == nil {
		return fail(ErrMissingArray)
	}
	if b.Components > 0 && arr.Components != b.Components {
		return fail(fmt.Errorf("%w: %d components, want %d", ErrArrayShape, arr.Components, b.Components))
	}

	switch b.Association {
	case mesh.AssocPoint:
		if arr.Len() != len(ds.Points) {
			return fail(fmt.Errorf("%w: %d tuples for %d points", ErrArrayShape, arr.Len(), len(ds.Points)))
		}
		ids := ds.Cells[cellID].PointIDs
		if len(weights) < len(ids) {
			return fail(fmt.Errorf("%w: %d weights for %d cell points", ErrArrayShape, len(weights), len(ids)))
		}
		out := make([]float64, arr.Components)
		for i, pid := range ids {
			w := weights[i]
			for c, v := range arr.Tuple(pid) {
				out[c] += w * v
			}
		}
		return out, nil
	case mesh.AssocCell:
		if arr.Len() != len(ds.Cells) {
			return fail(fmt.Errorf("%w: %d tuples for %d cells", ErrArrayShape, arr.Len(), len(ds.Cells)))
		}
		return append([]float64(nil), arr.Tuple(cellID)...), nil
	default:
		if arr.Len() == 0 {
			return fail(fmt.Errorf("%w: empty field array", ErrArrayShape))
		}
		return append([]float64(nil), arr.Tuple(0)...), nil
	}
}

// ParticleData reads the seed value bound to slot from p.
func (m *Model) ParticleData(p *particle.Particle, slot int) ([]float64, error) {
	b, ok := m.bindings[slot]
	if !ok {
		return nil, &FieldError{Slot: slot, Err: ErrUnboundSlot}
	}
	if b.Owner != OwnerParticle {
		return nil, &FieldError{Slot: slot, Binding: b, Err: fmt.Errorf("%w: slot is bound to %s data", ErrArrayShape, b.Owner)}
	}
	v := p.SeedValue(b.Name)
	if v == nil {
		return nil, &FieldError{Slot: slot, Binding: b, Err: ErrMissingArray}
	}
	if b.Components > 0 && len(v) != b.Components {
		return nil, &FieldError{Slot: slot, Binding: b, Err: fmt.Errorf("%w: %d components, want %d", ErrArrayShape, len(v), b.Components)}
	}
	return v, nil
}

// SeedArray reads the seed array bound to slot from the seed dataset.
// Missing optional arrays are reported with ok false and no error.
func (m *Model) SeedArray(seeds *mesh.Dataset, slot int) (*mesh.Array, bool, error) {
	b, ok := m.bindings[slot]
	if !ok {
		return nil, false, nil
	}
	arr := seeds.Attributes(b.Association).Get(b.Name)
	if arr == nil {
		return nil, false, nil
	}
	if b.Components > 0 && arr.Components != b.Components {
		return nil, false, &FieldError{Slot: slot, Binding: b, Err: fmt.Errorf("%w: %d components, want %d", ErrArrayShape, arr.Components, b.Components)}
	}
	return arr, true, nil
}
