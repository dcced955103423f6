package model

import (
	"fmt"

	"github.com/pthm-cable/driftline/mesh"
)

// Owner says which kind of dataset a bound array is read from.
type Owner uint8

const (
	OwnerFlow Owner = iota
	OwnerSurface
	OwnerParticle
)

func (o Owner) String() string {
	switch o {
	case OwnerFlow:
		return "flow"
	case OwnerSurface:
		return "surface"
	case OwnerParticle:
		return "particle"
	}
	return fmt.Sprintf("owner(%d)", uint8(o))
}

// Reserved binding slots.
const (
	SlotInitialVelocity = iota
	SlotInitialIntegrationTime
	SlotSurfaceType
	SlotFlowVelocity
	SlotFlowDensity
	SlotFlowViscosity
	SlotParticleDiameter
	SlotParticleDensity

	// FirstUserSlot is the first slot free for physics-specific arrays.
	FirstUserSlot
)

// Binding names the array bound to a slot.
type Binding struct {
	Owner       Owner
	Association mesh.Association
	Name        string
	// Components is the expected tuple size, or 0 for any.
	Components int
}

func (b Binding) String() string {
	return fmt.Sprintf("%s/%s:%s", b.Owner, b.Association, b.Name)
}

// Bindings maps slots to arrays.
type Bindings map[int]Binding

// DefaultBindings returns the conventional array names for the reserved slots.
func DefaultBindings() Bindings {
	return Bindings{
		SlotInitialVelocity:        {OwnerParticle, mesh.AssocPoint, "InitialVelocity", 3},
		SlotInitialIntegrationTime: {OwnerParticle, mesh.AssocPoint, "InitialIntegrationTime", 1},
		SlotSurfaceType:            {OwnerSurface, mesh.AssocCell, "SurfaceType", 1},
		SlotFlowVelocity:           {OwnerFlow, mesh.AssocPoint, "FlowVelocity", 3},
		SlotFlowDensity:            {OwnerFlow, mesh.AssocPoint, "FlowDensity", 1},
		SlotFlowViscosity:          {OwnerFlow, mesh.AssocPoint, "FlowDynamicViscosity", 1},
		SlotParticleDiameter:       {OwnerParticle, mesh.AssocPoint, "ParticleDiameter", 1},
		SlotParticleDensity:        {OwnerParticle, mesh.AssocPoint, "ParticleDensity", 1},
	}
}

// Clone returns a copy that can be modified independently.
func (b Bindings) Clone() Bindings {
	out := make(Bindings, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}
