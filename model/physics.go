package model

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/driftline/mesh"
	"github.com/pthm-cable/driftline/particle"
	"github.com/pthm-cable/driftline/stepper"
)

// Physics computes the derivatives of the particle state. x holds the full
// state (time last) and f receives len(x)-1 derivatives.
//
// A physics value may additionally implement any of the hook interfaces in
// this file; the model and tracker check for them with type assertions.
type Physics interface {
	FunctionValues(fd *Fields, x, f []float64) error
}

// UserVariableCounter declares integrated user variables.
type UserVariableCounter interface {
	NumberOfUserVariables() int
}

// ParticleInitializer is called once for every seeded particle.
type ParticleInitializer interface {
	InitializeParticle(p *particle.Particle)
}

// FreeFlightChecker may terminate a particle after any step.
type FreeFlightChecker interface {
	CheckFreeFlightTermination(p *particle.Particle) bool
}

// SurfaceHit describes a surface interaction handed to a SurfaceInteractor.
type SurfaceHit struct {
	Code     int
	Particle *particle.Particle
	Surface  int
	Dataset  *mesh.Dataset
	CellID   int
	Normal   r3.Vec
}

// SurfaceInteractor handles surface code 0 and codes of 100 and above.
// It returns whether an interaction took place and should be recorded.
type SurfaceInteractor interface {
	InteractWithSurface(hit SurfaceHit, q Queue) (bool, error)
}

// ManualIntegrator can replace the stepper for a particle. When handled is
// false the tracker runs the stepper as usual.
type ManualIntegrator interface {
	ManualIntegration(s stepper.Stepper, f stepper.Func, p *particle.Particle, h, cellLength float64) (handled bool, actual float64, res stepper.Result, err error)
}

// AdaptiveStepChecker can veto a reintegration with a reduced step.
type AdaptiveStepChecker interface {
	AllowReintegration(p *particle.Particle, displacement, maxDisplacement float64) bool
}

// ManualShifter adjusts a particle received from another partition. It is
// only called for particles whose sender set ManualShift; the flag is
// cleared afterwards.
type ManualShifter interface {
	ParallelManualShift(p *particle.Particle)
}

// OutputFinalizer is called for every particle before its path is stored.
type OutputFinalizer interface {
	FinalizeParticleOutput(p *particle.Particle)
}

// StandardGravity is the default gravity vector.
var StandardGravity = r3.Vec{Z: -9.8}

// Matida is inertial particle transport with the Matida drag law and
// buoyancy-corrected gravity.
type Matida struct {
	Gravity r3.Vec
}

// NewMatida returns the Matida physics with standard gravity.
func NewMatida() *Matida {
	return &Matida{Gravity: StandardGravity}
}

// FunctionValues implements Physics.
func (m *Matida) FunctionValues(fd *Fields, x, f []float64) error {
	flowVel, err := fd.FlowData(SlotFlowVelocity)
	if err != nil {
		return err
	}
	flowDensity, err := fd.FlowData(SlotFlowDensity)
	if err != nil {
		return err
	}
	viscosity, err := fd.FlowData(SlotFlowViscosity)
	if err != nil {
		return err
	}
	diameter, err := fd.SeedData(SlotParticleDiameter)
	if err != nil {
		return err
	}
	density, err := fd.SeedData(SlotParticleDensity)
	if err != nil {
		return err
	}

	if density[0] <= 0 {
		return &FieldError{Slot: SlotParticleDensity, Binding: fd.model.bindings[SlotParticleDensity], Err: ErrNonPositive}
	}
	if diameter[0] < 0 {
		return &FieldError{Slot: SlotParticleDiameter, Binding: fd.model.bindings[SlotParticleDiameter], Err: ErrNonPositive}
	}

	v := r3.Vec{X: x[3], Y: x[4], Z: x[5]}
	a := MatidaAcceleration(
		r3.Vec{X: flowVel[0], Y: flowVel[1], Z: flowVel[2]}, v,
		flowDensity[0], viscosity[0], diameter[0], density[0], m.Gravity,
	)

	clear(f)
	f[0], f[1], f[2] = v.X, v.Y, v.Z
	f[3], f[4], f[5] = a.X, a.Y, a.Z
	return nil
}

// RelaxationTime is rho_p d_p^2 / (18 mu), infinite for an inviscid flow.
func RelaxationTime(viscosity, diameter, density float64) float64 {
	if viscosity == 0 {
		return math.Inf(1)
	}
	return density * diameter * diameter / (18 * viscosity)
}

// DragCoefficient is 1 + 0.15 Re^0.687 for the given relative speed.
func DragCoefficient(relSpeed, flowDensity, viscosity, diameter float64) float64 {
	re := flowDensity * relSpeed * diameter / viscosity
	return 1 + 0.15*math.Pow(re, 0.687)
}

// MatidaAcceleration is the particle acceleration for flow velocity u and
// particle velocity v. density must be positive. A zero relaxation time
// gives an infinite drag along each non-zero component of u - v.
func MatidaAcceleration(u, v r3.Vec, flowDensity, viscosity, diameter, density float64, gravity r3.Vec) r3.Vec {
	var drag r3.Vec
	if viscosity != 0 {
		rel := r3.Sub(u, v)
		if tau := RelaxationTime(viscosity, diameter, density); tau == 0 {
			drag = r3.Vec{X: infinite(rel.X), Y: infinite(rel.Y), Z: infinite(rel.Z)}
		} else {
			cd := DragCoefficient(r3.Norm(rel), flowDensity, viscosity, diameter)
			drag = r3.Scale(cd/tau, rel)
		}
	}
	buoyancy := 1 - flowDensity/density
	return r3.Add(drag, r3.Scale(buoyancy, gravity))
}

func infinite(x float64) float64 {
	if x == 0 {
		return 0
	}
	return math.Copysign(math.Inf(1), x)
}

// Ballistic moves particles under constant gravity. It reads no arrays, so
// only the flow geometry matters.
type Ballistic struct {
	Gravity r3.Vec
}

// FunctionValues implements Physics.
func (b *Ballistic) FunctionValues(_ *Fields, x, f []float64) error {
	clear(f)
	f[0], f[1], f[2] = x[3], x[4], x[5]
	f[3], f[4], f[5] = b.Gravity.X, b.Gravity.Y, b.Gravity.Z
	return nil
}
