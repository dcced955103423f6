// Package particle defines the mutable particle state record that flows
// through the tracker.
//
// A particle carries three state buffers (previous, current, next). Each is
// laid out as
//
//	[x, y, z, vx, vy, vz, u0 .. uk, t]
//
// so that steppers can integrate the first N-1 entries and the last entry
// holds the time of that state.
package particle

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
)

// BaseVariables is the number of entries before the user variables.
const BaseVariables = 6

// CellCache remembers the last flow cell a particle was located in.
type CellCache struct {
	Dataset  int
	CellID   int
	Weights  []float64
	Position r3.Vec
}

// SurfaceCache remembers the last surface cell a particle interacted with.
type SurfaceCache struct {
	Surface int
	CellID  int
}

// Particle is owned by exactly one goroutine at a time. Interaction records
// and migrations work on clones.
type Particle struct {
	ID       int64
	ParentID int64
	SeedID   int64

	// SeedArrayTupleIndex is the tuple of the seed arrays this particle was
	// created from.
	SeedArrayTupleIndex int

	prev, cur, next []float64

	StepTime            float64
	IntegrationTime     float64
	PrevIntegrationTime float64
	NumberOfSteps       int64

	Termination Termination
	Interaction Interaction
	UserFlag    int32

	LastCell    CellCache
	LastSurface SurfaceCache

	// Tracked user data is carried along but not integrated.
	PrevTracked, Tracked, NextTracked []float64

	// Schema is shared read-only between all particles of a run.
	Schema   *SeedSchema
	SeedData [][]float64

	InsertPreviousPosition bool
	ManualShift            bool
}

// New creates a particle at x with velocity v at time t, from tuple
// tupleIndex of the seed arrays. Its previous state equals its current state.
func New(id, seedID int64, tupleIndex int, x, v r3.Vec, numUserVars int, t float64) *Particle {
	n := BaseVariables + numUserVars + 1
	p := &Particle{
		ID:                  id,
		ParentID:            -1,
		SeedID:              seedID,
		SeedArrayTupleIndex: tupleIndex,
		prev:                make([]float64, n),
		cur:                 make([]float64, n),
		next:                make([]float64, n),
		IntegrationTime:     t,
		PrevIntegrationTime: t,
		LastCell:            CellCache{Dataset: -1, CellID: -1},
		LastSurface:         SurfaceCache{Surface: -1, CellID: -1},
	}
	setVec(p.cur[0:3], x)
	setVec(p.cur[3:6], v)
	p.cur[n-1] = t
	copy(p.prev, p.cur)
	return p
}

// FromBuffers builds a particle around existing state buffers. All three
// must have the same length of at least BaseVariables+1.
func FromBuffers(prev, cur, next []float64) *Particle {
	return &Particle{
		ParentID:    -1,
		prev:        prev,
		cur:         cur,
		next:        next,
		LastCell:    CellCache{Dataset: -1, CellID: -1},
		LastSurface: SurfaceCache{Surface: -1, CellID: -1},
	}
}

// NumberOfVariables returns N, the length of each state buffer.
func (p *Particle) NumberOfVariables() int { return len(p.cur) }

// NumberOfUserVariables returns the number of integrated user variables.
func (p *Particle) NumberOfUserVariables() int { return len(p.cur) - BaseVariables - 1 }

// Prev, Current and Next expose the state buffers for in-place updates.
func (p *Particle) Prev() []float64    { return p.prev }
func (p *Particle) Current() []float64 { return p.cur }
func (p *Particle) Next() []float64    { return p.next }

func (p *Particle) PrevPosition() r3.Vec { return vec(p.prev[0:3]) }
func (p *Particle) Position() r3.Vec     { return vec(p.cur[0:3]) }
func (p *Particle) NextPosition() r3.Vec { return vec(p.next[0:3]) }

func (p *Particle) PrevVelocity() r3.Vec { return vec(p.prev[3:6]) }
func (p *Particle) Velocity() r3.Vec     { return vec(p.cur[3:6]) }
func (p *Particle) NextVelocity() r3.Vec { return vec(p.next[3:6]) }

func (p *Particle) SetPosition(x r3.Vec)     { setVec(p.cur[0:3], x) }
func (p *Particle) SetVelocity(v r3.Vec)     { setVec(p.cur[3:6], v) }
func (p *Particle) SetNextPosition(x r3.Vec) { setVec(p.next[0:3], x) }
func (p *Particle) SetNextVelocity(v r3.Vec) { setVec(p.next[3:6], v) }

// UserVariables returns the user variable slice of the current state.
func (p *Particle) UserVariables() []float64 {
	return p.cur[BaseVariables : len(p.cur)-1]
}

// NextUserVariables returns the user variable slice of the next state.
func (p *Particle) NextUserVariables() []float64 {
	return p.next[BaseVariables : len(p.next)-1]
}

// Time returns the time stored in the current state.
func (p *Particle) Time() float64 { return p.cur[len(p.cur)-1] }

// NextTime returns the time stored in the next state.
func (p *Particle) NextTime() float64 { return p.next[len(p.next)-1] }

// Displacement is the distance between the current and next positions.
func (p *Particle) Displacement() float64 {
	return r3.Norm(r3.Sub(p.NextPosition(), p.Position()))
}

// VelocityMagnitude is |v| of the current state.
func (p *Particle) VelocityMagnitude() float64 {
	return floats.Norm(p.cur[3:6], 2)
}

// MoveToNext commits the next state: next becomes current, current becomes
// previous, and next is zeroed.
func (p *Particle) MoveToNext() {
	p.prev, p.cur, p.next = p.cur, p.next, p.prev
	clear(p.next)
	if p.NextTracked != nil {
		p.PrevTracked, p.Tracked, p.NextTracked = p.Tracked, p.NextTracked, p.PrevTracked
		copy(p.NextTracked, p.Tracked)
	}
	p.NumberOfSteps++
	p.PrevIntegrationTime = p.IntegrationTime
	p.IntegrationTime += p.StepTime
}

// Clone returns an exact deep copy, id included.
func (p *Particle) Clone() *Particle {
	c := *p
	c.prev = clone(p.prev)
	c.cur = clone(p.cur)
	c.next = clone(p.next)
	c.LastCell.Weights = clone(p.LastCell.Weights)
	c.PrevTracked = clone(p.PrevTracked)
	c.Tracked = clone(p.Tracked)
	c.NextTracked = clone(p.NextTracked)
	if p.SeedData != nil {
		c.SeedData = make([][]float64, len(p.SeedData))
		for i, d := range p.SeedData {
			c.SeedData[i] = clone(d)
		}
	}
	return &c
}

// Spawn creates a child with a fresh id. The child starts where the parent
// is about to be: its previous state is the parent's current state, its
// current state is the parent's next state and its next state is zeroed.
func (p *Particle) Spawn(id int64) *Particle {
	c := p.Clone()
	c.ID = id
	c.ParentID = p.ID
	c.prev = clone(p.cur)
	c.cur = clone(p.next)
	c.next = make([]float64, len(p.next))
	if p.NextTracked != nil {
		c.PrevTracked = clone(p.Tracked)
		c.Tracked = clone(p.NextTracked)
		c.NextTracked = clone(p.NextTracked)
	}
	c.NumberOfSteps = p.NumberOfSteps + 1
	c.PrevIntegrationTime = p.IntegrationTime
	c.IntegrationTime = p.IntegrationTime + p.StepTime
	c.StepTime = 0
	c.Termination = NotTerminated
	c.Interaction = NoInteraction
	c.InsertPreviousPosition = false
	c.ManualShift = false
	return c
}

func vec(s []float64) r3.Vec { return r3.Vec{X: s[0], Y: s[1], Z: s[2]} }

func setVec(s []float64, v r3.Vec) { s[0], s[1], s[2] = v.X, v.Y, v.Z }

func clone(s []float64) []float64 {
	if s == nil {
		return nil
	}
	return append([]float64(nil), s...)
}
