package particle

import (
	"fmt"
	"slices"
)

// Termination is the terminal state of a particle.
type Termination int32

const (
	NotTerminated Termination = iota
	SurfTerminated
	FlightTerminated
	SurfBreak
	OutOfDomain
	OutOfSteps
	OutOfTime
	Transferred
	Aborted
)

var terminationNames = [...]string{
	"not-terminated",
	"surf-terminated",
	"flight-terminated",
	"surf-break",
	"out-of-domain",
	"out-of-steps",
	"out-of-time",
	"transferred",
	"aborted",
}

func (t Termination) String() string {
	if t >= 0 && int(t) < len(terminationNames) {
		return terminationNames[t]
	}
	return fmt.Sprintf("termination(%d)", int32(t))
}

// Interaction is the kind of surface interaction recorded for a particle.
type Interaction int32

const (
	NoInteraction Interaction = iota
	InteractionTerminated
	InteractionBreak
	InteractionBounce
	InteractionPass
	InteractionOther
)

var interactionNames = [...]string{
	"none",
	"terminated",
	"break",
	"bounce",
	"pass",
	"other",
}

func (i Interaction) String() string {
	if i >= 0 && int(i) < len(interactionNames) {
		return interactionNames[i]
	}
	return fmt.Sprintf("interaction(%d)", int32(i))
}

// SeedSchema describes the seed arrays carried by every particle: one value
// slice per array, in this order.
type SeedSchema struct {
	Names      []string `yaml:"names"`
	Components []int    `yaml:"components"`
}

// Index returns the position of the named array or -1.
func (s *SeedSchema) Index(name string) int {
	if s == nil {
		return -1
	}
	return slices.Index(s.Names, name)
}

// Len returns the number of arrays.
func (s *SeedSchema) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Names)
}

// TotalComponents is the number of float64 values one particle carries.
func (s *SeedSchema) TotalComponents() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, c := range s.Components {
		n += c
	}
	return n
}

// Equal compares names and component counts.
func (s *SeedSchema) Equal(o *SeedSchema) bool {
	if s.Len() == 0 || o.Len() == 0 {
		return s.Len() == o.Len()
	}
	return slices.Equal(s.Names, o.Names) && slices.Equal(s.Components, o.Components)
}

// SeedValue returns the seed data of the named array, or nil.
func (p *Particle) SeedValue(name string) []float64 {
	i := p.Schema.Index(name)
	if i < 0 || i >= len(p.SeedData) {
		return nil
	}
	return p.SeedData[i]
}
