// Package telemetry collects run counters and phase timings for the tracer.
package telemetry

import (
	"log/slog"
	"sync/atomic"

	"github.com/pthm-cable/driftline/particle"
)

const (
	numTerminations = int(particle.Aborted) + 1
	numInteractions = int(particle.InteractionOther) + 1
)

// Stats holds run counters. All methods are safe for concurrent use and a
// nil *Stats ignores updates.
type Stats struct {
	particles      atomic.Int64
	steps          atomic.Int64
	reintegrations atomic.Int64
	perforations   atomic.Int64
	configErrors   atomic.Int64
	stepperErrors  atomic.Int64
	sent           atomic.Int64
	received       atomic.Int64
	rejected       atomic.Int64

	terminations [numTerminations]atomic.Int64
	interactions [numInteractions]atomic.Int64
}

// NewStats returns zeroed counters.
func NewStats() *Stats { return &Stats{} }

func (s *Stats) AddParticle() {
	if s != nil {
		s.particles.Add(1)
	}
}

func (s *Stats) AddSteps(n int64) {
	if s != nil {
		s.steps.Add(n)
	}
}

func (s *Stats) AddReintegration() {
	if s != nil {
		s.reintegrations.Add(1)
	}
}

func (s *Stats) AddPerforations(n int) {
	if s != nil && n > 0 {
		s.perforations.Add(int64(n))
	}
}

// AddDropped counts a particle dropped for a configuration error or a
// stepper error.
func (s *Stats) AddDropped(configError bool) {
	if s == nil {
		return
	}
	if configError {
		s.configErrors.Add(1)
	} else {
		s.stepperErrors.Add(1)
	}
}

func (s *Stats) AddSent() {
	if s != nil {
		s.sent.Add(1)
	}
}

// AddReceived counts a migrated particle; accepted is false for false
// positives dropped by the receiver.
func (s *Stats) AddReceived(accepted bool) {
	if s == nil {
		return
	}
	s.received.Add(1)
	if !accepted {
		s.rejected.Add(1)
	}
}

func (s *Stats) AddTermination(t particle.Termination) {
	if s != nil && t >= 0 && int(t) < numTerminations {
		s.terminations[t].Add(1)
	}
}

func (s *Stats) AddInteraction(i particle.Interaction) {
	if s != nil && i >= 0 && int(i) < numInteractions {
		s.interactions[i].Add(1)
	}
}

// Sent and Received report the migration counters.
func (s *Stats) Sent() int64     { return s.sent.Load() }
func (s *Stats) Received() int64 { return s.received.Load() }

// Snapshot is a point-in-time copy of Stats, flat for CSV export.
type Snapshot struct {
	Rank           int   `csv:"rank"`
	Particles      int64 `csv:"particles"`
	Steps          int64 `csv:"steps"`
	Reintegrations int64 `csv:"reintegrations"`
	Perforations   int64 `csv:"perforations"`
	ConfigErrors   int64 `csv:"config_errors"`
	StepperErrors  int64 `csv:"stepper_errors"`
	Sent           int64 `csv:"sent"`
	Received       int64 `csv:"received"`
	Rejected       int64 `csv:"rejected"`

	SurfTerminated   int64 `csv:"surf_terminated"`
	FlightTerminated int64 `csv:"flight_terminated"`
	SurfBreak        int64 `csv:"surf_break"`
	OutOfDomain      int64 `csv:"out_of_domain"`
	OutOfSteps       int64 `csv:"out_of_steps"`
	OutOfTime        int64 `csv:"out_of_time"`
	Transferred      int64 `csv:"transferred"`
	Aborted          int64 `csv:"aborted"`

	Bounces      int64 `csv:"bounces"`
	Breaks       int64 `csv:"breaks"`
	Passes       int64 `csv:"passes"`
	Terminations int64 `csv:"surface_terminations"`
	Other        int64 `csv:"other_interactions"`
}

// ToCSV returns a flat snapshot of the counters for the given rank.
func (s *Stats) ToCSV(rank int) Snapshot {
	if s == nil {
		return Snapshot{Rank: rank}
	}
	term := func(t particle.Termination) int64 { return s.terminations[t].Load() }
	inter := func(i particle.Interaction) int64 { return s.interactions[i].Load() }
	return Snapshot{
		Rank:             rank,
		Particles:        s.particles.Load(),
		Steps:            s.steps.Load(),
		Reintegrations:   s.reintegrations.Load(),
		Perforations:     s.perforations.Load(),
		ConfigErrors:     s.configErrors.Load(),
		StepperErrors:    s.stepperErrors.Load(),
		Sent:             s.sent.Load(),
		Received:         s.received.Load(),
		Rejected:         s.rejected.Load(),
		SurfTerminated:   term(particle.SurfTerminated),
		FlightTerminated: term(particle.FlightTerminated),
		SurfBreak:        term(particle.SurfBreak),
		OutOfDomain:      term(particle.OutOfDomain),
		OutOfSteps:       term(particle.OutOfSteps),
		OutOfTime:        term(particle.OutOfTime),
		Transferred:      term(particle.Transferred),
		Aborted:          term(particle.Aborted),
		Bounces:          inter(particle.InteractionBounce),
		Breaks:           inter(particle.InteractionBreak),
		Passes:           inter(particle.InteractionPass),
		Terminations:     inter(particle.InteractionTerminated),
		Other:            inter(particle.InteractionOther),
	}
}

// LogValue implements slog.LogValuer for structured logging.
func (s *Stats) LogValue() slog.Value {
	if s == nil {
		return slog.GroupValue()
	}
	snap := s.ToCSV(0)
	attrs := []slog.Attr{
		slog.Int64("particles", snap.Particles),
		slog.Int64("steps", snap.Steps),
		slog.Int64("reintegrations", snap.Reintegrations),
		slog.Int64("dropped", snap.ConfigErrors+snap.StepperErrors),
	}
	if snap.Perforations > 0 {
		attrs = append(attrs, slog.Int64("perforations", snap.Perforations))
	}
	if snap.Sent > 0 || snap.Received > 0 {
		attrs = append(attrs,
			slog.Int64("sent", snap.Sent),
			slog.Int64("received", snap.Received),
			slog.Int64("rejected", snap.Rejected),
		)
	}
	for t := particle.SurfTerminated; int(t) < numTerminations; t++ {
		if n := s.terminations[t].Load(); n > 0 {
			attrs = append(attrs, slog.Int64(t.String(), n))
		}
	}
	return slog.GroupValue(attrs...)
}
