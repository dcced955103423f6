package telemetry

import (
	"log/slog"
	"time"
)

// Phase names for one particle integration.
const (
	PhaseSeed      = "seed"
	PhaseStep      = "step"
	PhaseSurface   = "surface"
	PhaseRecord    = "record"
	PhaseMigration = "migration"
)

var phases = []string{PhaseSeed, PhaseStep, PhaseSurface, PhaseRecord, PhaseMigration}

// PerfSample holds timing data for a single particle.
type PerfSample struct {
	ParticleDuration time.Duration
	Phases           map[string]time.Duration
}

// PerfCollector tracks per-particle timings over a rolling window. It is
// not safe for concurrent use; each worker owns one.
type PerfCollector struct {
	windowSize    int
	samples       []PerfSample
	writeIndex    int
	sampleCount   int
	total         int64
	currentPhases map[string]time.Duration
	particleStart time.Time
	phaseStart    time.Time
	lastPhase     string
}

// NewPerfCollector creates a collector averaging over windowSize particles.
func NewPerfCollector(windowSize int) *PerfCollector {
	if windowSize < 1 {
		windowSize = 256
	}
	return &PerfCollector{
		windowSize:    windowSize,
		samples:       make([]PerfSample, windowSize),
		currentPhases: make(map[string]time.Duration),
	}
}

// StartParticle begins timing a new particle. A nil collector is a no-op.
func (p *PerfCollector) StartParticle() {
	if p == nil {
		return
	}
	p.particleStart = time.Now()
	p.currentPhases = make(map[string]time.Duration)
	p.lastPhase = ""
}

// StartPhase begins timing a phase, ending the previous one.
func (p *PerfCollector) StartPhase(phase string) {
	if p == nil {
		return
	}
	now := time.Now()
	if p.lastPhase != "" {
		p.currentPhases[p.lastPhase] += now.Sub(p.phaseStart)
	}
	p.phaseStart = now
	p.lastPhase = phase
}

// EndParticle records the sample for the current particle.
func (p *PerfCollector) EndParticle() {
	if p == nil {
		return
	}
	now := time.Now()
	if p.lastPhase != "" {
		p.currentPhases[p.lastPhase] += now.Sub(p.phaseStart)
		p.lastPhase = ""
	}

	p.samples[p.writeIndex] = PerfSample{
		ParticleDuration: now.Sub(p.particleStart),
		Phases:           p.currentPhases,
	}
	p.writeIndex = (p.writeIndex + 1) % p.windowSize
	if p.sampleCount < p.windowSize {
		p.sampleCount++
	}
	p.total++
}

// PerfStats holds aggregated performance statistics.
type PerfStats struct {
	Particles int64

	AvgParticleDuration time.Duration
	MinParticleDuration time.Duration
	MaxParticleDuration time.Duration

	PhaseAvg map[string]time.Duration
	PhasePct map[string]float64

	ParticlesPerSecond float64
}

// Stats computes aggregated statistics over the current window.
func (p *PerfCollector) Stats() PerfStats {
	if p == nil || p.sampleCount == 0 {
		return PerfStats{
			PhaseAvg: make(map[string]time.Duration),
			PhasePct: make(map[string]float64),
		}
	}

	var total, lo, hi time.Duration
	phaseSum := make(map[string]time.Duration)
	for i := 0; i < p.sampleCount; i++ {
		s := p.samples[i]
		total += s.ParticleDuration
		if i == 0 || s.ParticleDuration < lo {
			lo = s.ParticleDuration
		}
		hi = max(hi, s.ParticleDuration)
		for phase, d := range s.Phases {
			phaseSum[phase] += d
		}
	}

	avg := total / time.Duration(p.sampleCount)
	phaseAvg := make(map[string]time.Duration)
	phasePct := make(map[string]float64)
	for phase, sum := range phaseSum {
		phaseAvg[phase] = sum / time.Duration(p.sampleCount)
		if avg > 0 {
			phasePct[phase] = float64(phaseAvg[phase]) / float64(avg) * 100
		}
	}

	var perSec float64
	if avg > 0 {
		perSec = float64(time.Second) / float64(avg)
	}

	return PerfStats{
		Particles:           p.total,
		AvgParticleDuration: avg,
		MinParticleDuration: lo,
		MaxParticleDuration: hi,
		PhaseAvg:            phaseAvg,
		PhasePct:            phasePct,
		ParticlesPerSecond:  perSec,
	}
}

// LogValue implements slog.LogValuer for structured logging.
func (s PerfStats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("particles", s.Particles),
		slog.Int64("avg_particle_us", s.AvgParticleDuration.Microseconds()),
		slog.Int64("max_particle_us", s.MaxParticleDuration.Microseconds()),
		slog.Float64("particles_per_sec", s.ParticlesPerSecond),
	}
	for _, phase := range phases {
		if pct, ok := s.PhasePct[phase]; ok && pct > 0.1 {
			attrs = append(attrs, slog.Float64(phase+"_pct", float64(int(pct*10))/10))
		}
	}
	return slog.GroupValue(attrs...)
}

// PerfStatsCSV is a flat struct for CSV export of performance stats.
type PerfStatsCSV struct {
	Rank            int     `csv:"rank"`
	Worker          int     `csv:"worker"`
	Particles       int64   `csv:"particles"`
	AvgParticleUS   int64   `csv:"avg_particle_us"`
	MinParticleUS   int64   `csv:"min_particle_us"`
	MaxParticleUS   int64   `csv:"max_particle_us"`
	ParticlesPerSec float64 `csv:"particles_per_sec"`
	SeedPct         float64 `csv:"seed_pct"`
	StepPct         float64 `csv:"step_pct"`
	SurfacePct      float64 `csv:"surface_pct"`
	RecordPct       float64 `csv:"record_pct"`
	MigrationPct    float64 `csv:"migration_pct"`
}

// ToCSV converts PerfStats to a flat CSV-friendly struct.
func (s PerfStats) ToCSV(rank, worker int) PerfStatsCSV {
	return PerfStatsCSV{
		Rank:            rank,
		Worker:          worker,
		Particles:       s.Particles,
		AvgParticleUS:   s.AvgParticleDuration.Microseconds(),
		MinParticleUS:   s.MinParticleDuration.Microseconds(),
		MaxParticleUS:   s.MaxParticleDuration.Microseconds(),
		ParticlesPerSec: s.ParticlesPerSecond,
		SeedPct:         s.PhasePct[PhaseSeed],
		StepPct:         s.PhasePct[PhaseStep],
		SurfacePct:      s.PhasePct[PhaseSurface],
		RecordPct:       s.PhasePct[PhaseRecord],
		MigrationPct:    s.PhasePct[PhaseMigration],
	}
}
