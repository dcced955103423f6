package tracker

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/driftline/geom"
	"github.com/pthm-cable/driftline/model"
	"github.com/pthm-cable/driftline/output"
	"github.com/pthm-cable/driftline/particle"
	"github.com/pthm-cable/driftline/stepper"
	"github.com/pthm-cable/driftline/telemetry"
)

const (
	// abortCheckInterval is the number of loop iterations between two
	// cancellation checks.
	abortCheckInterval = 100

	// maxReintegrationFactor bounds the adaptive step reduction.
	maxReintegrationFactor = 1 << 30
)

// Worker integrates one particle at a time. It owns a stepper clone and a
// perf collector and must not be shared between goroutines.
type Worker struct {
	id   int
	t    *Tracker
	step stepper.Stepper
	perf *telemetry.PerfCollector

	cur *particle.Particle
	f   stepper.Func
}

// NewWorker returns a worker bound to t.
func (t *Tracker) NewWorker(id int) *Worker {
	w := &Worker{
		id:   id,
		t:    t,
		step: t.stepper.Clone(),
		perf: telemetry.NewPerfCollector(t.cfg.PerfWindow),
	}
	w.f = func(x, f []float64) error {
		return t.model.FunctionValues(w.cur, x, f)
	}
	return w
}

// Perf returns the worker's timing statistics.
func (w *Worker) Perf() telemetry.PerfStats { return w.perf.Stats() }

// Process integrates p, hands it to the migrator when it left the domain
// and records its path. Dropped particles record nothing.
func (w *Worker) Process(ctx context.Context, p *particle.Particle, q model.Queue) {
	t := w.t
	w.perf.StartParticle()
	defer w.perf.EndParticle()

	startSteps := p.NumberOfSteps
	path, err := w.Integrate(ctx, p, q)
	t.stats.AddSteps(p.NumberOfSteps - startSteps)
	if err != nil {
		cfgErr := model.IsConfigurationError(err)
		t.stats.AddDropped(cfgErr)
		t.log.Warn("dropped particle", "id", p.ID, "configuration", cfgErr, "err", err)
		return
	}

	if p.Termination == particle.OutOfDomain && t.migrator != nil {
		w.perf.StartPhase(telemetry.PhaseMigration)
		p.Termination = t.migrator.Migrate(p)
	}

	w.perf.StartPhase(telemetry.PhaseRecord)
	if fin, ok := t.model.Physics().(model.OutputFinalizer); ok {
		fin.FinalizeParticleOutput(p)
	}
	t.store.AddPath(p, path)
	t.stats.AddParticle()
	t.stats.AddTermination(p.Termination)
}

// Integrate advances p until it reaches a terminal state and returns the
// recorded path: the starting state and every committed state after it. A
// non-nil error means p was dropped for a configuration or stepper error.
func (w *Worker) Integrate(ctx context.Context, p *particle.Particle, q model.Queue) ([]output.Point, error) {
	t := w.t
	cfg := t.cfg
	m := t.model
	phys := m.Physics()
	freeFlight, _ := phys.(model.FreeFlightChecker)
	manual, _ := phys.(model.ManualIntegrator)
	adaptive, _ := phys.(model.AdaptiveStepChecker)

	w.cur = p
	defer func() { w.cur = nil }()

	w.perf.StartPhase(telemetry.PhaseSeed)
	var path []output.Point
	if p.InsertPreviousPosition {
		path = append(path, output.PrevPointOf(p))
		p.InsertPreviousPosition = false
	}
	path = append(path, output.PointOf(p))

	factor := 1.0
	for iter := 1; p.Termination == particle.NotTerminated; iter++ {
		if iter%abortCheckInterval == 0 && ctx.Err() != nil {
			p.Termination = particle.Aborted
			break
		}
		if cfg.MaxSteps > 0 && p.NumberOfSteps >= cfg.MaxSteps {
			p.Termination = particle.OutOfSteps
			break
		}
		if cfg.MaxIntegrationTime > 0 && p.IntegrationTime >= cfg.MaxIntegrationTime {
			p.Termination = particle.OutOfTime
			break
		}

		w.perf.StartPhase(telemetry.PhaseStep)
		cellLength, ok := t.cellLength(p)
		if !ok {
			p.Termination = particle.OutOfDomain
			break
		}

		vel := factor * max(cfg.MinimumVelocity, p.VelocityMagnitude())
		stepTime := cfg.StepFactor * cellLength / vel
		stepTime = min(max(stepTime, cfg.StepFactorMin*cellLength/vel), cfg.StepFactorMax*cellLength/vel)
		if cfg.MaxIntegrationTime > 0 {
			stepTime = min(stepTime, cfg.MaxIntegrationTime-p.IntegrationTime)
		}

		actual, res, err := w.stepOnce(manual, p, stepTime, cellLength)
		if err != nil {
			return nil, err
		}
		p.StepTime = actual

		stagnating := geom.Equal(p.NextPosition(), p.Position())
		if stagnating && res == stepper.OutOfDomain {
			p.Termination = particle.OutOfDomain
			break
		}

		if cfg.AdaptiveReintegration {
			disp := p.Displacement()
			maxDisp := cfg.StepFactorMax * cellLength
			if disp > maxDisp && factor < maxReintegrationFactor &&
				(adaptive == nil || adaptive.AllowReintegration(p, disp, maxDisp)) {
				factor *= 2
				t.stats.AddReintegration()
				continue
			}
			factor = 1
		}

		if !stagnating {
			w.perf.StartPhase(telemetry.PhaseSurface)
			if err := w.interact(p, q); err != nil {
				return nil, err
			}
		}

		w.perf.StartPhase(telemetry.PhaseRecord)
		p.MoveToNext()
		path = append(path, output.PointOf(p))

		if p.Termination == particle.NotTerminated && freeFlight != nil && freeFlight.CheckFreeFlightTermination(p) {
			if p.Termination == particle.NotTerminated {
				p.Termination = particle.FlightTerminated
			}
		}
	}
	return path, nil
}

func (w *Worker) stepOnce(manual model.ManualIntegrator, p *particle.Particle, h, cellLength float64) (float64, stepper.Result, error) {
	if manual != nil {
		handled, actual, res, err := manual.ManualIntegration(w.step, w.f, p, h, cellLength)
		if handled {
			return actual, res, stepError(res, err)
		}
	}
	actual, res, err := w.step.Step(w.f, p.Current(), p.Next(), h)
	return actual, res, stepError(res, err)
}

func stepError(res stepper.Result, err error) error {
	if err != nil {
		return err
	}
	switch res {
	case stepper.NotInitialized:
		return stepper.ErrNotInitialized
	case stepper.UnexpectedValue:
		return stepper.ErrUnexpectedValue
	case stepper.OK, stepper.OutOfDomain:
		return nil
	}
	return fmt.Errorf("tracker: stepper result %s", res)
}

// interact resolves the surface crossings of the pending step and records
// the resulting interaction points.
func (w *Worker) interact(p *particle.Particle, q model.Queue) error {
	t := w.t
	out, err := t.model.ComputeSurfaceInteraction(p, q)
	if err != nil {
		return err
	}
	t.stats.AddPerforations(out.Perforations)
	for _, c := range out.PassThrough {
		t.store.AddInteraction(c.Surface, c.Particle, output.NextPointOf(c.Particle))
		t.stats.AddInteraction(c.Particle.Interaction)
	}
	if c := out.Interaction; c != nil {
		t.store.AddInteraction(c.Surface, c.Particle, output.NextPointOf(c.Particle))
		t.stats.AddInteraction(c.Particle.Interaction)
	}
	return nil
}

func vec3(v []float64) r3.Vec { return r3.Vec{X: v[0], Y: v[1], Z: v[2]} }
