// Package tracker integrates particles through the flow of an integration
// model. It seeds particles, steps them with a pluggable stepper, resolves
// surface interactions and records their paths.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/pthm-cable/driftline/mesh"
	"github.com/pthm-cable/driftline/model"
	"github.com/pthm-cable/driftline/output"
	"github.com/pthm-cable/driftline/particle"
	"github.com/pthm-cable/driftline/stepper"
	"github.com/pthm-cable/driftline/telemetry"
)

// Migrator takes over particles that left the local domain. It returns the
// termination to record for the local path piece.
type Migrator interface {
	Migrate(p *particle.Particle) particle.Termination
}

// Options are the collaborators of a Tracker. Zero values get defaults.
type Options struct {
	Store    *output.Store
	Stats    *telemetry.Stats
	Logger   *slog.Logger
	IDs      *IDAllocator
	Migrator Migrator
}

// Tracker drives particles through a model. The model and stepper are
// shared, not owned: the model must be fully configured before the first
// run, and every worker integrates with its own stepper clone.
type Tracker struct {
	model   *model.Model
	stepper stepper.Stepper
	cfg     Config

	store    *output.Store
	stats    *telemetry.Stats
	log      *slog.Logger
	ids      *IDAllocator
	migrator Migrator
}

// New creates a tracker.
func New(m *model.Model, s stepper.Stepper, cfg Config, opts Options) (*Tracker, error) {
	if m == nil || s == nil {
		return nil, fmt.Errorf("tracker: model and stepper are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{
		model:    m,
		stepper:  s,
		cfg:      cfg,
		store:    opts.Store,
		stats:    opts.Stats,
		log:      opts.Logger,
		ids:      opts.IDs,
		migrator: opts.Migrator,
	}
	if t.store == nil {
		t.store = output.NewStore()
	}
	if t.stats == nil {
		t.stats = telemetry.NewStats()
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	return t, nil
}

// Model returns the integration model.
func (t *Tracker) Model() *model.Model { return t.model }

// Config returns the integration parameters.
func (t *Tracker) Config() Config { return t.cfg }

// Store returns the output store.
func (t *Tracker) Store() *output.Store { return t.store }

// Stats returns the run counters.
func (t *Tracker) Stats() *telemetry.Stats { return t.stats }

// SetMigrator installs the handler for particles leaving the domain.
func (t *Tracker) SetMigrator(m Migrator) { t.migrator = m }

// SetIDs sets the allocator for spawned particles and hands it to the model.
func (t *Tracker) SetIDs(ids *IDAllocator) {
	t.ids = ids
	t.model.SetIDSource(ids)
}

// Result summarizes a run.
type Result struct {
	Store     *output.Store
	Stats     *telemetry.Stats
	Perf      []telemetry.PerfStats
	Seeded    int
	Discarded int
}

// Run seeds one particle per seed point and integrates them all. When ctx
// is cancelled the particles in progress end as Aborted, queued particles
// are discarded, and the partial result is returned with ctx's error.
func (t *Tracker) Run(ctx context.Context, seeds *mesh.Dataset) (*Result, error) {
	ps, err := t.Seed(seeds, 0)
	if err != nil {
		return nil, err
	}
	if t.ids == nil {
		t.SetIDs(NewIDAllocator(int64(len(ps)), 1))
	} else {
		t.model.SetIDSource(t.ids)
	}

	q := NewQueue()
	q.PushBatch(ps...)
	stop := context.AfterFunc(ctx, q.Close)
	defer stop()

	n := t.cfg.Workers
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	workers := make([]*Worker, n)
	skipped := make([]int, n)
	var wg sync.WaitGroup
	for i := range workers {
		workers[i] = t.NewWorker(i)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			skipped[i] = workers[i].drain(ctx, q)
		}(i)
	}
	wg.Wait()

	res := &Result{
		Store:     t.store,
		Stats:     t.stats,
		Seeded:    len(ps),
		Discarded: len(q.Drain()),
	}
	for i, w := range workers {
		res.Perf = append(res.Perf, w.perf.Stats())
		res.Discarded += skipped[i]
	}
	if res.Discarded > 0 {
		t.log.Warn("discarded queued particles", "count", res.Discarded)
	}
	t.log.Info("run complete", "seeded", res.Seeded, "stats", t.stats)
	return res, ctx.Err()
}

// drain integrates particles from q until it is exhausted or closed. It
// returns the number of particles popped after cancellation.
func (w *Worker) drain(ctx context.Context, q *Queue) int {
	skipped := 0
	for {
		p, ok := q.Acquire()
		if !ok {
			return skipped
		}
		if ctx.Err() == nil {
			w.Process(ctx, p, q)
		} else {
			skipped++
		}
		q.Done()
	}
}

// Seed creates one particle per point of seeds. Particle and seed ids are
// firstID plus the point index. The initial velocity array is required; a
// missing one is a configuration error for the whole seed set.
func (t *Tracker) Seed(seeds *mesh.Dataset, firstID int64) ([]*particle.Particle, error) {
	if seeds == nil || len(seeds.Points) == 0 {
		return nil, nil
	}
	vel, ok, err := t.model.SeedArray(seeds, model.SlotInitialVelocity)
	if err != nil {
		return nil, err
	}
	if !ok {
		b, _ := t.model.Binding(model.SlotInitialVelocity)
		return nil, &model.FieldError{Slot: model.SlotInitialVelocity, Binding: b, Err: model.ErrMissingArray}
	}
	if vel.Len() != len(seeds.Points) {
		b, _ := t.model.Binding(model.SlotInitialVelocity)
		return nil, &model.FieldError{Slot: model.SlotInitialVelocity, Binding: b,
			Err: fmt.Errorf("%w: %d tuples for %d seeds", model.ErrArrayShape, vel.Len(), len(seeds.Points))}
	}
	times, hasTime, err := t.model.SeedArray(seeds, model.SlotInitialIntegrationTime)
	if err != nil {
		return nil, err
	}

	schema, arrays := SeedSchemaOf(seeds)
	initHook, _ := t.model.Physics().(model.ParticleInitializer)
	nuv := t.model.NumberOfUserVariables()

	ps := make([]*particle.Particle, len(seeds.Points))
	for i, x := range seeds.Points {
		v := vel.Tuple(i)
		var t0 float64
		if hasTime && i < times.Len() {
			t0 = times.Tuple(i)[0]
		}
		id := firstID + int64(i)
		p := particle.New(id, id, i, x, vec3(v), nuv, t0)
		p.Schema = schema
		p.SeedData = make([][]float64, len(arrays))
		for j, a := range arrays {
			p.SeedData[j] = append([]float64(nil), a.Tuple(i)...)
		}
		if initHook != nil {
			initHook.InitializeParticle(p)
		}
		ps[i] = p
	}
	return ps, nil
}

// SeedSchemaOf describes the point arrays of seeds, in their stored order.
func SeedSchemaOf(seeds *mesh.Dataset) (*particle.SeedSchema, []*mesh.Array) {
	arrays := seeds.PointData.Arrays()
	s := &particle.SeedSchema{
		Names:      make([]string, len(arrays)),
		Components: make([]int, len(arrays)),
	}
	for i, a := range arrays {
		s.Names[i] = a.Name
		s.Components[i] = a.Components
	}
	return s, arrays
}
