package distributed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/driftline/geom"
	"github.com/pthm-cable/driftline/mesh"
	"github.com/pthm-cable/driftline/model"
	"github.com/pthm-cable/driftline/particle"
	"github.com/pthm-cable/driftline/tracker"
)

// Config tunes a distributed run.
type Config struct {
	// PollInterval bounds how long an idle rank waits for messages
	// before re-checking the termination protocol.
	PollInterval time.Duration
}

// DefaultConfig returns the default distributed settings.
func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Millisecond}
}

// Tracker runs a tracker.Tracker as one rank of a cluster. It owns the
// rank's queue and integrates with a single worker.
type Tracker struct {
	comm *Comm
	tr   *tracker.Tracker
	cfg  Config
	log  *slog.Logger

	boxes  []r3.Box
	schema *particle.SeedSchema
	queue  *tracker.Queue

	// ctx is the context of the current Run, used by Migrate.
	ctx context.Context

	sent, received int64
}

// New binds tr to comm and installs itself as tr's migrator.
func New(comm *Comm, tr *tracker.Tracker, cfg Config) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	d := &Tracker{
		comm:  comm,
		tr:    tr,
		cfg:   cfg,
		log:   slog.Default().With("rank", comm.Rank()),
		queue: tracker.NewQueue(),
	}
	tr.SetMigrator(d)
	return d
}

// Boxes returns the domain bounding box of every rank.
func (d *Tracker) Boxes() []r3.Box { return d.boxes }

// Schema returns the seed schema agreed on at startup.
func (d *Tracker) Schema() *particle.SeedSchema { return d.schema }

// Run seeds the local points, integrates until the whole cluster is out of
// work and reconciles the terminations of migrated particles. Every rank
// of the cluster must call Run.
func (d *Tracker) Run(ctx context.Context, seeds *mesh.Dataset) (*tracker.Result, error) {
	d.ctx = ctx
	defer func() { d.ctx = nil }()

	ps, err := d.tr.Seed(seeds, 0)
	if err != nil {
		return nil, err
	}
	if err := d.exchangeBoxes(ctx); err != nil {
		return nil, err
	}
	counts, err := d.exchangeCounts(ctx, int64(len(ps)))
	if err != nil {
		return nil, err
	}

	var offset, total int64
	for r, c := range counts {
		if r < d.comm.Rank() {
			offset += c
		}
		total += c
	}
	for _, p := range ps {
		p.ID += offset
		p.SeedID += offset
	}
	d.tr.SetIDs(tracker.NewIDAllocator(total+int64(d.comm.Rank()), int64(d.comm.Size())))

	var local *particle.SeedSchema
	if len(ps) > 0 {
		local, _ = tracker.SeedSchemaOf(seeds)
	}
	if err := d.handshake(ctx, counts, local); err != nil {
		return nil, err
	}
	d.log.Info("rank ready", "seeds", len(ps), "first_id", offset, "total_seeds", total)

	d.queue.PushBatch(ps...)
	w := d.tr.NewWorker(d.comm.Rank())
	res := &tracker.Result{
		Store:  d.tr.Store(),
		Stats:  d.tr.Stats(),
		Seeded: len(ps),
	}
	if err := d.loop(ctx, w); err != nil {
		res.Discarded = len(d.queue.Drain())
		res.Perf = append(res.Perf, w.Perf())
		return res, err
	}
	res.Perf = append(res.Perf, w.Perf())

	if err := d.reconcile(ctx); err != nil {
		return res, err
	}
	d.log.Info("rank complete", "seeded", res.Seeded, "stats", d.tr.Stats())
	return res, nil
}

func (d *Tracker) loop(ctx context.Context, w *tracker.Worker) error {
	term := newTerminator(d.comm, d.log)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p, ok := d.queue.Pop(); ok {
			w.Process(ctx, p, d.queue)
			continue
		}
		if n := d.receive(); n > 0 {
			if err := term.busy(ctx, d.sent, d.received); err != nil {
				return err
			}
			continue
		}
		done, err := term.idle(ctx, d.sent, d.received)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := d.comm.Wait(ctx, d.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (d *Tracker) exchangeBoxes(ctx context.Context) error {
	b := d.tr.Model().Bounds()
	all, err := d.comm.AllGather(ctx, encodeBox([6]float64{b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z}))
	if err != nil {
		return err
	}
	d.boxes = make([]r3.Box, len(all))
	for r, data := range all {
		v, err := decodeBox(data)
		if err != nil {
			return fmt.Errorf("distributed: box of rank %d: %w", r, err)
		}
		d.boxes[r] = r3.Box{Min: r3.Vec{X: v[0], Y: v[1], Z: v[2]}, Max: r3.Vec{X: v[3], Y: v[4], Z: v[5]}}
	}
	return nil
}

func (d *Tracker) exchangeCounts(ctx context.Context, n int64) ([]int64, error) {
	all, err := d.comm.AllGather(ctx, encodeInt64(n))
	if err != nil {
		return nil, err
	}
	counts := make([]int64, len(all))
	for r, data := range all {
		if counts[r], err = decodeInt64(data); err != nil {
			return nil, fmt.Errorf("distributed: seed count of rank %d: %w", r, err)
		}
	}
	return counts, nil
}

// handshake adopts the seed schema of the highest rank holding seeds. A
// rank whose own schema differs logs a warning and carries on.
func (d *Tracker) handshake(ctx context.Context, counts []int64, local *particle.SeedSchema) error {
	root := -1
	for r := len(counts) - 1; r >= 0; r-- {
		if counts[r] > 0 {
			root = r
			break
		}
	}
	if root < 0 {
		d.schema = &particle.SeedSchema{}
		return nil
	}

	var payload []byte
	if d.comm.Rank() == root {
		var err error
		if payload, err = yaml.Marshal(local); err != nil {
			return fmt.Errorf("distributed: encoding seed schema: %w", err)
		}
	}
	payload, err := d.comm.Broadcast(ctx, root, payload)
	if err != nil {
		return err
	}
	var schema particle.SeedSchema
	if err := yaml.Unmarshal(payload, &schema); err != nil {
		return fmt.Errorf("distributed: decoding seed schema: %w", err)
	}
	d.schema = &schema
	if local != nil && !local.Equal(&schema) {
		d.log.Warn("seed schema mismatch", "root", root, "local", local.Names, "remote", schema.Names)
	}
	return nil
}

// Migrate sends p to every other rank whose domain box contains its
// position. The record carries p's ManualShift request to the receiver. The local path piece ends Transferred, or OutOfDomain when no
// rank can take the particle.
func (d *Tracker) Migrate(p *particle.Particle) particle.Termination {
	ctx := d.ctx
	if ctx == nil {
		return particle.OutOfDomain
	}
	pos := p.Position()
	tol := d.tr.Model().Tolerance()

	var record []byte
	sent := false
	for r, box := range d.boxes {
		if r == d.comm.Rank() || !geom.BoxContains(box, pos, tol) {
			continue
		}
		if record == nil {
			p.InsertPreviousPosition = true
			record = EncodeParticle(p)
			p.InsertPreviousPosition = false
		}
		if err := d.comm.Send(ctx, r, TagParticle, record); err != nil {
			d.log.Warn("migration failed", "id", p.ID, "to", r, "err", err)
			continue
		}
		d.sent++
		d.tr.Stats().AddSent()
		sent = true
	}
	if sent {
		return particle.Transferred
	}
	return particle.OutOfDomain
}

// receive queues every particle that arrived and lies in the local domain.
// It returns the number of records read, rejected ones included.
func (d *Tracker) receive() int {
	n := 0
	for {
		m, ok := d.comm.Poll(TagParticle)
		if !ok {
			return n
		}
		n++
		d.received++
		p, err := DecodeParticle(m.Payload, d.schema)
		if err != nil {
			d.log.Warn("bad particle record", "from", m.From, "err", err)
			d.tr.Stats().AddReceived(false)
			continue
		}
		if !d.accept(p) {
			d.tr.Stats().AddReceived(false)
			continue
		}
		d.tr.Stats().AddReceived(true)
		d.queue.Push(p)
	}
}

func (d *Tracker) accept(p *particle.Particle) bool {
	m := d.tr.Model()
	if _, ok := m.FindInLocators(p.Position(), p); !ok {
		return false
	}
	p.Termination = particle.NotTerminated
	p.Interaction = particle.NoInteraction
	p.InsertPreviousPosition = true
	if p.ManualShift {
		if sh, ok := m.Physics().(model.ManualShifter); ok {
			sh.ParallelManualShift(p)
		}
		p.ManualShift = false
	}
	return true
}

// reconcile shares the final termination of every particle that ended on
// this rank and rewrites the local pieces of migrated particles with it.
func (d *Tracker) reconcile(ctx context.Context) error {
	store := d.tr.Store()
	local := store.Terminations()
	final := make(map[int64]particle.Termination, len(local))
	for id, t := range local {
		if t != particle.OutOfDomain && t != particle.Transferred {
			final[id] = t
		}
	}
	all, err := d.comm.AllGather(ctx, encodeTerminations(final))
	if err != nil {
		return err
	}
	auth := make(map[int64]particle.Termination)
	for r, data := range all {
		if err := decodeTerminations(data, auth); err != nil {
			return fmt.Errorf("distributed: terminations of rank %d: %w", r, err)
		}
	}

	updated := 0
	for id, t := range local {
		if a, ok := auth[id]; ok {
			updated += store.SetTermination(id, a)
		} else if t == particle.Transferred || t == particle.OutOfDomain {
			updated += store.SetTermination(id, particle.OutOfDomain)
		}
	}
	d.log.Debug("reconciled terminations", "ids", len(local), "pieces", updated)
	return nil
}

// Setup builds the tracker and seed points of one rank.
type Setup func(rank int) (*tracker.Tracker, *mesh.Dataset, error)

// RunCluster runs size ranks in this process over a LocalNetwork and
// returns their results in rank order.
func RunCluster(ctx context.Context, size int, cfg Config, setup Setup) ([]*tracker.Result, error) {
	return RunOver(ctx, NewLocalNetwork(size), cfg, setup)
}

// RunOver runs one rank per transport. The transports belong to one
// cluster, which may span processes; results are indexed by rank and are
// nil for ranks running elsewhere. RunOver closes the transports.
func RunOver(ctx context.Context, transports []Transport, cfg Config, setup Setup) ([]*tracker.Result, error) {
	size := 0
	if len(transports) > 0 {
		size = transports[0].Size()
	}
	results := make([]*tracker.Result, size)
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range transports {
		g.Go(func() error {
			comm := NewComm(t)
			defer comm.Close()
			tr, seeds, err := setup(t.Rank())
			if err != nil {
				return fmt.Errorf("rank %d: %w", t.Rank(), err)
			}
			res, err := New(comm, tr, cfg).Run(ctx, seeds)
			results[t.Rank()] = res
			if err != nil {
				return fmt.Errorf("rank %d: %w", t.Rank(), err)
			}
			return nil
		})
	}
	return results, g.Wait()
}
