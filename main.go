package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pthm-cable/driftline/config"
	"github.com/pthm-cable/driftline/distributed"
	"github.com/pthm-cable/driftline/mesh"
	"github.com/pthm-cable/driftline/model"
	"github.com/pthm-cable/driftline/output"
	"github.com/pthm-cable/driftline/scenario"
	"github.com/pthm-cable/driftline/stepper"
	"github.com/pthm-cable/driftline/telemetry"
	"github.com/pthm-cable/driftline/tracker"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	outputDir := flag.String("output-dir", "", "Output directory for CSV files and config snapshot (empty = use config)")
	ranks := flag.Int("ranks", 0, "Number of ranks (0 = use config)")
	rank := flag.Int("rank", -1, "This process's rank for the websocket transport (-1 = use config)")
	workers := flag.Int("workers", -1, "Worker goroutines per rank (-1 = use config, 0 = GOMAXPROCS)")
	flag.Parse()

	if err := config.Init(*configPath); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := config.Cfg()
	if *ranks > 0 {
		cfg.Cluster.Ranks = *ranks
	}
	if *rank >= 0 {
		cfg.Cluster.Rank = *rank
	}
	if *workers >= 0 {
		cfg.Tracker.Workers = *workers
	}
	if *outputDir != "" {
		cfg.Output.Dir = *outputDir
	}

	// Set up slog (JSON to stdout for structured logging)
	opts := &slog.HandlerOptions{Level: cfg.Derived.LogLevel}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Telemetry.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	sc, err := scenario.Build(cfg.Scenario)
	if err != nil {
		return err
	}

	w, err := output.NewWriter(cfg.Output.Dir)
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.WriteConfig(cfg); err != nil {
		return err
	}

	slog.Info("starting run",
		"ranks", cfg.Cluster.Ranks,
		"transport", cfg.Cluster.Transport,
		"physics", cfg.Model.Physics,
		"stepper", cfg.Model.Stepper,
		"seeds", len(sc.Seeds.Points),
		"output_dir", w.Dir(),
	)

	var results []*tracker.Result
	if cfg.Cluster.Ranks == 1 {
		tr, seeds, err := newTracker(cfg, sc)
		if err != nil {
			return err
		}
		res, err := tr.Run(ctx, seeds)
		if res != nil {
			results = []*tracker.Result{res}
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	} else {
		results, err = runCluster(ctx, cfg, sc)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	return writeResults(w, cfg, results)
}

func runCluster(ctx context.Context, cfg *config.Config, sc *scenario.Scenario) ([]*tracker.Result, error) {
	parts, err := sc.Partition(cfg.Cluster.Ranks)
	if err != nil {
		return nil, err
	}
	setup := func(rank int) (*tracker.Tracker, *mesh.Dataset, error) {
		return newTracker(cfg, parts[rank])
	}
	dcfg := distributed.Config{PollInterval: cfg.Derived.PollInterval}

	if cfg.Cluster.Transport == "websocket" {
		t, err := distributed.ListenWebSocket(ctx, cfg.Cluster.Rank, cfg.Cluster.Addresses)
		if err != nil {
			return nil, err
		}
		return distributed.RunOver(ctx, []distributed.Transport{t}, dcfg, setup)
	}
	return distributed.RunCluster(ctx, cfg.Cluster.Ranks, dcfg, setup)
}

func newTracker(cfg *config.Config, sc *scenario.Scenario) (*tracker.Tracker, *mesh.Dataset, error) {
	var phys model.Physics
	switch cfg.Model.Physics {
	case "matida", "":
		phys = &model.Matida{Gravity: cfg.Derived.Gravity}
	case "ballistic":
		phys = &model.Ballistic{Gravity: cfg.Derived.Gravity}
	default:
		return nil, nil, fmt.Errorf("unknown physics %q", cfg.Model.Physics)
	}
	m, err := sc.Model(phys, model.Options{
		Tolerance:            cfg.Model.Tolerance,
		NonPlanarQuadSupport: cfg.Model.NonPlanarQuads,
	})
	if err != nil {
		return nil, nil, err
	}
	s, err := stepper.New(cfg.Model.Stepper)
	if err != nil {
		return nil, nil, err
	}
	tr, err := tracker.New(m, s, cfg.TrackerSettings(), tracker.Options{})
	if err != nil {
		return nil, nil, err
	}
	return tr, sc.Seeds, nil
}

func writeResults(w *output.Writer, cfg *config.Config, results []*tracker.Result) error {
	var summary []telemetry.Snapshot
	var perf []telemetry.PerfStatsCSV
	for r, res := range results {
		if res == nil {
			continue
		}
		snap := res.Stats.ToCSV(r)
		summary = append(summary, snap)
		for i, ps := range res.Perf {
			perf = append(perf, ps.ToCSV(r, i))
			slog.Info("worker perf", "rank", r, "worker", i, "perf", ps)
		}
		paths, interactions := res.Store.Len()
		slog.Info("rank summary", "rank", r, "paths", paths, "interactions", interactions,
			"seeded", res.Seeded, "discarded", res.Discarded, "stats", res.Stats)

		if err := w.WriteStore(r, res.Store, cfg.Output.WritePaths); err != nil {
			return err
		}
	}
	if err := w.Append("summary.csv", summary); err != nil {
		return err
	}
	return w.Append("perf.csv", perf)
}
