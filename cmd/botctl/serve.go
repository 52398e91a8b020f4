package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/botfleet/orchestrator/api"
	"github.com/botfleet/orchestrator/artifact"
	"github.com/botfleet/orchestrator/envstore"
	"github.com/botfleet/orchestrator/identity"
	"github.com/botfleet/orchestrator/metrics"
	"github.com/botfleet/orchestrator/ops"
	"github.com/botfleet/orchestrator/registry"
	"github.com/botfleet/orchestrator/runlog"
	"github.com/botfleet/orchestrator/schedule"
	"github.com/botfleet/orchestrator/store"
)

// retentionInterval paces the log and artifact retention sweep.
const retentionInterval = time.Hour

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Long: `Run the HTTP API server.

The server exposes the management API under /api/v1, the run log websocket
under /ws/runs/{id}/logs, health probes under /healthz and /livez, and
Prometheus metrics under /metrics. It also owns the hourly log
and artifact retention sweep; a named lock keeps one replica doing that
work.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cfg, dbg, err := setup(cmd)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	br, err := openBroker(cfg)
	if err != nil {
		return err
	}
	defer br.Close()

	reg, err := registry.New(registry.Options{Store: st, Broker: br})
	if err != nil {
		return err
	}
	schedules, err := schedule.NewManager(schedule.ManagerOptions{Store: st})
	if err != nil {
		return err
	}
	cipher, err := envstore.NewCipher(cfg.EnvSecret)
	if err != nil {
		return err
	}
	env, err := envstore.NewManager(envstore.ManagerOptions{Store: st, Cipher: cipher})
	if err != nil {
		return err
	}
	opsSvc, err := ops.New(ops.Options{
		Store:             st,
		Broker:            br,
		WorkerStaleWindow: cfg.WorkerStaleWindow(),
		LogRetention:      cfg.LogRetention(),
		ArtifactRetention: cfg.ArtifactRetention(),
	})
	if err != nil {
		return err
	}
	artifacts, err := artifact.New(artifact.Options{Root: cfg.ArtifactsRoot})
	if err != nil {
		return err
	}
	streamer, err := runlog.NewStreamer(runlog.StreamerOptions{Store: st, Broker: br})
	if err != nil {
		return err
	}
	verifier, err := identity.NewVerifier(identity.VerifierOptions{Secret: cfg.JWTSecret})
	if err != nil {
		return err
	}
	mets := metrics.New(nil)

	a, err := api.New(api.Options{
		Registry:  reg,
		Store:     st,
		Schedules: schedules,
		Env:       env,
		Ops:       opsSvc,
		Artifacts: artifacts,
		Streamer:  streamer,
		Verifier:  verifier,
		Metrics:   mets,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	srv := httpServer(ctx, cfg.HTTPAddr, dbg, a.Router(), mets, st, br)
	serveHTTP(ctx, g, srv)
	g.Go(func() error { return retentionLoop(ctx, st, opsSvc) })

	err = g.Wait()
	log.Printf(ctx, "exited")
	return err
}

// retentionLoop sweeps expired run logs and artifacts on a fixed cadence.
// The named lock makes the sweep single-flight across serve replicas on
// PostgreSQL; sweep failures are logged and the loop keeps ticking.
func retentionLoop(ctx context.Context, st *store.Store, opsSvc *ops.Ops) error {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		release, ok, err := st.TryNamedLock(ctx, "retention")
		if err != nil {
			log.Errorf(ctx, err, "retention lock")
			continue
		}
		if !ok {
			continue
		}
		res, err := opsSvc.Retention(ctx)
		release()
		if err != nil {
			log.Errorf(ctx, err, "retention sweep")
			continue
		}
		if res.LogRows > 0 || res.ArtifactRows > 0 || res.ArtifactFiles > 0 {
			log.Infof(ctx, "retention removed %d log rows, %d artifact rows, %d artifact files",
				res.LogRows, res.ArtifactRows, res.ArtifactFiles)
		}
	}
}
