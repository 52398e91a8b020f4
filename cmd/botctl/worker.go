package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/botfleet/orchestrator/artifact"
	"github.com/botfleet/orchestrator/envstore"
	"github.com/botfleet/orchestrator/metrics"
	"github.com/botfleet/orchestrator/registry"
	"github.com/botfleet/orchestrator/runlog"
	"github.com/botfleet/orchestrator/worker"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the worker runtime",
		Long: `Run the worker runtime.

The worker leases jobs from the queue, downloads nothing (artifacts are
shared storage), launches robot entrypoints as child processes and
supervises them through cancellation, timeout and teardown. It exits when
its status row is set to STOPPED or on SIGINT/SIGTERM; a run in flight is
finalized before the process leaves.

The worker's name comes from ORCH_WORKER_NAME and defaults to the
hostname. Health probes and metrics listen on ORCH_HTTP_ADDR.`,
		Args: cobra.NoArgs,
		RunE: runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
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
	recorder, err := runlog.NewRecorder(runlog.RecorderOptions{Store: st, Broker: br})
	if err != nil {
		return err
	}
	cipher, err := envstore.NewCipher(cfg.EnvSecret)
	if err != nil {
		return err
	}
	secrets, err := envstore.NewManager(envstore.ManagerOptions{Store: st, Cipher: cipher})
	if err != nil {
		return err
	}
	artifacts, err := artifact.New(artifact.Options{Root: cfg.ArtifactsRoot})
	if err != nil {
		return err
	}
	mets := metrics.New(nil)

	wrk, err := worker.New(worker.Options{
		Store:            st,
		Broker:           br,
		Registry:         reg,
		Recorder:         recorder,
		Metrics:          mets,
		Secrets:          secrets,
		Artifacts:        artifacts,
		Name:             cfg.WorkerName,
		Version:          version,
		ArtifactsRoot:    cfg.ArtifactsRoot,
		PythonExecutable: cfg.PythonExecutable,
		StaleWindow:      cfg.WorkerStaleWindow(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	serveHTTP(ctx, g, httpServer(ctx, cfg.HTTPAddr, dbg, nil, mets, st, br))
	g.Go(func() error {
		// A clean return here means the operator stopped the worker; take
		// the ops server down with it.
		defer stop()
		return wrk.Run(ctx)
	})

	err = g.Wait()
	log.Printf(ctx, "exited")
	return err
}
