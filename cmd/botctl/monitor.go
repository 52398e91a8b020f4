package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/botfleet/orchestrator/metrics"
	"github.com/botfleet/orchestrator/monitor"
)

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Run the SLA monitor",
		Long: `Run the SLA monitor.

Every tick the monitor checks robots against their SLA rules and the fleet
against its health conditions, opening LATE, FAILURE_STREAK, WORKER_DOWN
and QUEUE_BACKLOG alerts. Detection is idempotent; a condition already
covered by an unresolved alert does not open another one, so running a
spare replica is safe.`,
		Args: cobra.NoArgs,
		RunE: runMonitor,
	}
}

func runMonitor(cmd *cobra.Command, _ []string) error {
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

	mets := metrics.New(nil)
	mon, err := monitor.New(monitor.Options{
		Store:                  st,
		Broker:                 br,
		Metrics:                mets,
		Interval:               cfg.SlaMonitorInterval(),
		AppTimezone:            cfg.Location(),
		FailureStreakThreshold: cfg.FailureStreakThreshold,
		QueueBacklogThreshold:  int64(cfg.QueueBacklogAlertThreshold),
		WorkerStaleWindow:      cfg.WorkerStaleWindow(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	serveHTTP(ctx, g, httpServer(ctx, cfg.HTTPAddr, dbg, nil, mets, st, br))
	g.Go(func() error { return mon.Run(ctx) })

	err = g.Wait()
	log.Printf(ctx, "exited")
	return err
}
