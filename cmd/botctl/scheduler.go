package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/botfleet/orchestrator/metrics"
	"github.com/botfleet/orchestrator/registry"
	"github.com/botfleet/orchestrator/schedule"
)

func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the cron scheduler",
		Long: `Run the cron scheduler.

Every tick the scheduler evaluates enabled schedules against the current
minute and dispatches runs for the ones that match. Per-robot named locks
and the dispatch-window dedupe make it safe to run several replicas; at
most one dispatches any given (robot, minute).`,
		Args: cobra.NoArgs,
		RunE: runScheduler,
	}
}

func runScheduler(cmd *cobra.Command, _ []string) error {
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
	sched, err := schedule.New(schedule.Options{
		Store:       st,
		Registry:    reg,
		Interval:    cfg.SchedulerInterval(),
		AppTimezone: cfg.Location(),
	})
	if err != nil {
		return err
	}
	mets := metrics.New(nil)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	serveHTTP(ctx, g, httpServer(ctx, cfg.HTTPAddr, dbg, nil, mets, st, br))
	g.Go(func() error { return sched.Run(ctx) })

	err = g.Wait()
	log.Printf(ctx, "exited")
	return err
}
