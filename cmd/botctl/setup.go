package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/botfleet/orchestrator/broker"
	"github.com/botfleet/orchestrator/config"
	"github.com/botfleet/orchestrator/metrics"
	"github.com/botfleet/orchestrator/store"
)

// shutdownTimeout bounds the graceful drain of the HTTP server.
const shutdownTimeout = 30 * time.Second

// setup loads the configuration and builds the process log context shared by
// every subcommand: JSON logs in production, terminal format on a TTY, debug
// level when the --debug flag or ORCH_DEBUG asks for it.
func setup(cmd *cobra.Command) (context.Context, *config.Config, bool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, false, err
	}
	dbg, _ := cmd.Root().PersistentFlags().GetBool("debug")
	dbg = dbg || cfg.Debug

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if dbg {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx, cfg, dbg, nil
}

// openStore connects to the relational store. Migrations are not applied
// here; that is the migrate subcommand's job.
func openStore(cfg *config.Config) (*store.Store, error) {
	return store.Open(store.Options{URL: cfg.DatabaseURL})
}

// openBroker connects to the Redis broker.
func openBroker(cfg *config.Config) (*broker.Broker, error) {
	return broker.New(broker.Options{
		URL:             cfg.RedisURL,
		QueueName:       cfg.RedisQueueName,
		PubSubPrefix:    cfg.RedisPubSubPrefix,
		HeartbeatPrefix: cfg.RedisHeartbeatPrefix,
	})
}

// httpServer assembles the operational HTTP surface every daemon role
// exposes: health probes, Prometheus metrics and, in debug mode, the pprof
// and log level endpoints. app, when non-nil, is mounted at the root. The
// log middleware wraps the whole mux so every request carries the process
// log context.
func httpServer(ctx context.Context, addr string, dbg bool, app http.Handler, mets *metrics.Metrics, pingers ...health.Pinger) *http.Server {
	mux := http.NewServeMux()
	check := health.Handler(health.NewChecker(pingers...))
	mux.Handle("/healthz", check)
	mux.Handle("/livez", check)
	mux.Handle("/metrics", mets.Handler())
	if dbg {
		debug.MountPprofHandlers(mux)
		debug.MountDebugLogEnabler(mux)
	}
	if app != nil {
		mux.Handle("/", app)
	}

	var handler http.Handler = mux
	if dbg {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	return &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
}

// serveHTTP runs srv under g and drains it when ctx is canceled.
func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server) {
	g.Go(func() error {
		log.Printf(ctx, "HTTP server listening on %q", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", srv.Addr)
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}
