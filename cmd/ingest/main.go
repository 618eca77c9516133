// Command ingest keeps the face catalog current: it loads the index, runs the
// catalog pipeline on an interval and serves run requests over NATS.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/WessleyAI/castmatch/engine/app"
	"github.com/WessleyAI/castmatch/engine/domain"
	"github.com/WessleyAI/castmatch/engine/ingest"
	"github.com/WessleyAI/castmatch/pkg/config"
	"github.com/WessleyAI/castmatch/pkg/metrics"
)

func main() {
	var (
		configPath = flag.String("config", config.Path(), "YAML config file")
		once       = flag.Bool("once", false, "run the pipeline once and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	if *once {
		cfg.Ingest.Interval = 0
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("ingest exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	reg.CollectRuntime(ctx, "castmatch_ingest", 15*time.Second)

	a, err := app.New(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if cfg.Ingest.Interval <= 0 {
		sum, err := a.Pipeline.Run(ctx)
		logger.Info(sum.String(), "run_id", sum.RunID)
		return err
	}

	if a.NATS != nil {
		sub, err := a.Pipeline.StartTrigger(ctx, a.NATS)
		if err != nil {
			return err
		}
		defer sub.Drain()
		logger.Info("serving run requests", "subject", ingest.RunSubject)
	}

	g, gctx := errgroup.WithContext(ctx)
	serveMetrics(gctx, g, reg, cfg.Server.MetricsAddr, cfg.Server.ShutdownTimeout)
	g.Go(func() error {
		schedule(gctx, a.Pipeline, cfg.Ingest.Interval, logger)
		return nil
	})
	return g.Wait()
}

// serveMetrics exposes reg on addr until ctx is done. An empty addr disables
// the listener.
func serveMetrics(ctx context.Context, g *errgroup.Group, reg *metrics.Registry, addr string, shutdownTimeout time.Duration) {
	if addr == "" {
		return
	}
	srv := reg.Server(addr)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

type runner interface {
	Run(ctx context.Context) (ingest.Summary, error)
}

// schedule runs p immediately and then every interval until ctx is done. A run
// still in progress elsewhere is not an error.
func schedule(ctx context.Context, p runner, interval time.Duration, logger *slog.Logger) {
	logger.Info("scheduling ingestion", "interval", interval)
	tick := func() {
		sum, err := p.Run(ctx)
		switch {
		case errors.Is(err, domain.ErrRunInProgress):
			logger.Info("ingestion already running, skipping tick")
		case err != nil:
			logger.Warn("scheduled ingestion aborted", "run_id", sum.RunID, "error", err)
		}
	}

	tick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			tick()
		}
	}
}
