// Command api serves face identification and catalog administration over HTTP.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/WessleyAI/castmatch/engine/app"
	"github.com/WessleyAI/castmatch/pkg/config"
	"github.com/WessleyAI/castmatch/pkg/metrics"
	"github.com/WessleyAI/castmatch/pkg/mid"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	reg.CollectRuntime(ctx, "castmatch_api", 15*time.Second)

	a, err := app.New(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if a.NATS != nil {
		sub, err := a.FollowRuns(ctx)
		if err != nil {
			return err
		}
		defer sub.Drain()
	}

	s := &server{
		ident:      a.Identify,
		pipeline:   a.Pipeline,
		idx:        a.Index,
		reindex:    a.Reindex,
		storeCount: a.StoreCount,
		breaker:    a.Extractor.Breaker(),
		log:        logger,
		maxUpload:  cfg.Server.MaxUploadBytes,
		baseCtx:    ctx,
	}

	mux := s.routes()
	mux.Handle("GET /metrics", reg.Handler())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.CORS(cfg.Server.CORSOrigin),
		mid.OTel("castmatch-api"),
		mid.Metrics(reg, "castmatch_api"),
	)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	metricsSrv := reg.Server(cfg.Server.MetricsAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api server starting", "addr", srv.Addr, "entries", a.Index.Len())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Server.MetricsAddr != "" {
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutCtx), metricsSrv.Shutdown(shutCtx))
	})
	return g.Wait()
}
