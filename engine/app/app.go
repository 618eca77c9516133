// Package app wires the castmatch services from configuration. The API
// server, the ingest worker and their tests share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/castmatch/engine/catalog"
	"github.com/WessleyAI/castmatch/engine/codec"
	"github.com/WessleyAI/castmatch/engine/identify"
	"github.com/WessleyAI/castmatch/engine/index"
	"github.com/WessleyAI/castmatch/engine/ingest"
	"github.com/WessleyAI/castmatch/engine/persist"
	"github.com/WessleyAI/castmatch/engine/semantic"
	"github.com/WessleyAI/castmatch/pkg/config"
	"github.com/WessleyAI/castmatch/pkg/faceembed"
	"github.com/WessleyAI/castmatch/pkg/fn"
	"github.com/WessleyAI/castmatch/pkg/lease"
	"github.com/WessleyAI/castmatch/pkg/metrics"
	"github.com/WessleyAI/castmatch/pkg/natsutil"
)

// App holds the wired services. Close releases every connection it opened.
type App struct {
	Config    config.Config
	Log       *slog.Logger
	Metrics   *metrics.Registry
	Store     index.Store
	Index     *index.Index
	Extractor *faceembed.Client
	Identify  *identify.Service
	Pipeline  *ingest.Pipeline
	// NATS is nil when no server is configured.
	NATS *nats.Conn

	closers []func(context.Context) error
}

// New connects the configured store, loads the index from it and builds the
// identification and ingestion services.
func New(ctx context.Context, cfg config.Config, log *slog.Logger, reg *metrics.Registry) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	a := &App{Config: cfg, Log: log, Metrics: reg}

	if err := a.build(ctx); err != nil {
		a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, log := a.Config, a.Log

	c, err := codec.ByName(cfg.Index.Codec)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := a.openStore(ctx, c); err != nil {
		return err
	}

	a.Index = index.New(a.Store, index.Options{Dimension: cfg.Index.Dimension, Codec: c, Logger: log, Metrics: a.Metrics})
	if _, err := a.Index.Load(ctx); err != nil {
		return fmt.Errorf("app: load index: %w", err)
	}

	a.Extractor = faceembed.New(cfg.Model.URL, faceembed.Options{
		Timeout:          cfg.Model.Timeout,
		BreakerThreshold: cfg.Model.BreakerThreshold,
		BreakerTimeout:   cfg.Model.BreakerTimeout,
		Logger:           log,
	})
	a.Identify = identify.New(a.Index, a.Extractor, identify.Config{
		TopK:          cfg.Query.TopK,
		MaxProbeBytes: cfg.Query.MaxProbeBytes,
		Logger:        log,
		Metrics:       a.Metrics,
	})

	locker, err := a.openLocker()
	if err != nil {
		return err
	}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("castmatch"))
		if err != nil {
			return fmt.Errorf("app: connect nats %s: %w", cfg.NATS.URL, err)
		}
		a.NATS = nc
		a.onClose(func(context.Context) error { return nc.Drain() })
	}

	httpClient := &http.Client{Timeout: cfg.Catalog.FetchTimeout}
	source := catalog.NewTMDB(catalog.TMDBOptions{
		BaseURL:           cfg.Catalog.BaseURL,
		APIKey:            cfg.Catalog.APIKey,
		ImageBase:         cfg.Catalog.ImageBase,
		RequestsPerSecond: cfg.Catalog.RequestsPerSecond,
		HTTPClient:        httpClient,
		Logger:            log,
	})
	retry := fn.DefaultRetry
	retry.MaxAttempts = cfg.Catalog.FetchAttempts
	fetcher := catalog.NewHTTPFetcher(catalog.FetcherOptions{
		MaxBytes:          cfg.Catalog.MaxPhotoBytes,
		RequestsPerSecond: cfg.Catalog.RequestsPerSecond,
		Retry:             retry,
		HTTPClient:        httpClient,
		Logger:            log,
	})

	a.Pipeline = ingest.New(ingest.Deps{
		Source:    source,
		Fetcher:   fetcher,
		Extractor: a.Extractor,
		Index:     a.Index,
		Locker:    locker,
		Conn:      a.NATS,
		Logger:    log,
		Metrics:   a.Metrics,
	}, ingest.Config{
		Delay:         cfg.Catalog.Delay,
		MaxPages:      cfg.Catalog.MaxPages,
		MaxImageBytes: cfg.Query.MaxProbeBytes,
	})
	return nil
}

func (a *App) openStore(ctx context.Context, c codec.Codec) error {
	cfg := a.Config.Store
	switch cfg.Driver {
	case config.StoreMemory, "":
		a.Store = persist.NewMemory()

	case config.StoreBadger:
		b, err := persist.OpenBadger(cfg.BadgerDir, a.Log)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.Store = b
		a.onClose(func(context.Context) error { return b.Close() })

	case config.StoreNeo4j:
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URL, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Password, ""))
		if err != nil {
			return fmt.Errorf("app: neo4j driver: %w", err)
		}
		a.onClose(driver.Close)
		if err := driver.VerifyConnectivity(ctx); err != nil {
			return fmt.Errorf("app: neo4j verify %s: %w", cfg.Neo4j.URL, err)
		}
		s := persist.NewNeo4j(driver, cfg.Neo4j.Database)
		if err := s.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.Store = s

	case config.StoreQdrant:
		vs, err := semantic.New(cfg.Qdrant.Addr, cfg.Qdrant.Collection, c)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.onClose(func(context.Context) error { return vs.Close() })
		if err := vs.EnsureCollection(ctx, a.Config.Index.Dimension); err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.Store = vs

	default:
		return fmt.Errorf("app: unknown store driver %q", cfg.Driver)
	}
	a.Log.Info("app: store ready", "driver", cfg.Driver)
	return nil
}

func (a *App) openLocker() (lease.Locker, error) {
	cfg := a.Config.Lease
	switch cfg.Driver {
	case config.LeaseLocal, "":
		return lease.NewLocal(), nil
	case config.LeaseRedis:
		client := lease.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		a.onClose(func(context.Context) error { return client.Close() })
		return lease.NewRedis(client, lease.RedisOptions{TTL: cfg.TTL, Logger: a.Log}), nil
	default:
		return nil, fmt.Errorf("app: unknown lease driver %q", cfg.Driver)
	}
}

func (a *App) onClose(f func(context.Context) error) { a.closers = append(a.closers, f) }

// Ready reports whether the index has entries to match against.
func (a *App) Ready() bool { return a.Index != nil && a.Index.Len() > 0 }

// Reindex rebuilds the index from the store.
func (a *App) Reindex(ctx context.Context) (index.LoadStats, error) {
	start := time.Now()
	stats, err := a.Index.Rebuild(ctx)
	if err != nil {
		return stats, err
	}
	a.Log.Info("app: index rebuilt", "loaded", stats.Loaded, "skipped", stats.Skipped, "duration", time.Since(start))
	return stats, nil
}

// StoreCount returns the number of records held by the durable store.
func (a *App) StoreCount(ctx context.Context) (int64, error) {
	c, ok := a.Store.(index.Counter)
	if !ok {
		return 0, fmt.Errorf("app: store %T cannot count records", a.Store)
	}
	return c.Count(ctx)
}

// FollowRuns reindexes whenever an ingestion run published on NATS saved new
// records, so a replica that did not run the pipeline itself serves them too.
func (a *App) FollowRuns(ctx context.Context) (*nats.Subscription, error) {
	if a.NATS == nil {
		return nil, errors.New("app: follow runs: nats not configured")
	}
	return natsutil.Subscribe(a.NATS, ingest.CompletedSubject, a.Log, func(_ context.Context, sum ingest.Summary) {
		if sum.Ingested == 0 {
			return
		}
		if _, err := a.Reindex(ctx); err != nil {
			a.Log.Warn("app: reindex after run", "run_id", sum.RunID, "error", err)
		}
	})
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
