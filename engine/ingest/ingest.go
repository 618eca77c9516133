// Package ingest builds and refreshes the embedding catalog from an external
// paginated source: every new entity's photo is downloaded, embedded and
// upserted into the index, one entity at a time.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/castmatch/engine/domain"
	"github.com/WessleyAI/castmatch/pkg/fn"
	"github.com/WessleyAI/castmatch/pkg/lease"
	"github.com/WessleyAI/castmatch/pkg/metrics"
	"github.com/WessleyAI/castmatch/pkg/natsutil"
)

const (
	// LeaseName guards a run against concurrent runs.
	LeaseName = "catalog-ingest"
	// CompletedSubject carries the Summary of every finished run.
	CompletedSubject = "catalog.ingest.completed"
)

// CatalogSource pages through the external catalog. Page numbers start at 1.
type CatalogSource interface {
	FetchPage(ctx context.Context, page int) (domain.Page, error)
}

// ImageFetcher downloads a reference photo.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Extractor turns image bytes into an embedding.
type Extractor interface {
	Extract(ctx context.Context, image []byte) ([]float32, error)
}

// Index is the part of the embedding index the pipeline writes to.
type Index interface {
	Exists(id int64) bool
	Upsert(ctx context.Context, id int64, displayName, imageURL string, v []float32) error
}

// Deps holds the collaborators of a Pipeline.
type Deps struct {
	Source    CatalogSource
	Fetcher   ImageFetcher
	Extractor Extractor
	Index     Index
	// Locker guards runs. nil uses an in-process lease.
	Locker lease.Locker
	// Conn, when set, receives a Summary on CompletedSubject after every run.
	Conn    *nats.Conn
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Config tunes a Pipeline.
type Config struct {
	// Delay is waited after every ingested entity.
	Delay time.Duration
	// MaxPages stops a run after that many pages. 0 means no bound.
	MaxPages int
	// MaxImageBytes bounds images passed to Enroll. 0 means no bound.
	MaxImageBytes int
}

// Pipeline runs catalog ingestion. Runs are sequential within themselves and
// mutually exclusive through the lease.
type Pipeline struct {
	deps Deps
	cfg  Config
	log  *slog.Logger
	met  *pipelineMetrics

	perEntity fn.Stage[domain.Entity, int64]
	perPhoto  fn.Stage[photo, int64]
}

type photo struct {
	entity domain.Entity
	image  []byte
}

type embedded struct {
	entity domain.Entity
	vector []float32
}

// New creates a Pipeline.
func New(deps Deps, cfg Config) *Pipeline {
	if deps.Locker == nil {
		deps.Locker = lease.NewLocal()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	p := &Pipeline{deps: deps, cfg: cfg, log: deps.Logger, met: newPipelineMetrics(deps.Metrics)}

	download := fn.TracedStage("ingest.download", fn.Lift(p.download))
	extract := fn.TracedStage("ingest.extract", fn.Lift(p.extract))
	upsert := fn.TracedStage("ingest.upsert", fn.Lift(p.upsert))
	p.perPhoto = fn.Then(extract, upsert)
	p.perEntity = fn.Then(download, p.perPhoto)
	return p
}

func (p *Pipeline) download(ctx context.Context, e domain.Entity) (photo, error) {
	img, err := p.deps.Fetcher.Fetch(ctx, e.PhotoURL)
	if err != nil {
		if domain.Kind(err) == nil {
			err = domain.Transport("ingest: download", err)
		}
		return photo{}, err
	}
	return photo{entity: e, image: img}, nil
}

func (p *Pipeline) extract(ctx context.Context, ph photo) (embedded, error) {
	v, err := p.deps.Extractor.Extract(ctx, ph.image)
	if err != nil {
		if domain.Kind(err) == nil && ctx.Err() == nil {
			err = domain.Extraction("ingest: extract", err)
		}
		return embedded{}, err
	}
	return embedded{entity: ph.entity, vector: v}, nil
}

func (p *Pipeline) upsert(ctx context.Context, em embedded) (int64, error) {
	e := em.entity
	if err := p.deps.Index.Upsert(ctx, e.ID, e.DisplayName, e.PhotoURL, em.vector); err != nil {
		return 0, err
	}
	return e.ID, nil
}

// Run pages through the catalog until an empty or last page and ingests every
// entity not yet in the index. A page fetch failure aborts the run; per-entity
// failures are logged and skipped. The summary is returned in every case,
// alongside the error that aborted the run, if any. A run already holding the
// lease yields domain.ErrRunInProgress.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	l, err := p.acquire(ctx)
	if err != nil {
		return Summary{}, err
	}
	return p.run(ctx, l, uuid.NewString())
}

// Start takes the lease and runs in the background on ctx, returning the run
// id at once. A held lease fails with domain.ErrRunInProgress as in Run.
func (p *Pipeline) Start(ctx context.Context) (string, error) {
	l, err := p.acquire(ctx)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	go func() { _, _ = p.run(ctx, l, id) }()
	return id, nil
}

func (p *Pipeline) acquire(ctx context.Context) (lease.Lease, error) {
	l, err := p.deps.Locker.TryAcquire(ctx, LeaseName)
	if errors.Is(err, lease.ErrHeld) {
		p.met.runs("rejected").Inc()
		return nil, domain.ErrRunInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: acquire lease: %w", err)
	}
	return l, nil
}

// run owns l and releases it when done.
func (p *Pipeline) run(ctx context.Context, l lease.Lease, runID string) (Summary, error) {
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			p.log.Warn("ingest: release lease", "error", err)
		}
	}()

	sum := Summary{RunID: runID, StartedAt: time.Now().UTC()}
	log := p.log.With("run_id", sum.RunID)
	log.Info("ingest: run started", "max_pages", p.cfg.MaxPages, "delay", p.cfg.Delay)

	err := p.pages(ctx, log, &sum)
	sum.FinishedAt = time.Now().UTC()
	p.met.duration.Observe(sum.FinishedAt.Sub(sum.StartedAt).Seconds())
	p.met.lastRun.SetTime(sum.FinishedAt)
	if err != nil {
		sum.Aborted = true
		sum.Error = err.Error()
		p.met.runs("aborted").Inc()
		log.Error("ingest: run aborted", "pages", sum.Pages, "ingested", sum.Ingested, "error", err)
	} else {
		p.met.runs("completed").Inc()
		log.Info("ingest: run completed", "pages", sum.Pages, "ingested", sum.Ingested,
			"skipped_existing", sum.SkippedExisting, "skipped_no_photo", sum.SkippedNoPhoto, "failed", sum.Failed)
	}
	p.publish(ctx, log, sum)
	return sum, err
}

func (p *Pipeline) pages(ctx context.Context, log *slog.Logger, sum *Summary) error {
	for n := 1; p.cfg.MaxPages <= 0 || n <= p.cfg.MaxPages; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := p.deps.Source.FetchPage(ctx, n)
		if err != nil {
			p.met.pageErrors.Inc()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ingest: page %d: %w", n, err)
		}
		if page.IsEmpty() {
			log.Info("ingest: catalog exhausted", "page", n)
			return nil
		}
		sum.Pages++
		p.met.pages.Inc()

		for _, e := range page.Entities {
			if err := p.entity(ctx, log, e, sum); err != nil {
				return err
			}
		}
		if page.IsLast() {
			return nil
		}
	}
	return nil
}

// entity processes one catalog entry. Only cancellation is returned; every
// other failure is counted on sum.
func (p *Pipeline) entity(ctx context.Context, log *slog.Logger, e domain.Entity, sum *Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.deps.Index.Exists(e.ID) {
		sum.SkippedExisting++
		p.met.entities("existing").Inc()
		return nil
	}
	if !e.HasPhoto() {
		sum.SkippedNoPhoto++
		p.met.entities("no_photo").Inc()
		log.Info("ingest: skipping entity without photo", "entity_id", e.ID, "name", e.DisplayName)
		return nil
	}

	if _, err := p.perEntity(ctx, e).Unwrap(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sum.Failed++
		p.met.entities("failed").Inc()
		p.met.failures(kindLabel(err)).Inc()
		log.Warn("ingest: skipping entity", "entity_id", e.ID, "name", e.DisplayName, "error", err)
		return nil
	}
	sum.Ingested++
	p.met.entities("ingested").Inc()
	log.Debug("ingest: entity saved", "entity_id", e.ID, "name", e.DisplayName)
	return sleep(ctx, p.cfg.Delay)
}

func (p *Pipeline) publish(ctx context.Context, log *slog.Logger, sum Summary) {
	if p.deps.Conn == nil {
		return
	}
	if err := natsutil.Publish(context.WithoutCancel(ctx), p.deps.Conn, CompletedSubject, sum); err != nil {
		log.Warn("ingest: publish summary", "error", err)
	}
}

// EnrollRequest adds a single entity from an uploaded image. When Image is
// empty the photo is downloaded from ImageURL.
type EnrollRequest struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	ImageURL    string `json:"image_url"`
	Image       []byte `json:"-"`
}

// Enroll extracts and upserts one entity. Unlike Run, every failure is
// returned to the caller.
func (p *Pipeline) Enroll(ctx context.Context, req EnrollRequest) error {
	if req.ID <= 0 {
		return domain.NewValidationError("id", fmt.Sprint(req.ID), domain.ErrInvalidArgument)
	}
	e := domain.Entity{ID: req.ID, DisplayName: req.DisplayName, PhotoURL: req.ImageURL}

	var err error
	switch {
	case len(req.Image) > 0:
		if err = domain.ValidateProbe(req.Image, p.cfg.MaxImageBytes); err != nil {
			return err
		}
		_, err = p.perPhoto(ctx, photo{entity: e, image: req.Image}).Unwrap()
	case e.HasPhoto():
		_, err = p.perEntity(ctx, e).Unwrap()
	default:
		return domain.NewValidationError("image", "", domain.ErrEmptyProbe)
	}
	if err != nil {
		p.met.failures(kindLabel(err)).Inc()
		return err
	}
	p.met.entities("enrolled").Inc()
	p.log.Info("ingest: entity enrolled", "entity_id", e.ID, "name", e.DisplayName)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
