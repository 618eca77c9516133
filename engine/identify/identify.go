// Package identify answers "who is in this photo" against the embedding index.
package identify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/WessleyAI/castmatch/engine/domain"
	"github.com/WessleyAI/castmatch/pkg/metrics"
)

// Status of an identification.
type Status string

const (
	StatusReady    Status = "ready"
	StatusNotReady Status = "not_ready"
)

// DefaultTopK is the number of candidates returned when none is configured.
const DefaultTopK = 5

// Extractor turns image bytes into an embedding.
type Extractor interface {
	Extract(ctx context.Context, image []byte) ([]float32, error)
}

// Index is the subset of the embedding index the service reads.
type Index interface {
	Len() int
	TopK(ctx context.Context, v []float32, k int) ([]domain.Match, error)
}

// Result is an identification outcome. A not_ready result carries no matches;
// a ready result may carry an empty list.
type Result struct {
	Status  Status         `json:"status"`
	Matches []domain.Match `json:"matches"`
}

// Best returns the first match, if any.
func (r Result) Best() (domain.Match, bool) {
	if len(r.Matches) == 0 {
		return domain.Match{}, false
	}
	return r.Matches[0], true
}

// Config tunes a Service.
type Config struct {
	TopK          int
	MaxProbeBytes int
	Logger        *slog.Logger
	// Metrics receives query counters. nil keeps them in a private registry.
	Metrics *metrics.Registry
}

// Service is stateless apart from its collaborators and safe for concurrent use.
type Service struct {
	idx       Index
	extractor Extractor
	topK      int
	maxProbe  int
	log       *slog.Logger
	met       *metrics.Registry
	duration  *metrics.Histogram
}

// New creates a Service.
func New(idx Index, extractor Extractor, cfg Config) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Service{
		idx:       idx,
		extractor: extractor,
		topK:      cfg.TopK,
		maxProbe:  cfg.MaxProbeBytes,
		log:       cfg.Logger,
		met:       cfg.Metrics,
		duration:  cfg.Metrics.Histogram("castmatch_identify_duration_seconds", "Identification latency", nil),
	}
}

func (s *Service) count(outcome string) {
	s.met.Counter(metrics.WithLabels("castmatch_identify_queries_total", "outcome", outcome), "Identification requests by outcome").Inc()
}

// TopK returns the configured candidate count.
func (s *Service) TopK() int { return s.topK }

// IdentifyImage extracts an embedding from image and ranks the catalog
// against it. The probe is validated before the model is called, and the
// model is not called at all while the index is empty.
func (s *Service) IdentifyImage(ctx context.Context, image []byte) (Result, error) {
	return s.identifyImage(ctx, image, s.topK)
}

// BestMatch is IdentifyImage limited to the single closest candidate.
func (s *Service) BestMatch(ctx context.Context, image []byte) (Result, error) {
	return s.identifyImage(ctx, image, 1)
}

// IdentifyVector ranks the catalog against a precomputed embedding.
func (s *Service) IdentifyVector(ctx context.Context, v []float32) (Result, error) {
	if s.idx.Len() == 0 {
		return s.notReady(), nil
	}
	return s.rank(ctx, v, s.topK)
}

func (s *Service) identifyImage(ctx context.Context, image []byte, k int) (Result, error) {
	defer s.duration.Since(time.Now())

	if err := domain.ValidateProbe(image, s.maxProbe); err != nil {
		s.count("invalid")
		return Result{}, err
	}
	if s.idx.Len() == 0 {
		return s.notReady(), nil
	}
	v, err := s.extractor.Extract(ctx, image)
	if err != nil {
		s.count("extraction_failed")
		if domain.Kind(err) != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		return Result{}, domain.Extraction("identify: extract", err)
	}
	return s.rank(ctx, v, k)
}

func (s *Service) rank(ctx context.Context, v []float32, k int) (Result, error) {
	matches, err := s.idx.TopK(ctx, v, k)
	if errors.Is(err, domain.ErrNotReady) {
		return s.notReady(), nil
	}
	if err != nil {
		s.count("error")
		return Result{}, err
	}
	s.count(string(StatusReady))
	if best, ok := (Result{Matches: matches}).Best(); ok {
		s.log.Debug("identify: ranked", "best_id", best.ID, "similarity", best.Similarity, "k", k)
	}
	return Result{Status: StatusReady, Matches: matches}, nil
}

func (s *Service) notReady() Result {
	s.count(string(StatusNotReady))
	return Result{Status: StatusNotReady, Matches: []domain.Match{}}
}
