// Package index holds the in-memory embedding index: normalized reference
// vectors keyed by entity id, answered by linear cosine-similarity scan and
// kept consistent with a durable Store through write-through upserts.
package index

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/WessleyAI/castmatch/engine/codec"
	"github.com/WessleyAI/castmatch/engine/domain"
	"github.com/WessleyAI/castmatch/engine/vector"
	"github.com/WessleyAI/castmatch/pkg/metrics"
)

// EntriesGauge is set to the number of entries after every Load and Upsert.
const EntriesGauge = "castmatch_index_entries"

// Store is the durable owner of embedding records.
type Store interface {
	Save(ctx context.Context, rec domain.StoredRecord) error
	FindAll(ctx context.Context) ([]domain.StoredRecord, error)
}

// Counter is implemented by stores that can count their records without
// reading them. Comparing it with Len exposes a cache that drifted from the
// store.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// Options configures an Index.
type Options struct {
	// Dimension fixes the vector dimension. 0 learns it from the first
	// record loaded or upserted.
	Dimension int
	Codec     codec.Codec
	Logger    *slog.Logger
	// Metrics, when set, receives EntriesGauge.
	Metrics *metrics.Registry
}

// LoadStats reports the outcome of a Load.
type LoadStats struct {
	Loaded  int `json:"loaded"`
	Skipped int `json:"skipped"`
}

// Index is safe for concurrent use. Queries scan a snapshot of the entries
// taken under the read lock; upserts hold the write lock only to swap one
// entry after the store accepted it.
type Index struct {
	store Store
	codec codec.Codec
	log   *slog.Logger
	size  *metrics.Gauge

	// learnMu serializes writes while the dimension is still unknown.
	learnMu sync.Mutex

	mu   sync.RWMutex
	dim  int
	recs map[int64]domain.Record
}

// New creates an empty Index backed by store.
func New(store Store, opts Options) *Index {
	c := opts.Codec
	if c == nil {
		c = codec.JSON{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	x := &Index{
		store: store,
		codec: c,
		log:   log,
		dim:   opts.Dimension,
		recs:  make(map[int64]domain.Record),
	}
	if opts.Metrics != nil {
		x.size = opts.Metrics.Gauge(EntriesGauge, "Entries in the embedding index")
	}
	return x
}

// Load replaces the in-memory entries with the store contents. Records that
// cannot be decoded or validated are logged and skipped.
func (x *Index) Load(ctx context.Context) (LoadStats, error) {
	rows, err := x.store.FindAll(ctx)
	if err != nil {
		return LoadStats{}, domain.Persistence("index: find all", err)
	}

	x.learnMu.Lock()
	defer x.learnMu.Unlock()

	x.mu.RLock()
	dim := x.dim
	x.mu.RUnlock()

	var stats LoadStats
	entries := make(map[int64]domain.Record, len(rows))
	for _, row := range rows {
		v, err := x.codec.Decode(row.Vector)
		if err == nil {
			err = domain.ValidateVector(v, dim)
		}
		if err != nil {
			stats.Skipped++
			x.log.Warn("index: skipping malformed record", "entity_id", row.ID, "error", err)
			continue
		}
		if dim == 0 {
			dim = len(v)
		}
		entries[row.ID] = domain.Record{
			ID:          row.ID,
			DisplayName: row.DisplayName,
			ImageURL:    row.ImageURL,
			Vector:      vector.Normalize(v),
		}
	}
	stats.Loaded = len(entries)

	x.mu.Lock()
	x.recs = entries
	x.dim = dim
	x.setEntries(len(entries))
	x.mu.Unlock()

	x.log.Info("index: loaded", "loaded", stats.Loaded, "skipped", stats.Skipped, "dimension", dim)
	return stats, nil
}

// Rebuild reloads the index from the store. It is the recovery path when the
// cache and the store are suspected to have diverged.
func (x *Index) Rebuild(ctx context.Context) (LoadStats, error) {
	return x.Load(ctx)
}

// Upsert normalizes v, persists the record and only then publishes it to the
// in-memory entries. A store failure leaves the entries untouched.
func (x *Index) Upsert(ctx context.Context, id int64, displayName, imageURL string, v []float32) error {
	if x.Dimension() == 0 {
		x.learnMu.Lock()
		defer x.learnMu.Unlock()
	}
	dim := x.Dimension()
	if err := domain.ValidateVector(v, dim); err != nil {
		return err
	}

	rec := domain.Record{
		ID:          id,
		DisplayName: displayName,
		ImageURL:    imageURL,
		Vector:      vector.Normalize(v),
	}
	data, err := x.codec.Encode(rec.Vector)
	if err != nil {
		return domain.Persistence("index: encode "+strconv.FormatInt(id, 10), err)
	}
	if err := x.store.Save(ctx, domain.StoredRecord{
		ID:          id,
		DisplayName: displayName,
		ImageURL:    imageURL,
		Vector:      data,
	}); err != nil {
		return domain.Persistence("index: save "+strconv.FormatInt(id, 10), err)
	}

	x.mu.Lock()
	if x.dim == 0 {
		x.dim = len(rec.Vector)
	}
	x.recs[id] = rec
	x.setEntries(len(x.recs))
	x.mu.Unlock()
	return nil
}

func (x *Index) setEntries(n int) {
	if x.size != nil {
		x.size.Set(float64(n))
	}
}

// Exists reports whether id is present.
func (x *Index) Exists(id int64) bool {
	x.mu.RLock()
	_, ok := x.recs[id]
	x.mu.RUnlock()
	return ok
}

// Get returns the record for id.
func (x *Index) Get(id int64) (domain.Record, bool) {
	x.mu.RLock()
	rec, ok := x.recs[id]
	x.mu.RUnlock()
	return rec, ok
}

// Len returns the number of entries.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.recs)
}

// Dimension returns the vector dimension, 0 while unknown.
func (x *Index) Dimension() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dim
}

// Query returns the single closest entry to v. It returns domain.ErrNotReady
// when the index is empty.
func (x *Index) Query(ctx context.Context, v []float32) (domain.Match, error) {
	matches, err := x.TopK(ctx, v, 1)
	if err != nil {
		return domain.Match{}, err
	}
	return matches[0], nil
}

// TopK returns up to k entries ordered by similarity descending, ties broken
// by ascending id. It returns domain.ErrNotReady when the index is empty.
func (x *Index) TopK(ctx context.Context, v []float32, k int) ([]domain.Match, error) {
	if k <= 0 {
		return nil, domain.NewValidationError("k", strconv.Itoa(k), domain.ErrInvalidArgument)
	}
	snapshot, dim := x.snapshot()
	if len(snapshot) == 0 {
		return nil, domain.ErrNotReady
	}
	if err := domain.ValidateVector(v, dim); err != nil {
		return nil, err
	}
	q := vector.Normalize(v)

	matches := make([]domain.Match, 0, len(snapshot))
	for i, rec := range snapshot {
		if i%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		sim, err := vector.Similarity(q, rec.Vector)
		if err != nil {
			return nil, err
		}
		matches = append(matches, domain.Match{
			ID:          rec.ID,
			DisplayName: rec.DisplayName,
			ImageURL:    rec.ImageURL,
			Similarity:  sim,
		})
	}
	slices.SortFunc(matches, compareMatches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func compareMatches(a, b domain.Match) int {
	if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// snapshot copies the current entries. Records are never mutated after they
// are published, so sharing their vectors is safe.
func (x *Index) snapshot() ([]domain.Record, int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]domain.Record, 0, len(x.recs))
	for _, rec := range x.recs {
		out = append(out, rec)
	}
	return out, x.dim
}
