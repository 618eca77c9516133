// Package persist provides the durable stores behind the embedding index:
// an in-process map, an embedded Badger database and a Neo4j graph. The
// Qdrant store lives in engine/semantic.
package persist

import (
	"context"
	"slices"
	"sync"

	"github.com/WessleyAI/castmatch/engine/domain"
)

// Memory keeps records in a map. It is not durable and is meant for
// development and tests.
type Memory struct {
	mu   sync.RWMutex
	rows map[int64]domain.StoredRecord
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[int64]domain.StoredRecord)}
}

func (m *Memory) Save(ctx context.Context, rec domain.StoredRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec.Vector = slices.Clone(rec.Vector)
	m.mu.Lock()
	m.rows[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

// FindAll returns every record ordered by id.
func (m *Memory) FindAll(ctx context.Context) ([]domain.StoredRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]domain.StoredRecord, 0, len(m.rows))
	for _, r := range m.rows {
		r.Vector = slices.Clone(r.Vector)
		out = append(out, r)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, byID)
	return out, nil
}

func (m *Memory) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.rows)), nil
}

func byID(a, b domain.StoredRecord) int {
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
