package persist

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/castmatch/engine/domain"
	"github.com/WessleyAI/castmatch/pkg/repo"
)

// EmbeddingLabel is the node label for embedding records.
const EmbeddingLabel = "FaceEmbedding"

// Neo4j stores each record as a FaceEmbedding node keyed by entity_id, with
// the serialized vector as a byte array property.
type Neo4j struct {
	repo     repo.Repository[domain.StoredRecord, int64]
	pageSize int
}

// NewNeo4j creates a Neo4j store on driver. database may be empty.
func NewNeo4j(driver neo4j.DriverWithContext, database string) *Neo4j {
	r := repo.NewNeo4jRepo[domain.StoredRecord, int64](driver, EmbeddingLabel, recordProps, recordFromProps,
		repo.WithIDKey[domain.StoredRecord, int64]("entity_id"),
		repo.WithDatabase[domain.StoredRecord, int64](database),
	)
	return &Neo4j{repo: r, pageSize: repo.DefaultPageSize}
}

// NewNeo4jWithRepo creates a Neo4j store on an existing repository.
func NewNeo4jWithRepo(r repo.Repository[domain.StoredRecord, int64]) *Neo4j {
	return &Neo4j{repo: r, pageSize: repo.DefaultPageSize}
}

// EnsureSchema creates the uniqueness constraint when the repository supports it.
func (n *Neo4j) EnsureSchema(ctx context.Context) error {
	if c, ok := n.repo.(interface{ EnsureConstraint(context.Context) error }); ok {
		return c.EnsureConstraint(ctx)
	}
	return nil
}

func (n *Neo4j) Save(ctx context.Context, rec domain.StoredRecord) error {
	if err := n.repo.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist: neo4j: save %d: %w", rec.ID, err)
	}
	return nil
}

func (n *Neo4j) FindAll(ctx context.Context) ([]domain.StoredRecord, error) {
	rows, err := repo.All[domain.StoredRecord, int64](ctx, n.repo, n.pageSize)
	if err != nil {
		return nil, fmt.Errorf("persist: neo4j: find all: %w", err)
	}
	return rows, nil
}

func (n *Neo4j) Count(ctx context.Context) (int64, error) {
	c, err := n.repo.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("persist: neo4j: count: %w", err)
	}
	return c, nil
}

func recordProps(r domain.StoredRecord) map[string]any {
	return map[string]any{
		"entity_id":    r.ID,
		"display_name": r.DisplayName,
		"image_url":    r.ImageURL,
		"vector":       r.Vector,
	}
}

func recordFromProps(m map[string]any) (domain.StoredRecord, error) {
	id, ok := m["entity_id"].(int64)
	if !ok {
		return domain.StoredRecord{}, fmt.Errorf("persist: neo4j: entity_id has type %T", m["entity_id"])
	}
	rec := domain.StoredRecord{ID: id}
	rec.DisplayName, _ = m["display_name"].(string)
	rec.ImageURL, _ = m["image_url"].(string)
	switch v := m["vector"].(type) {
	case []byte:
		rec.Vector = v
	case string:
		// Nodes written by hand or by older tooling hold the JSON text.
		rec.Vector = []byte(v)
	}
	return rec, nil
}
