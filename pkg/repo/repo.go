// Package repo defines a generic keyed repository and its Neo4j implementation.
package repo

import "context"

// Repository is a generic keyed store. Records are written with Upsert
// (last write wins) and read back in pages.
type Repository[T any, ID comparable] interface {
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Upsert(ctx context.Context, entity T) error
	Count(ctx context.Context) (int64, error)
}

// ListOpts controls pagination for List operations. Results are ordered by id.
type ListOpts struct {
	Offset int
	Limit  int
}

// All pages through r with the given page size and returns every record.
func All[T any, ID comparable](ctx context.Context, r Repository[T, ID], pageSize int) ([]T, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	var out []T
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := r.List(ctx, ListOpts{Offset: offset, Limit: pageSize})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
	}
}

// DefaultPageSize is used when ListOpts.Limit is not positive.
const DefaultPageSize = 500
