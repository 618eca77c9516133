package persist

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/WessleyAI/castmatch/engine/domain"
)

// embeddingPrefix namespaces embedding rows so the database can hold other
// keyspaces later.
var embeddingPrefix = []byte("emb:")

// badgerRow is the msgpack value stored under each key.
type badgerRow struct {
	DisplayName string `msgpack:"n"`
	ImageURL    string `msgpack:"u"`
	Vector      []byte `msgpack:"v"`
}

// Badger stores records in an embedded Badger database. Keys are the prefix
// followed by the big-endian id, so iteration yields ascending ids.
type Badger struct {
	db  *badger.DB
	log *slog.Logger
}

// OpenBadger opens (or creates) a database at dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string, log *slog.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("persist: open badger %q: %w", dir, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Badger{db: db, log: log}, nil
}

// Close releases the database.
func (b *Badger) Close() error { return b.db.Close() }

func badgerKey(id int64) []byte {
	k := make([]byte, len(embeddingPrefix)+8)
	copy(k, embeddingPrefix)
	binary.BigEndian.PutUint64(k[len(embeddingPrefix):], uint64(id))
	return k
}

func (b *Badger) Save(ctx context.Context, rec domain.StoredRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := msgpack.Marshal(badgerRow{DisplayName: rec.DisplayName, ImageURL: rec.ImageURL, Vector: rec.Vector})
	if err != nil {
		return fmt.Errorf("persist: badger: encode %d: %w", rec.ID, err)
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(rec.ID), val)
	}); err != nil {
		return fmt.Errorf("persist: badger: save %d: %w", rec.ID, err)
	}
	return nil
}

// FindAll returns every record ordered by id. Rows whose value cannot be
// decoded are logged and skipped.
func (b *Badger) FindAll(ctx context.Context) ([]domain.StoredRecord, error) {
	var out []domain.StoredRecord
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: embeddingPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := item.Key()
			if len(key) != len(embeddingPrefix)+8 {
				b.log.Warn("persist: badger: unexpected key", "key", string(key))
				continue
			}
			id := int64(binary.BigEndian.Uint64(key[len(embeddingPrefix):]))
			var row badgerRow
			if err := item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &row)
			}); err != nil {
				b.log.Warn("persist: badger: skipping undecodable row", "entity_id", id, "error", err)
				continue
			}
			out = append(out, domain.StoredRecord{ID: id, DisplayName: row.DisplayName, ImageURL: row.ImageURL, Vector: row.Vector})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist: badger: find all: %w", err)
	}
	return out, nil
}

// Count returns the number of stored records without reading values.
func (b *Badger) Count(ctx context.Context) (int64, error) {
	var n int64
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: embeddingPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("persist: badger: count: %w", err)
	}
	return n, nil
}
