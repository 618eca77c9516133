// Package lease guards a named critical section, such as an ingestion run,
// against concurrent holders in one process or across replicas.
package lease

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld is returned by TryAcquire when another holder owns the lease.
var ErrHeld = errors.New("lease: held by another owner")

// Lease is an acquired lease. Release is idempotent.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out exclusive leases by name.
type Locker interface {
	// TryAcquire returns ErrHeld without blocking when name is taken.
	TryAcquire(ctx context.Context, name string) (Lease, error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocal creates a Local locker.
func NewLocal() *Local { return &Local{held: make(map[string]bool)} }

func (l *Local) TryAcquire(ctx context.Context, name string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, ErrHeld
	}
	l.held[name] = true
	return &localLease{owner: l, name: name}, nil
}

// Held reports whether name is currently leased.
func (l *Local) Held(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[name]
}

type localLease struct {
	once  sync.Once
	owner *Local
	name  string
}

func (x *localLease) Release(context.Context) error {
	x.once.Do(func() {
		x.owner.mu.Lock()
		delete(x.owner.held, x.name)
		x.owner.mu.Unlock()
	})
	return nil
}
