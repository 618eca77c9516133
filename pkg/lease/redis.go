package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lua scripts compare the stored token before touching the key so a holder
// whose lease expired cannot release or extend someone else's.
const (
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`
	refreshScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) else return 0 end`
)

// redisClient is the subset of *redis.Client the locker uses.
type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisOptions configures a Redis locker.
type RedisOptions struct {
	// Prefix is prepended to every lease name.
	Prefix string
	// TTL is the key expiry. A crashed holder frees the lease after TTL.
	TTL time.Duration
	// RefreshEvery extends the TTL while the lease is held. 0 uses TTL/3.
	RefreshEvery time.Duration
	Logger       *slog.Logger
}

// Redis is a Locker backed by SET NX PX, safe across replicas.
type Redis struct {
	client redisClient
	opts   RedisOptions
}

// NewRedisClient opens a go-redis client.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

// NewRedis creates a Redis locker on client.
func NewRedis(client redisClient, opts RedisOptions) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.RefreshEvery <= 0 {
		opts.RefreshEvery = opts.TTL / 3
	}
	if opts.Prefix == "" {
		opts.Prefix = "castmatch:lease:"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Redis{client: client, opts: opts}
}

func (r *Redis) TryAcquire(ctx context.Context, name string) (Lease, error) {
	key := r.opts.Prefix + name
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.opts.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("lease: redis setnx %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	l := &redisLease{r: r, key: key, token: token, stop: make(chan struct{}), done: make(chan struct{})}
	go l.keepAlive()
	return l, nil
}

type redisLease struct {
	r     *Redis
	key   string
	token string
	once  sync.Once
	stop  chan struct{}
	done  chan struct{}
}

func (l *redisLease) keepAlive() {
	defer close(l.done)
	t := time.NewTicker(l.r.opts.RefreshEvery)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.r.opts.RefreshEvery)
			n, err := l.r.client.Eval(ctx, refreshScript, []string{l.key}, l.token, l.r.opts.TTL.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.r.opts.Logger.Warn("lease: refresh failed", "key", l.key, "error", err)
				continue
			}
			if n == 0 {
				l.r.opts.Logger.Error("lease: lost", "key", l.key)
				return
			}
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		_, err = l.r.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Int64()
		if errors.Is(err, redis.Nil) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("lease: redis release %s: %w", l.key, err)
		}
	})
	return err
}
