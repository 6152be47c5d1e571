// Package redislock implements syncutil.Locker on top of Redis so several
// API replicas serialize work on the same entity.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/viewpay/viewpay/internal/idgen"
	"github.com/viewpay/viewpay/internal/syncutil"
)

const (
	DefaultTTL       = 30 * time.Second
	DefaultRetryWait = 25 * time.Millisecond
	keyPrefix        = "viewpay:lock:"
)

// releaseScript deletes the key only if it still carries our token, so a
// lease that expired and was taken by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a lease-based distributed lock.
type Locker struct {
	client    redis.UniversalClient
	ttl       time.Duration
	retryWait time.Duration
}

var _ syncutil.Locker = (*Locker)(nil)

// Option configures a Locker.
type Option func(*Locker)

// WithTTL sets the lease duration. Critical sections must finish well
// within it.
func WithTTL(d time.Duration) Option {
	return func(l *Locker) { l.ttl = d }
}

// WithRetryWait sets the polling interval while the key is contended.
func WithRetryWait(d time.Duration) Option {
	return func(l *Locker) { l.retryWait = d }
}

// New creates a Locker using client.
func New(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{client: client, ttl: DefaultTTL, retryWait: DefaultRetryWait}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewClient opens a client from a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	return redis.NewClient(opts), nil
}

// Lock polls SET NX until the lease is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token := idgen.New()
	k := keyPrefix + key

	ticker := time.NewTicker(l.retryWait)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, syncutil.LockError(key, ctx.Err())
			}
			return nil, syncutil.LockError(key, fmt.Errorf("redis lock %s: %w", key, err))
		}
		if ok {
			return func() {
				// Release with a fresh context: the caller's may already be done.
				rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				_ = releaseScript.Run(rctx, l.client, []string{k}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, syncutil.LockError(key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Ping checks connectivity for health probes.
func (l *Locker) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
