// Package lease provides short exclusive leases so only one replica runs a
// periodic pass at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/sitemapwatch/internal/monitor"
)

// DefaultKey names the cron lease.
const DefaultKey = "sitemapwatch:cron"

// ErrNotHeld is returned when releasing a lease this holder does not own.
var ErrNotHeld = errors.New("lease not held")

// Lease is a non-blocking exclusive lease.
type Lease interface {
	// TryAcquire returns false without error when another holder owns the lease.
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Redis is a lease stored under one Redis key with a per-acquisition token.
type Redis struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string
}

// NewRedis builds a Redis lease.
func NewRedis(client redis.UniversalClient, key string, ttl time.Duration) *Redis {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Redis{client: client, key: key, ttl: ttl}
}

// TryAcquire sets the key if it is absent.
func (l *Redis) TryAcquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if ok {
		l.mu.Lock()
		l.token = token
		l.mu.Unlock()
	}
	return ok, nil
}

// Release deletes the key only if it still carries this holder's token.
func (l *Redis) Release(ctx context.Context) error {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()
	if token == "" {
		return ErrNotHeld
	}
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Local is an in-process lease for single-replica deployments.
type Local struct {
	clock monitor.Clock
	ttl   time.Duration

	mu      sync.Mutex
	held    bool
	expires time.Time
}

// NewLocal builds an in-process lease. An expired lease can be taken over.
func NewLocal(clock monitor.Clock, ttl time.Duration) *Local {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Local{clock: clock, ttl: ttl}
}

// TryAcquire takes the lease unless it is held and unexpired.
func (l *Local) TryAcquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if l.held && now.Before(l.expires) {
		return false, nil
	}
	l.held = true
	l.expires = now.Add(l.ttl)
	return true, nil
}

// Release frees the lease.
func (l *Local) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return ErrNotHeld
	}
	l.held = false
	return nil
}
