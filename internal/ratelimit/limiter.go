// Package ratelimit enforces per-client request caps per endpoint class.
//
// Each (client, class) pair gets an independent token-bucket limiter via
// golang.org/x/time/rate. A denied check short-circuits the dispatcher before
// any authentication or store work happens.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Class partitions endpoints into independently configured quota groups.
type Class string

const (
	// ClassAuth covers authentication endpoints.
	ClassAuth Class = "auth"

	// ClassRead covers secret-read endpoints.
	ClassRead Class = "read"

	// ClassAdmin covers administrative endpoints.
	ClassAdmin Class = "admin"

	// ClassHealth covers the unauthenticated health endpoint.
	ClassHealth Class = "health"
)

// Quota is the configured rate for one class.
type Quota struct {
	PerSec float64
	Burst  int
}

// limiterKey identifies one client within one class.
type limiterKey struct {
	clientID string
	class    Class
}

// limiterEntry holds a rate limiter and last access time for cleanup.
type limiterEntry struct {
	limiter    *rate.Limiter
	mu         sync.Mutex
	lastAccess time.Time
}

// Limiter owns the per-(client, class) limiter table.
type Limiter struct {
	enabled bool
	quotas  map[Class]Quota

	limiters sync.Map // map[limiterKey]*limiterEntry
}

// New creates a rate limiter with the given per-class quotas. When enabled is
// false every check allows. Call StartCleanup to bound table growth.
func New(enabled bool, quotas map[Class]Quota) *Limiter {
	return &Limiter{enabled: enabled, quotas: quotas}
}

// Allow reports whether clientID may make one more request in class.
func (l *Limiter) Allow(clientID string, class Class) bool {
	if !l.enabled {
		return true
	}

	quota, ok := l.quotas[class]
	if !ok || quota.PerSec <= 0 {
		return true
	}

	return l.getLimiter(clientID, class, quota).Allow()
}

// StartCleanup periodically removes limiters that have not been used for an
// hour, preventing unbounded growth from one-shot clients. Returns when ctx
// is cancelled.
func (l *Limiter) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			threshold := time.Now().Add(-1 * time.Hour)
			l.limiters.Range(func(key, value any) bool {
				entry := value.(*limiterEntry)
				entry.mu.Lock()
				stale := entry.lastAccess.Before(threshold)
				entry.mu.Unlock()

				if stale {
					l.limiters.Delete(key)
				}
				return true
			})
		}
	}
}

// getLimiter retrieves or creates the limiter for one (client, class) pair.
func (l *Limiter) getLimiter(clientID string, class Class, quota Quota) *rate.Limiter {
	key := limiterKey{clientID: clientID, class: class}

	if val, ok := l.limiters.Load(key); ok {
		entry := val.(*limiterEntry)
		entry.mu.Lock()
		entry.lastAccess = time.Now()
		entry.mu.Unlock()
		return entry.limiter
	}

	entry := &limiterEntry{
		limiter:    rate.NewLimiter(rate.Limit(quota.PerSec), quota.Burst),
		lastAccess: time.Now(),
	}
	actual, _ := l.limiters.LoadOrStore(key, entry)
	return actual.(*limiterEntry).limiter
}
