package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter keeps buckets in process memory. Limits are per instance, so
// it fits single-node deployments and tests.
type LocalLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	policies Policies
	idleTTL  time.Duration
}

func NewLocalLimiter(policies Policies) *LocalLimiter {
	return &LocalLimiter{
		visitors: make(map[string]*visitor),
		policies: policies,
		idleTTL:  3 * time.Minute,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, deviceID string, class Class) (bool, error) {
	policy, ok := l.policies[class]
	if !ok || policy.PerMinute <= 0 {
		return true, nil
	}

	return l.get(string(class)+":"+deviceID, policy).Allow(), nil
}

func (l *LocalLimiter) get(key string, policy Policy) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, exists := l.visitors[key]
	if !exists {
		every := time.Minute / time.Duration(policy.PerMinute)
		v = &visitor{limiter: rate.NewLimiter(rate.Every(every), policy.burst())}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()

	return v.limiter
}

// Cleanup drops idle buckets every minute until ctx is done.
func (l *LocalLimiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evictIdle(time.Now())
		}
	}
}

func (l *LocalLimiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idleTTL {
			delete(l.visitors, key)
		}
	}
}
