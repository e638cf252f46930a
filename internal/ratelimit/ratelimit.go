// Package ratelimit tracks per-session request rates for the API layer.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Registry hands out one token-bucket limiter per session, created on
// demand. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRegistry creates a registry allowing rps requests per second with
// the given burst per session.
func NewRegistry(rps float64, burst int) *Registry {
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 5
	}
	return &Registry{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether the session may issue a request now.
func (r *Registry) Allow(sessionID string) bool {
	return r.limiter(sessionID).Allow()
}

func (r *Registry) limiter(sessionID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[sessionID]
	if !ok {
		l = rate.NewLimiter(r.rps, r.burst)
		r.limiters[sessionID] = l
	}
	return l
}

// Forget drops a session's limiter, e.g. when its socket closes.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.limiters, sessionID)
	r.mu.Unlock()
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}
