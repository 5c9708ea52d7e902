package middleware

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	apierrors "github.com/llmjob/coordinator/internal/errors"
)

// RateLimit throttles requests to rps tokens per second with burst headroom,
// rejecting anything beyond that with 429 RATE_LIMITED. One limiter is
// shared across all callers: the coordinator limits total submission load
// rather than tracking it per client.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeErrorResponseWithRequestID(w, apierrors.RateLimited("too many job submissions, retry after backoff"),
					http.StatusTooManyRequests, RequestIDFromContext(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// perNodeLimiters caps registration/heartbeat churn per node ID so a single
// misbehaving worker cannot starve the shared limiter budget used by submit.
type perNodeLimiters struct {
	mu       sync.Mutex
	rps      float64
	burst    int
	limiters map[string]*rate.Limiter
}

func newPerNodeLimiters(rps float64, burst int) *perNodeLimiters {
	return &perNodeLimiters{rps: rps, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (p *perNodeLimiters) allow(nodeID string) bool {
	p.mu.Lock()
	l, ok := p.limiters[nodeID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.rps), p.burst)
		p.limiters[nodeID] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

// NodeRateLimit throttles per-node traffic (heartbeats, registration) keyed
// by the value nodeIDFromRequest extracts from each request.
func NodeRateLimit(rps float64, burst int, nodeIDFromRequest func(*http.Request) string) func(http.Handler) http.Handler {
	limiters := newPerNodeLimiters(rps, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			nodeID := nodeIDFromRequest(r)
			if nodeID != "" && !limiters.allow(nodeID) {
				writeErrorResponseWithRequestID(w, apierrors.RateLimited("too many requests from this node"),
					http.StatusTooManyRequests, RequestIDFromContext(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
