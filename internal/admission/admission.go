// Package admission enforces the broker's static resource bounds: accept
// rate for new sessions and publish rate per session. Grounded on
// resource_guard.go's rate-limiter pair, trimmed of its CPU/memory emergency
// brakes — those belong to sysmetrics as observability, not control, per the
// spec's static resource-bound model.
package admission

import (
	"golang.org/x/time/rate"
)

// Guard enforces the configured accept rate for new connections. Per-session
// publish rates use separate limiters built with NewLimiter.
type Guard struct {
	accept *rate.Limiter
}

// NewGuard builds a Guard with the given accept rate (connections/sec) and a
// burst of twice that rate.
func NewGuard(acceptPerSecond float64) *Guard {
	if acceptPerSecond <= 0 {
		acceptPerSecond = 500
	}
	burst := int(acceptPerSecond * 2)
	if burst < 1 {
		burst = 1
	}
	return &Guard{accept: rate.NewLimiter(rate.Limit(acceptPerSecond), burst)}
}

// AllowAccept reports whether a new session may be admitted right now.
func (g *Guard) AllowAccept() bool {
	return g.accept.Allow()
}

// NewLimiter builds a standalone token-bucket limiter at perSecond with a
// 2x burst, for callers that need their own independent rate (e.g. the
// admin surface throttling topic create/delete).
func NewLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		perSecond = 1000
	}
	burst := int(perSecond * 2)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
