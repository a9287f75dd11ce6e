package server

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
)

// rateLimitContextKey is the context key for rate limit info
type rateLimitContextKey struct{}

// RateLimitInfo is the state of the caller's limiter after a request.
type RateLimitInfo struct {
	RequestsLimit     int
	RequestsRemaining int
	RetryAfter        time.Duration
}

// SetRateLimits stores rate limit info in context.
func SetRateLimits(ctx context.Context, rl *RateLimitInfo) context.Context {
	return context.WithValue(ctx, rateLimitContextKey{}, rl)
}

// GetRateLimits retrieves rate limit info from context.
// Returns nil if no rate limits are set.
func GetRateLimits(ctx context.Context) *RateLimitInfo {
	if rl, ok := ctx.Value(rateLimitContextKey{}).(*RateLimitInfo); ok {
		return rl
	}
	return nil
}

const limiterIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per client address.
type RateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*clientLimiter
	sweptAt time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second per client
// with the given burst. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow consumes a token for key and reports the resulting state.
func (l *RateLimiter) Allow(key string) (bool, *RateLimitInfo) {
	if l == nil || l.limit <= 0 {
		return true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	c, ok := l.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now

	info := &RateLimitInfo{RequestsLimit: l.burst}
	r := c.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		info.RetryAfter = delay
		return false, info
	}
	info.RequestsRemaining = int(math.Max(0, math.Floor(c.limiter.TokensAt(now))))
	return true, info
}

func (l *RateLimiter) sweep(now time.Time) {
	if now.Sub(l.sweptAt) < limiterIdleTTL {
		return
	}
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > limiterIdleTTL {
			delete(l.clients, key)
		}
	}
	l.sweptAt = now
}

// Middleware rejects requests over the caller's budget with 429 and writes
// x-ratelimit-* headers on every limited route.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, info := l.Allow(ClientKey(r))
		if info == nil {
			next.ServeHTTP(w, r)
			return
		}

		writeRateLimitHeaders(w.Header(), info)
		if !ok {
			WriteError(w, r, domain.ErrRateLimit("too many messages, slow down"))
			return
		}
		next.ServeHTTP(w, r.WithContext(SetRateLimits(r.Context(), info)))
	})
}

func writeRateLimitHeaders(h http.Header, rl *RateLimitInfo) {
	h.Set("x-ratelimit-limit-requests", strconv.Itoa(rl.RequestsLimit))
	h.Set("x-ratelimit-remaining-requests", strconv.Itoa(rl.RequestsRemaining))
	if rl.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	}
}

// ClientKey identifies the caller: the first X-Forwarded-For hop when
// present, otherwise the remote host.
func ClientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
