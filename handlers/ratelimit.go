package handlers

import (
	"net"
	"net/http"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	maxTrackedClients = 10000
	clientIdleTTL     = 5 * time.Minute
)

// RateLimiter applies a token bucket per client IP.
type RateLimiter struct {
	perSecond rate.Limit
	burst     int
	buckets   *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter allows perSecond requests per client with the given burst.
// A perSecond of zero or less disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return newRateLimiter(perSecond, burst, clientIdleTTL)
}

func newRateLimiter(perSecond float64, burst int, idleTTL time.Duration) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		buckets:   expirable.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, idleTTL),
	}
}

// Allow reports whether the client may make another request now.
func (l *RateLimiter) Allow(client string) bool {
	if l == nil || l.perSecond <= 0 {
		return true
	}
	lim, ok := l.buckets.Get(client)
	if !ok {
		// Two first requests may race to create a bucket; the loser's
		// bucket is simply replaced.
		lim = rate.NewLimiter(l.perSecond, l.burst)
	}
	// Re-adding pushes the expiry out, so only idle clients are forgotten.
	l.buckets.Add(client, lim)
	return lim.Allow()
}

// Middleware rejects requests over the limit with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the address Caddy resolved for the request, which honours
// trusted_proxies. Outside Caddy forwarding headers are ignored.
func clientIP(r *http.Request) string {
	if ip, ok := caddyhttp.GetVar(r.Context(), caddyhttp.ClientIPVarKey).(string); ok && ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
