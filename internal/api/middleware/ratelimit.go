package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/api/helpers"
)

// IPRateLimiter holds one token bucket per visitor IP.
type IPRateLimiter struct {
	ips    sync.Map
	config LimiterConfig
}

type LimiterConfig struct {
	RPS   rate.Limit
	Burst int
}

// Route-class limits. Credential-guessing surfaces get the tightest
// budget; introspection is called per-request by resource servers and
// needs headroom.
var (
	LoginLimit      = LimiterConfig{RPS: rate.Every(6 * time.Second), Burst: 10}  // ~10/min
	TokenLimit      = LimiterConfig{RPS: rate.Every(time.Second), Burst: 60}      // ~60/min
	IntrospectLimit = LimiterConfig{RPS: rate.Every(100 * time.Millisecond), Burst: 100} // ~600/min
	GenericLimit    = LimiterConfig{RPS: rate.Every(120 * time.Millisecond), Burst: 50}  // ~500/min
)

// NewIPRateLimiter creates a per-IP limiter for one route class.
func NewIPRateLimiter(config LimiterConfig) *IPRateLimiter {
	i := &IPRateLimiter{config: config}
	go i.cleanupLoop()
	return i
}

// GetLimiter returns the rate limiter for the provided IP address.
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	limiter, exists := i.ips.Load(ip)
	if !exists {
		newLimiter := rate.NewLimiter(i.config.RPS, i.config.Burst)
		limiter, _ = i.ips.LoadOrStore(ip, newLimiter)
	}
	return limiter.(*rate.Limiter)
}

func (i *IPRateLimiter) cleanupLoop() {
	for {
		time.Sleep(10 * time.Minute)
		// Full wipe; buckets refill on next sight of the IP.
		i.ips.Range(func(key, value interface{}) bool {
			i.ips.Delete(key)
			return true
		})
	}
}

// Middleware enforces the rate limit per IP.
func (i *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := helpers.GetRealIP(r).String()

		limiter := i.GetLimiter(ip)
		if !limiter.Allow() {
			slog.Warn("rate_limit_exceeded", "ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			helpers.RespondError(w, r, http.StatusTooManyRequests, helpers.CodeRateLimited, "Too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}
