package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var rateLimitedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "http_rate_limited_requests_total",
	Help: "Requests rejected by the per-client rate limiter",
}, []string{"path"})

// RateLimiter limits requests per client IP. Idle clients expire from the
// cache after idleTTL, and at most maxClients limiters are kept.
type RateLimiter struct {
	limiters *lru.LRU[string, *rate.Limiter]
	logger   *zap.Logger
	rate     rate.Limit
	burst    int
	mu       sync.Mutex
}

// NewRateLimiter allows requestsPerSecond per client with the given burst
func NewRateLimiter(requestsPerSecond float64, burst int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		limiters: lru.NewLRU[string, *rate.Limiter](10000, nil, 10*time.Minute),
		logger:   logger,
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

// getLimiter returns the limiter for ip, creating it on first use
func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, ok := rl.limiters.Get(ip); ok {
		return limiter
	}
	limiter := rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters.Add(ip, limiter)
	return limiter
}

// Middleware returns HTTP middleware that applies rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.getLimiter(ip).Allow() {
			rateLimitedRequests.WithLabelValues(r.URL.Path).Inc()
			rl.logger.Warn("Rate limit exceeded",
				zap.String("remote_ip", ip),
				zap.String("path", r.URL.Path),
			)
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
