package shield

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitRule limits one endpoint ("METHOD /path") per client IP.
type RateLimitRule struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a fixed-window per-IP, per-endpoint limiter. Rules come from
// configuration; endpoints without a rule are not limited.
type RateLimiter struct {
	rules   map[string]RateLimitRule
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewRateLimiter creates a limiter for rules keyed by "METHOD /path".
func NewRateLimiter(rules map[string]RateLimitRule) *RateLimiter {
	return &RateLimiter{
		rules:   rules,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// DefaultRules throttles credential endpoints.
func DefaultRules() map[string]RateLimitRule {
	return map[string]RateLimitRule{
		"POST /auth/login":   {MaxRequests: 10, Window: time.Minute},
		"POST /auth/refresh": {MaxRequests: 30, Window: time.Minute},
	}
}

// StartGC drops expired buckets every 5 minutes until done is closed.
func (rl *RateLimiter) StartGC(done <-chan struct{}) {
	tick := time.NewTicker(5 * time.Minute)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, k)
		}
	}
}

// allow returns whether the request fits, and if not, the seconds until the
// window resets.
func (rl *RateLimiter) allow(ip, endpoint string) (bool, int) {
	rule, ok := rl.rules[endpoint]
	if !ok || rule.MaxRequests <= 0 || rule.Window <= 0 {
		return true, 0
	}

	key := ip + ":" + endpoint
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok || now.After(b.resetAt) {
		rl.buckets[key] = &bucket{count: 1, resetAt: now.Add(rule.Window)}
		return true, 0
	}
	b.count++
	if b.count <= rule.MaxRequests {
		return true, 0
	}
	return false, int(b.resetAt.Sub(now).Seconds()) + 1
}

// Middleware enforces the rules and answers 429 with a JSON body.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)

		ok, retryAfter := rl.allow(ip, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("ratelimit: request blocked", "ip", ip, "endpoint", endpoint)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
