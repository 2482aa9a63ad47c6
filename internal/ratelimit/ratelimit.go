// Package ratelimit implements a sliding-window limiter keyed by arbitrary
// strings, in process or backed by Redis.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Rule allows Limit requests in any trailing Interval.
type Rule struct {
	Interval time.Duration
	Limit    int
}

func (r Rule) Enabled() bool {
	return r.Interval > 0 && r.Limit > 0
}

// Result of one check. Reset is when the oldest counted request leaves the
// window.
type Result struct {
	Success   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

type Limiter interface {
	Check(ctx context.Context, key string, rule Rule) (Result, error)
}

// RetryAfter rounds the time until Reset up to whole seconds, minimum one.
func RetryAfter(result Result, now time.Time) time.Duration {
	wait := result.Reset.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	return time.Duration(math.Ceil(wait.Seconds())) * time.Second
}

// Headers writes X-RateLimit-* and, for a rejection, Retry-After.
func Headers(w http.ResponseWriter, result Result, now time.Time) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))
	if !result.Success {
		h.Set("Retry-After", strconv.Itoa(int(RetryAfter(result, now)/time.Second)))
	}
}

// ClientIP is the first X-Forwarded-For entry, or "unknown".
func ClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return "unknown"
	}
	first, _, _ := strings.Cut(forwarded, ",")
	if first = strings.TrimSpace(first); first != "" {
		return first
	}
	return "unknown"
}

type MiddlewareConfig struct {
	Limiter Limiter
	Rule    Rule
	// Prefix namespaces the route ("email", "health").
	Prefix string
	// KeyFunc defaults to ClientIP.
	KeyFunc   func(r *http.Request) string
	OnLimited func(w http.ResponseWriter, r *http.Request, result Result)
	Logger    hclog.Logger
	Now       func() time.Time
}

// Middleware throttles a route. Limiter errors let the request through.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Limiter == nil || !cfg.Rule.Enabled() {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.OnLimited == nil {
		cfg.OnLimited = func(w http.ResponseWriter, _ *http.Request, _ Result) {
			http.Error(w, ErrRateLimitExceeded.Error(), http.StatusTooManyRequests)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := cfg.Prefix + ":" + cfg.KeyFunc(r)
			result, err := cfg.Limiter.Check(r.Context(), key, cfg.Rule)
			if err != nil {
				cfg.Logger.Error("rate limit check failed", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			Headers(w, result, cfg.Now())
			if !result.Success {
				cfg.OnLimited(w, r, result)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
