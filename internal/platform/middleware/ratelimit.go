package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// RateLimitConfig holds rate limiting configuration. Each key may make Max
// requests per Window; the counter resets when the window rolls over.
type RateLimitConfig struct {
	Max    int
	Window time.Duration

	Skipper middleware.Skipper
	// Now defaults to time.Now.
	Now func() time.Time
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Max:    100,
		Window: 15 * time.Minute,
	}
}

type window struct {
	start time.Time
	count int
}

// rateLimiterStore holds the current window for each key.
type rateLimiterStore struct {
	mu      sync.Mutex
	windows map[string]*window
	config  RateLimitConfig
	lastGC  time.Time
}

func newRateLimiterStore(cfg RateLimitConfig) *rateLimiterStore {
	return &rateLimiterStore{
		windows: make(map[string]*window),
		config:  cfg,
	}
}

// take counts one request against key. It returns whether the request is
// allowed, how many remain in the window and when the window resets.
func (s *rateLimiterStore) take(key string, now time.Time) (bool, int, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gc(now)

	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) >= s.config.Window {
		w = &window{start: now}
		s.windows[key] = w
	}
	reset := w.start.Add(s.config.Window)
	if w.count >= s.config.Max {
		return false, 0, reset
	}
	w.count++
	return true, s.config.Max - w.count, reset
}

// gc drops expired windows at most once per window length. Caller holds mu.
func (s *rateLimiterStore) gc(now time.Time) {
	if now.Sub(s.lastGC) < s.config.Window {
		return
	}
	for k, w := range s.windows {
		if now.Sub(w.start) >= s.config.Window {
			delete(s.windows, k)
		}
	}
	s.lastGC = now
}

// RateLimit returns a fixed-window rate limiting middleware keyed by tenant
// and client IP.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.Max <= 0 || cfg.Window <= 0 {
		def := DefaultRateLimitConfig()
		cfg.Max, cfg.Window = def.Max, def.Window
	}
	if cfg.Skipper == nil {
		cfg.Skipper = middleware.DefaultSkipper
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	store := newRateLimiterStore(cfg)
	limit := strconv.Itoa(cfg.Max)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper(c) {
				return next(c)
			}

			key := c.RealIP()
			if tenantID, ok := c.Get("tenant_id").(string); ok && tenantID != "" {
				key = tenantID + ":" + key
			}

			now := cfg.Now()
			allowed, remaining, reset := store.take(key, now)

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

			if !allowed {
				retryAfter := int(reset.Sub(now).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
