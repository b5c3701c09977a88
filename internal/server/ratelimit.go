package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	// UploadLimit caps upload submissions per client within UploadWindow.
	UploadLimit  int
	UploadWindow time.Duration
	// TrustProxyHeaders keys clients on X-Forwarded-For / X-Real-IP.
	TrustProxyHeaders bool
	// Redis shares upload counters across replicas when set.
	Redis       redis.UniversalClient
	RedisPrefix string
}

type rateLimiter struct {
	global        *rate.Limiter
	uploadLimit   int
	uploadWindow  time.Duration
	trustProxy    bool
	uploadMu      sync.Mutex
	uploadBuckets map[string]*ipLimiter
	store         tokenStore
	now           func() time.Time
}

type ipLimiter struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		uploadLimit:   cfg.UploadLimit,
		uploadWindow:  cfg.UploadWindow,
		trustProxy:    cfg.TrustProxyHeaders,
		uploadBuckets: make(map[string]*ipLimiter),
		now:           time.Now,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = max(int(cfg.GlobalRPS), 1)
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.uploadLimit < 0 {
		rl.uploadLimit = 0
	}
	if rl.uploadWindow <= 0 {
		rl.uploadWindow = time.Minute
	}
	if cfg.Redis != nil && rl.uploadLimit > 0 {
		prefix := cfg.RedisPrefix
		if prefix == "" {
			prefix = "videoingest"
		}
		rl.store = &redisStore{client: cfg.Redis, prefix: prefix}
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowUpload(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.uploadLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, "upload:"+key, r.uploadLimit, r.uploadWindow)
	}

	r.uploadMu.Lock()
	limiter, exists := r.uploadBuckets[key]
	if !exists {
		perSecond := rate.Limit(float64(r.uploadLimit) / r.uploadWindow.Seconds())
		limiter = &ipLimiter{bucket: rate.NewLimiter(perSecond, r.uploadLimit)}
		r.uploadBuckets[key] = limiter
	}
	limiter.lastSeen = r.now()
	r.cleanupLocked()
	r.uploadMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	retry := time.Duration(float64(time.Second) / float64(limiter.bucket.Limit()))
	return false, retry, nil
}

func (r *rateLimiter) cleanupLocked() {
	cutoff := r.now().Add(-2 * r.uploadWindow)
	for key, limiter := range r.uploadBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.uploadBuckets, key)
		}
	}
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/uploads" {
			allowed, retryAfter, err := rl.AllowUpload(r.Context(), clientIP(r, rl.trustProxy))
			if err != nil {
				if logger != nil {
					logger.Error("rate limiter failure", "error", err)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				if seconds := int(retryAfter.Round(time.Second).Seconds()); seconds > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(seconds))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many uploads")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// redisStore is a fixed-window counter per key.
type redisStore struct {
	client redis.UniversalClient
	prefix string
}

func (s *redisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	full := fmt.Sprintf("%s:ratelimit:%s", s.prefix, key)
	count, err := s.client.Incr(ctx, full).Result()
	if err != nil {
		return false, 0, fmt.Errorf("increment rate counter: %w", err)
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, full, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire rate counter: %w", err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.PTTL(ctx, full).Result()
	if err != nil {
		return false, 0, fmt.Errorf("read rate counter ttl: %w", err)
	}
	if ttl < 0 {
		// Counter lost its expiry; restart the window.
		_ = s.client.PExpire(ctx, full, window).Err()
		ttl = window
	}
	return false, ttl, nil
}
