package ratelimit

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/diagnosis/salon-bookings/internal/http/response"
	"github.com/diagnosis/salon-bookings/pkg/clock"
	"github.com/diagnosis/salon-bookings/pkg/logger"
	mw "github.com/diagnosis/salon-bookings/pkg/middleware"
	"github.com/redis/go-redis/v9"
)

// Limiter counts hits per key in a fixed window.
type Limiter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

type Config struct {
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) []string
	SkipFunc func(r *http.Request) bool
}

// Middleware rejects requests over the limit with a retryable 429. Limiter
// errors fail open.
func Middleware(l Limiter, cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Requests <= 0 || (cfg.SkipFunc != nil && cfg.SkipFunc(r)) {
				next.ServeHTTP(w, r)
				return
			}

			for _, key := range cfg.KeyFunc(r) {
				ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
				count, err := l.Hit(ctx, hashKey(key), cfg.Window)
				cancel()
				if err != nil {
					logger.WarnContext(r.Context(), "Rate limiter unavailable, allowing request", "error", err)
					continue
				}
				if count > int64(cfg.Requests) {
					response.RateLimit(w, "Too many requests. Try again later.")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientKeys limits by client IP.
func ClientKeys(r *http.Request) []string {
	if ip := mw.ClientIP(r); ip != "" {
		return []string{"gw:ip:" + ip}
	}
	return nil
}

// PublicWrites skips reads and staff traffic; only anonymous writes count.
func PublicWrites(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		return true
	}
	return r.Header.Get("Authorization") != ""
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("rl:%x", sum[:])
}

type RedisLimiter struct {
	rdb *redis.Client
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

func (l *RedisLimiter) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

type MemoryLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	windows map[string]*window
}

type window struct {
	start time.Time
	count int64
}

func NewMemoryLimiter(clk clock.Clock) *MemoryLimiter {
	return &MemoryLimiter{clock: clk, windows: make(map[string]*window)}
}

func (l *MemoryLimiter) Hit(_ context.Context, key string, d time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(d)) {
		w = &window{start: now}
		l.windows[key] = w
	}
	w.count++
	return w.count, nil
}
