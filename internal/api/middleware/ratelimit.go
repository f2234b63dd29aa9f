package middleware

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/juju/ratelimit"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/observability/metrics"
)

// RateLimiter keeps one token bucket per caller
type RateLimiter struct {
	rate      float64
	capacity  int64
	mu        sync.RWMutex
	buckets   map[string]*ratelimit.Bucket
	metrics   *metrics.Metrics
	logger    *zap.Logger
	scheduler *gocron.Scheduler
}

// NewRateLimiter creates a limiter refilling rate tokens per second up to
// capacity
func NewRateLimiter(rate float64, capacity int64, m *metrics.Metrics, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rate <= 0 {
		rate = 10
	}
	if capacity <= 0 {
		capacity = int64(math.Ceil(rate))
	}
	return &RateLimiter{
		rate:     rate,
		capacity: capacity,
		buckets:  make(map[string]*ratelimit.Bucket),
		metrics:  m,
		logger:   logger,
	}
}

func (rl *RateLimiter) bucket(key string) *ratelimit.Bucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.buckets[key]; !ok {
		b = ratelimit.NewBucketWithRate(rl.rate, rl.capacity)
		rl.buckets[key] = b
	}
	return b
}

// Prune drops buckets that have refilled completely
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, b := range rl.buckets {
		if b.Available() == b.Capacity() {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// StartPruning prunes idle buckets every interval in the background
func (rl *RateLimiter) StartPruning(interval time.Duration) error {
	rl.scheduler = gocron.NewScheduler(time.UTC)
	_, err := rl.scheduler.Every(interval).WaitForSchedule().Do(func() {
		if n := rl.Prune(); n > 0 {
			rl.logger.Debug("rate limit buckets pruned", zap.Int("removed", n))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule bucket pruning: %w", err)
	}
	rl.scheduler.StartAsync()
	return nil
}

// Stop halts background pruning
func (rl *RateLimiter) Stop() {
	if rl.scheduler != nil {
		rl.scheduler.Stop()
	}
}

// Middleware takes one token per request, keyed by the authenticated
// subject or else the remote address. Exhausted callers get 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := rl.bucket(rateKey(r))

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(rl.capacity, 10))
		if b.TakeAvailable(1) < 1 {
			rl.metrics.IncRateLimited()
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(1/rl.rate))))
			writeError(w, http.StatusTooManyRequests, "rate-limited", "rate limit exceeded, retry later")
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(b.Available(), 10))
		next.ServeHTTP(w, r)
	})
}

func rateKey(r *http.Request) string {
	if id := GetIdentity(r.Context()); id != nil {
		return id.Method + ":" + id.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
