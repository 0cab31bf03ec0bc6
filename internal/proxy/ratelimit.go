package proxy

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gluk-w/claworc/metering-proxy/internal/cache"
	"github.com/gluk-w/claworc/metering-proxy/internal/database"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	rateWindow       = time.Minute
	limitCacheTTL    = 30 * time.Second
	pruneInterval    = 5 * time.Minute
	retryAfterSecond = 60
)

type rateLimitWindow struct {
	mu       sync.Mutex
	requests []time.Time
	dead     bool // pruned from the map; callers must load a fresh window
}

// admit records a request at now unless limit requests already fall inside
// the window. dead reports that the window was pruned and nothing was recorded.
func (w *rateLimitWindow) admit(now time.Time, window time.Duration, limit int) (ok, dead bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return false, true
	}

	w.expire(now, window)
	if len(w.requests) >= limit {
		return false, false
	}
	w.requests = append(w.requests, now)
	return true, false
}

func (w *rateLimitWindow) expire(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.requests) && !w.requests[i].After(cutoff) {
		i++
	}
	w.requests = w.requests[i:]
}

// RateLimiter enforces optional per-instance requests-per-minute limits
// stored in the rate_limits table. Limits are cached in the shared store.
type RateLimiter struct {
	db      *gorm.DB
	limits  cache.Store
	windows sync.Map // instance ID -> *rateLimitWindow
	now     func() time.Time

	pruneMu   sync.Mutex
	lastPrune time.Time
}

func NewRateLimiter(db *gorm.DB, limits cache.Store) *RateLimiter {
	return &RateLimiter{db: db, limits: limits, now: time.Now}
}

func limitCacheKey(instanceID string) string {
	return "ratelimit:" + instanceID
}

// limit returns the instance's requests per minute; 0 means unlimited.
func (rl *RateLimiter) limit(ctx context.Context, instanceID string) (int, error) {
	key := limitCacheKey(instanceID)
	if raw, ok := rl.limits.Get(ctx, key); ok {
		if v, err := strconv.Atoi(string(raw)); err == nil {
			return v, nil
		}
	}
	var row database.RateLimit
	if err := rl.db.WithContext(ctx).Where("instance_id = ?", instanceID).Limit(1).Find(&row).Error; err != nil {
		return 0, err
	}
	rl.limits.Set(ctx, key, []byte(strconv.Itoa(row.RequestsPerMinute)), limitCacheTTL)
	return row.RequestsPerMinute, nil
}

func (rl *RateLimiter) admit(instanceID string, now time.Time, limit int) bool {
	for {
		val, _ := rl.windows.LoadOrStore(instanceID, &rateLimitWindow{})
		ok, dead := val.(*rateLimitWindow).admit(now, rateWindow, limit)
		if !dead {
			return ok
		}
		rl.windows.CompareAndDelete(instanceID, val)
	}
}

// prune drops windows with no request inside the last minute.
func (rl *RateLimiter) prune(now time.Time) {
	if !rl.pruneMu.TryLock() {
		return
	}
	defer rl.pruneMu.Unlock()
	if now.Sub(rl.lastPrune) < pruneInterval {
		return
	}
	rl.lastPrune = now

	rl.windows.Range(func(key, val any) bool {
		w := val.(*rateLimitWindow)
		w.mu.Lock()
		w.expire(now, rateWindow)
		if len(w.requests) == 0 {
			w.dead = true
			rl.windows.CompareAndDelete(key, val)
		}
		w.mu.Unlock()
		return true
	})
}

// Reset forgets the recorded requests and cached limit of an instance.
func (rl *RateLimiter) Reset(ctx context.Context, instanceID string) {
	rl.windows.Delete(instanceID)
	rl.limits.Delete(ctx, limitCacheKey(instanceID))
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inst := InstanceFrom(r.Context())
		if inst == nil {
			next.ServeHTTP(w, r)
			return
		}

		now := rl.now()
		rl.prune(now)

		limit, err := rl.limit(r.Context(), inst.ID)
		if err != nil {
			log.WithError(err).WithField("instance", inst.ID).Warn("rate limit lookup failed")
		}
		if err != nil || limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !rl.admit(inst.ID, now, limit) {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecond))
			writeError(w, http.StatusTooManyRequests, CodeRateLimitExceeded,
				"Rate limit exceeded",
				map[string]any{"requestsPerMinute": limit, "retryAfter": strconv.Itoa(retryAfterSecond)})
			return
		}

		next.ServeHTTP(w, r)
	})
}
