package security

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultMaxEntries bounds the number of distinct identifiers tracked
	// simultaneously, preventing unbounded memory growth from spoofed IPs.
	defaultMaxEntries = 10000

	// idleEvictionAge is how long an identifier may go unused before its
	// limiter is dropped by the cleanup loop.
	idleEvictionAge = 10 * time.Minute
)

// limiterEntry tracks a rate limiter and its last access time.
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier (client IP or user ID) rate limiting
// using the token bucket algorithm. Entries are evicted after a period of
// inactivity and the total entry count is capped.
type RateLimiter struct {
	mu          sync.Mutex
	limiters    map[string]*limiterEntry
	rate        int
	burst       int
	maxEntries  int
	logger      *slog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewRateLimiter creates a new rate limiter allowing requestsPerSecond with
// the given burst per identifier. A background goroutine evicts idle
// entries; call Stop when the limiter is no longer needed.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	rl := &RateLimiter{
		limiters:    make(map[string]*limiterEntry),
		rate:        requestsPerSecond,
		burst:       burst,
		maxEntries:  defaultMaxEntries,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a request from the given identifier is allowed.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[identifier]
	if !ok {
		if len(rl.limiters) >= rl.maxEntries {
			rl.evictOldestLocked()
		}
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(rl.rate), rl.burst),
		}
		rl.limiters[identifier] = entry
	}
	entry.lastAccess = time.Now()

	return entry.limiter.Allow()
}

// Size returns the number of identifiers currently tracked.
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// evictOldestLocked removes the least recently used entry. Caller must hold mu.
func (rl *RateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range rl.limiters {
		if oldestKey == "" || entry.lastAccess.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.lastAccess
		}
	}
	if oldestKey != "" {
		delete(rl.limiters, oldestKey)
		rl.logger.Debug("Evicted rate limiter entry", "reason", "max_entries")
	}
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCleanup:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-idleEvictionAge)
	removed := 0
	for key, entry := range rl.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Cleaned up idle rate limiters", "removed", removed, "remaining", len(rl.limiters))
	}
}
