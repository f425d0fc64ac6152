package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRequestsPerSecond is sized for the interactive OAuth endpoints:
	// an MCP client issues a handful of requests per flow, not a stream.
	DefaultRequestsPerSecond = 10

	// DefaultBurst absorbs the authorize, callback and token requests a
	// single flow produces back to back.
	DefaultBurst = 20

	// defaultMaxTrackedIPs caps the bucket map so a scan across many source
	// addresses cannot grow it without bound.
	defaultMaxTrackedIPs = 10000

	bucketCleanupInterval = 5 * time.Minute
	bucketIdleEviction    = 30 * time.Minute
)

// ipBucket pairs a token bucket with the address it throttles.
type ipBucket struct {
	ip       string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles the broker's public OAuth endpoints per client IP.
// Every endpoint can be driven anonymously, so the IP is the only identity
// available before authentication. Buckets live in an LRU; when the map is
// full the coldest address loses its bucket first.
type RateLimiter struct {
	mu       sync.Mutex
	byIP     map[string]*list.Element
	lru      *list.List // of *ipBucket, hottest at the front
	rps      int
	burst    int
	maxIPs   int
	evicted  int64
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a per-IP limiter. Non-positive rate or burst fall
// back to the endpoint defaults. A janitor goroutine drops idle buckets
// until Stop is called.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultRequestsPerSecond
	}
	if burst <= 0 {
		burst = DefaultBurst
	}

	rl := &RateLimiter{
		byIP:   make(map[string]*list.Element),
		lru:    list.New(),
		rps:    requestsPerSecond,
		burst:  burst,
		maxIPs: defaultMaxTrackedIPs,
		logger: logger,
		stop:   make(chan struct{}),
	}
	go rl.janitor()
	return rl
}

// Allow reports whether a request from ip may proceed now.
func (rl *RateLimiter) Allow(ip string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.byIP[ip]; ok {
		rl.lru.MoveToFront(elem)
		bucket := elem.Value.(*ipBucket)
		bucket.lastSeen = now
		return bucket.limiter.Allow()
	}

	if len(rl.byIP) >= rl.maxIPs {
		rl.evictColdest()
	}

	bucket := &ipBucket{
		ip:       ip,
		limiter:  rate.NewLimiter(rate.Limit(rl.rps), rl.burst),
		lastSeen: now,
	}
	rl.byIP[ip] = rl.lru.PushFront(bucket)
	return bucket.limiter.Allow()
}

// TrackedIPs returns the number of addresses currently holding a bucket.
func (rl *RateLimiter) TrackedIPs() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.byIP)
}

// evictColdest drops the least recently seen bucket. Caller holds the lock.
func (rl *RateLimiter) evictColdest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	bucket := elem.Value.(*ipBucket)
	delete(rl.byIP, bucket.ip)
	rl.lru.Remove(elem)
	rl.evicted++

	rl.logger.Debug("Rate limit bucket evicted",
		"ip", bucket.ip,
		"evicted_total", rl.evicted)
}

func (rl *RateLimiter) janitor() {
	ticker := time.NewTicker(bucketCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(bucketIdleEviction)
		case <-rl.stop:
			return
		}
	}
}

// Cleanup drops buckets that have been idle longer than maxIdle. An idle
// bucket is full anyway, so dropping it loses nothing.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	var next *list.Element
	for elem := rl.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		bucket := elem.Value.(*ipBucket)
		if bucket.lastSeen.Before(cutoff) {
			delete(rl.byIP, bucket.ip)
			rl.lru.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Rate limit buckets expired",
			"removed", removed,
			"remaining", len(rl.byIP))
	}
}

// Stop ends the janitor goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
