package security

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultRegistrationsPerWindow allows a legitimate developer to iterate
	// on a client registration while keeping storage writes from an
	// unauthenticated endpoint tightly budgeted.
	DefaultRegistrationsPerWindow = 10

	// DefaultRegistrationWindow is the budget window.
	DefaultRegistrationWindow = time.Hour

	defaultMaxRegistrationIPs   = 10000
	registrationCleanupInterval = 15 * time.Minute
)

// registrationWindow is a fixed window of registration attempts from one IP.
type registrationWindow struct {
	start    time.Time
	count    int
	lastSeen time.Time
}

// ClientRegistrationRateLimiter budgets dynamic client registrations per IP.
// Registration is the only unauthenticated operation that writes client
// records with a week-long TTL, so it gets an hourly budget on top of the
// general per-IP limiter.
type ClientRegistrationRateLimiter struct {
	mu       sync.Mutex
	byIP     map[string]*registrationWindow
	limit    int
	window   time.Duration
	maxIPs   int
	blocked  int64
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewClientRegistrationRateLimiter creates a limiter with the default
// hourly budget.
func NewClientRegistrationRateLimiter(logger *slog.Logger) *ClientRegistrationRateLimiter {
	return NewClientRegistrationRateLimiterWithConfig(
		DefaultRegistrationsPerWindow, DefaultRegistrationWindow, logger)
}

// NewClientRegistrationRateLimiterWithConfig creates a limiter with a custom
// budget. Non-positive values fall back to the defaults.
func NewClientRegistrationRateLimiterWithConfig(limit int, window time.Duration, logger *slog.Logger) *ClientRegistrationRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = DefaultRegistrationsPerWindow
	}
	if window <= 0 {
		window = DefaultRegistrationWindow
	}

	rl := &ClientRegistrationRateLimiter{
		byIP:   make(map[string]*registrationWindow),
		limit:  limit,
		window: window,
		maxIPs: defaultMaxRegistrationIPs,
		logger: logger,
		stop:   make(chan struct{}),
	}
	go rl.janitor()
	return rl
}

// Allow reports whether a registration from ip fits the current window.
func (rl *ClientRegistrationRateLimiter) Allow(ip string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.byIP[ip]
	if !ok {
		if len(rl.byIP) >= rl.maxIPs {
			rl.evictStalest()
		}
		rl.byIP[ip] = &registrationWindow{start: now, count: 1, lastSeen: now}
		return true
	}

	w.lastSeen = now
	if now.Sub(w.start) >= rl.window {
		w.start = now
		w.count = 0
	}

	if w.count >= rl.limit {
		rl.blocked++
		rl.logger.Warn("Client registration rate limit exceeded",
			"ip", ip,
			"count", w.count,
			"limit", rl.limit,
			"window", rl.window,
			"blocked_total", rl.blocked)
		return false
	}

	w.count++
	return true
}

// Blocked returns the number of registrations refused so far.
func (rl *ClientRegistrationRateLimiter) Blocked() int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.blocked
}

// evictStalest removes the entry idle the longest. Registrations are rare
// enough that a linear scan at capacity is fine. Caller holds the lock.
func (rl *ClientRegistrationRateLimiter) evictStalest() {
	var stalestIP string
	var stalest time.Time
	for ip, w := range rl.byIP {
		if stalestIP == "" || w.lastSeen.Before(stalest) {
			stalestIP = ip
			stalest = w.lastSeen
		}
	}
	if stalestIP != "" {
		delete(rl.byIP, stalestIP)
	}
}

func (rl *ClientRegistrationRateLimiter) janitor() {
	ticker := time.NewTicker(registrationCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stop:
			return
		}
	}
}

// Cleanup drops windows idle for two full budget windows. Such an entry can
// no longer influence any Allow decision.
func (rl *ClientRegistrationRateLimiter) Cleanup() {
	cutoff := time.Now().Add(-2 * rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, w := range rl.byIP {
		if w.lastSeen.Before(cutoff) {
			delete(rl.byIP, ip)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Registration windows expired",
			"removed", removed,
			"remaining", len(rl.byIP))
	}
}

// Stop ends the janitor goroutine. Safe to call more than once.
func (rl *ClientRegistrationRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
