package auth

import (
	"context"
	"sync"
	"time"
)

// LoginRateLimiter limits login attempts per client IP
type LoginRateLimiter struct {
	mu          sync.Mutex
	attempts    map[string]*ipAttempts
	maxAttempts int
	window      time.Duration
	blockTime   time.Duration
	now         func() time.Time
}

type ipAttempts struct {
	count     int
	firstTime time.Time
	blockEnd  time.Time
}

// NewLoginRateLimiter allows 5 attempts per 2 minutes and then blocks for 5 minutes
func NewLoginRateLimiter() *LoginRateLimiter {
	return NewLoginRateLimiterWith(5, 2*time.Minute, 5*time.Minute)
}

// NewLoginRateLimiterWith creates a limiter with explicit limits
func NewLoginRateLimiterWith(maxAttempts int, window, blockTime time.Duration) *LoginRateLimiter {
	return &LoginRateLimiter{
		attempts:    make(map[string]*ipAttempts),
		maxAttempts: maxAttempts,
		window:      window,
		blockTime:   blockTime,
		now:         time.Now,
	}
}

// Allow counts an attempt from ip.
// Returns (allowed, seconds until unblock).
func (rl *LoginRateLimiter) Allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	att, ok := rl.attempts[ip]
	if !ok || (att.blockEnd.IsZero() && now.Sub(att.firstTime) > rl.window) ||
		(!att.blockEnd.IsZero() && now.After(att.blockEnd)) {
		rl.attempts[ip] = &ipAttempts{count: 1, firstTime: now}
		return true, 0
	}

	if !att.blockEnd.IsZero() {
		return false, int(att.blockEnd.Sub(now).Seconds())
	}

	att.count++
	if att.count > rl.maxAttempts {
		att.blockEnd = now.Add(rl.blockTime)
		return false, int(rl.blockTime.Seconds())
	}
	return true, 0
}

// Reset clears the attempts of ip after a successful login
func (rl *LoginRateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// RunCleanup drops stale entries every interval until ctx is done
func (rl *LoginRateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *LoginRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, att := range rl.attempts {
		if att.blockEnd.IsZero() && now.Sub(att.firstTime) > rl.window {
			delete(rl.attempts, ip)
		} else if !att.blockEnd.IsZero() && now.After(att.blockEnd) {
			delete(rl.attempts, ip)
		}
	}
}
