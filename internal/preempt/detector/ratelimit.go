package detector

import (
	"sync/atomic"
	"time"
)

// Default limits, matching the kernel's printk_ratelimit: at most ten
// messages every five seconds.
const (
	DefaultRateLimitInterval = 5 * time.Second
	DefaultRateLimitBurst    = 10
)

// Limiter decides whether one more diagnostic may be emitted. It is
// shared by every task and must not block.
type Limiter interface {
	Allow() bool
}

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	// Interval is the window length. Zero disables limiting.
	Interval time.Duration

	// Burst is how many diagnostics one window admits.
	Burst int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// OnSuppressed, if set, is called when a window closes that dropped
	// diagnostics, with the number dropped. It runs on the goroutine
	// that opened the next window.
	OnSuppressed func(missed uint64)
}

// RateLimitStats counts limiter decisions.
type RateLimitStats struct {
	Allowed    uint64
	Suppressed uint64
}

// RateLimiter is a fixed-window limiter built only from atomics, so it is
// safe to consult from any goroutine without a lock.
//
// At window boundaries concurrent callers race to open the next window.
// Exactly one wins the CAS; callers that already counted against the old
// window may push the first window's count slightly over Burst. The
// limit is advisory and that slack is accepted.
type RateLimiter struct {
	interval int64
	burst    int64
	now      func() time.Time
	notify   func(missed uint64)

	begin   atomic.Int64 // window start, unix nanos; 0 before the first call
	printed atomic.Int64
	missed  atomic.Uint64

	allowed    atomic.Uint64
	suppressed atomic.Uint64
}

// NewRateLimiter creates a limiter from cfg. A zero Burst becomes
// DefaultRateLimitBurst; a negative Burst suppresses everything.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Burst == 0 {
		cfg.Burst = DefaultRateLimitBurst
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RateLimiter{
		interval: int64(cfg.Interval),
		burst:    int64(cfg.Burst),
		now:      cfg.Now,
		notify:   cfg.OnSuppressed,
	}
}

// Allow reports whether a diagnostic may be emitted now.
func (r *RateLimiter) Allow() bool {
	if r.interval <= 0 {
		r.allowed.Add(1)
		return true
	}

	now := r.now().UnixNano()
	begin := r.begin.Load()
	if begin == 0 || now-begin >= r.interval {
		if r.begin.CompareAndSwap(begin, now) {
			r.printed.Store(0)
			if missed := r.missed.Swap(0); missed > 0 && r.notify != nil {
				r.notify(missed)
			}
		}
	}

	if r.burst > 0 && r.printed.Add(1) <= r.burst {
		r.allowed.Add(1)
		return true
	}

	r.missed.Add(1)
	r.suppressed.Add(1)
	return false
}

// Stats returns the decision counters.
func (r *RateLimiter) Stats() RateLimitStats {
	return RateLimitStats{
		Allowed:    r.allowed.Load(),
		Suppressed: r.suppressed.Load(),
	}
}

// Burst returns the per-window limit.
func (r *RateLimiter) Burst() int {
	return int(r.burst)
}

// Interval returns the window length.
func (r *RateLimiter) Interval() time.Duration {
	return time.Duration(r.interval)
}
