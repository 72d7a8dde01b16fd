package detector

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for the limiter.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRateLimiterBurst(t *testing.T) {
	clk := newFakeClock()
	rl := NewRateLimiter(RateLimitConfig{Interval: time.Second, Burst: 3, Now: clk.Now})

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("call %d suppressed inside burst", i)
		}
	}
	if rl.Allow() {
		t.Fatal("call past burst allowed")
	}

	st := rl.Stats()
	if st.Allowed != 3 || st.Suppressed != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestRateLimiterWindowRollover(t *testing.T) {
	clk := newFakeClock()
	var missed []uint64
	rl := NewRateLimiter(RateLimitConfig{
		Interval:     time.Second,
		Burst:        1,
		Now:          clk.Now,
		OnSuppressed: func(n uint64) { missed = append(missed, n) },
	})

	if !rl.Allow() {
		t.Fatal("first call suppressed")
	}
	rl.Allow()
	rl.Allow()

	clk.Advance(999 * time.Millisecond)
	if rl.Allow() {
		t.Fatal("allowed before the window closed")
	}

	clk.Advance(time.Millisecond)
	if !rl.Allow() {
		t.Fatal("suppressed after the window closed")
	}
	if len(missed) != 1 || missed[0] != 3 {
		t.Errorf("OnSuppressed calls = %v, want [3]", missed)
	}

	// A window that dropped nothing does not notify.
	clk.Advance(time.Second)
	rl.Allow()
	if len(missed) != 1 {
		t.Errorf("OnSuppressed called for a clean window: %v", missed)
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Interval: DefaultRateLimitInterval})
	if rl.Burst() != DefaultRateLimitBurst {
		t.Errorf("Burst() = %d, want %d", rl.Burst(), DefaultRateLimitBurst)
	}
	if rl.Interval() != 5*time.Second {
		t.Errorf("Interval() = %v", rl.Interval())
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{})
	for i := 0; i < 1000; i++ {
		if !rl.Allow() {
			t.Fatalf("zero interval suppressed call %d", i)
		}
	}
}

func TestRateLimiterNegativeBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Interval: time.Second, Burst: -1})
	for i := 0; i < 10; i++ {
		if rl.Allow() {
			t.Fatal("negative burst allowed a call")
		}
	}
	if rl.Stats().Suppressed != 10 {
		t.Errorf("Suppressed = %d, want 10", rl.Stats().Suppressed)
	}
}

func TestRateLimiterConcurrent(t *testing.T) {
	clk := newFakeClock()
	rl := NewRateLimiter(RateLimitConfig{Interval: time.Hour, Burst: 10, Now: clk.Now})

	// Prime the window so no goroutine races to open it.
	rl.Allow()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rl.Allow()
			}
		}()
	}
	wg.Wait()

	st := rl.Stats()
	if st.Allowed != 10 || st.Allowed+st.Suppressed != 801 {
		t.Errorf("Stats() = %+v, want 10 allowed of 801", st)
	}
}

func BenchmarkRateLimiterAllow(b *testing.B) {
	rl := NewRateLimiter(RateLimitConfig{Interval: DefaultRateLimitInterval})
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			rl.Allow()
		}
	})
}
