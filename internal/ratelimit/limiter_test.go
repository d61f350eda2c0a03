package ratelimit_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/connectias/warden/internal/ratelimit"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
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

func newLimiter(clock *fakeClock, configs map[string]ratelimit.MethodConfig) *ratelimit.Limiter {
	return ratelimit.NewLimiter(
		ratelimit.WithClock(clock.Now),
		ratelimit.WithMethodConfigs(configs),
	)
}

func TestUnconfiguredMethodUnthrottled(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, map[string]ratelimit.MethodConfig{})

	for i := 0; i < 1000; i++ {
		if err := l.Check("unlisted", "plugin-a"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
}

func TestBurstThenReject(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, map[string]ratelimit.MethodConfig{
		"readFile": {PerSecond: 1, PerMinute: 100, Burst: 2},
	})

	// perSecond=1, burst=2: three calls within 10ms admit exactly 2.
	if err := l.Check("readFile", "plugin-a"); err != nil {
		t.Fatalf("call 1: %v", err)
	}
	clock.Advance(5 * time.Millisecond)
	if err := l.Check("readFile", "plugin-a"); err != nil {
		t.Fatalf("call 2: %v", err)
	}
	clock.Advance(5 * time.Millisecond)

	err := l.Check("readFile", "plugin-a")
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("expected rate limit on call 3, got %v", err)
	}
	var limitErr *ratelimit.LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected *LimitError, got %T", err)
	}
	if limitErr.RetryAfter <= 0 {
		t.Fatalf("expected positive RetryAfter, got %s", limitErr.RetryAfter)
	}
}

func TestSteadyStateAtRefillRateNeverExhausts(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, map[string]ratelimit.MethodConfig{
		"invoke": {PerSecond: 5, PerMinute: 1000, Burst: 10},
	})

	// One call every 200ms == exactly the 5/s refill rate.
	for i := 0; i < 500; i++ {
		if err := l.Check("invoke", "plugin-a"); err != nil {
			t.Fatalf("steady-state call %d rejected: %v", i, err)
		}
		clock.Advance(200 * time.Millisecond)
	}
}

func TestBurstThrottledAtBurstPlusOne(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, map[string]ratelimit.MethodConfig{
		"invoke": {PerSecond: 1, PerMinute: 1000, Burst: 5},
	})

	for i := 0; i < 5; i++ {
		if err := l.Check("invoke", "plugin-a"); err != nil {
			t.Fatalf("burst call %d rejected: %v", i, err)
		}
	}
	if err := l.Check("invoke", "plugin-a"); !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("expected call burst+1 rejected, got %v", err)
	}
}

func TestRejectionConsumesNoTokens(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, map[string]ratelimit.MethodConfig{
		"invoke": {PerSecond: 1, PerMinute: 100, Burst: 1},
	})

	if err := l.Check("invoke", "plugin-a"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := l.Check("invoke", "plugin-a"); err == nil {
			t.Fatalf("expected rejection %d", i)
		}
	}

	// Exactly one second of refill restores exactly one token despite the
	// rejected attempts in between.
	clock.Advance(time.Second)
	if err := l.Check("invoke", "plugin-a"); err != nil {
		t.Fatalf("call after refill: %v", err)
	}
	if err := l.Check("invoke", "plugin-a"); err == nil {
		t.Fatal("expected only one token refilled")
	}
}

func TestMinuteBucketCapsSustainedBursts(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, map[string]ratelimit.MethodConfig{
		"invoke": {PerSecond: 100, PerMinute: 10, Burst: 100},
	})

	// The second-scale bucket would admit all of these; the minute ceiling
	// must stop the 11th.
	admitted := 0
	for i := 0; i < 20; i++ {
		if err := l.Check("invoke", "plugin-a"); err == nil {
			admitted++
		}
		clock.Advance(10 * time.Millisecond)
	}
	if admitted != 10 {
		t.Fatalf("expected 10 admitted under minute ceiling, got %d", admitted)
	}
}

func TestRetryAfterFloor(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, map[string]ratelimit.MethodConfig{
		"invoke": {PerSecond: 1000, PerMinute: 1, Burst: 1000},
	})

	if err := l.Check("invoke", ""); err != nil {
		t.Fatalf("first call: %v", err)
	}
	err := l.Check("invoke", "")
	var limitErr *ratelimit.LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected *LimitError, got %v", err)
	}
	if limitErr.RetryAfter < ratelimit.MinRetryAfter {
		t.Fatalf("expected RetryAfter >= %s, got %s", ratelimit.MinRetryAfter, limitErr.RetryAfter)
	}
}

func TestBucketsIsolatedPerPlugin(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, map[string]ratelimit.MethodConfig{
		"invoke": {PerSecond: 1, PerMinute: 100, Burst: 1},
	})

	if err := l.Check("invoke", "plugin-a"); err != nil {
		t.Fatalf("plugin-a: %v", err)
	}
	if err := l.Check("invoke", "plugin-b"); err != nil {
		t.Fatalf("plugin-b should have its own bucket: %v", err)
	}
	if err := l.Check("invoke", "plugin-a"); err == nil {
		t.Fatal("expected plugin-a exhausted")
	}
}

func TestResetRestoresBudget(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(clock, map[string]ratelimit.MethodConfig{
		"invoke": {PerSecond: 1, PerMinute: 100, Burst: 1},
	})

	if err := l.Check("invoke", "plugin-a"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := l.Check("invoke", "plugin-a"); err == nil {
		t.Fatal("expected exhaustion")
	}

	l.Reset("invoke", "plugin-a")
	if err := l.Check("invoke", "plugin-a"); err != nil {
		t.Fatalf("call after reset: %v", err)
	}

	l.ResetAll()
	if err := l.Check("invoke", "plugin-a"); err != nil {
		t.Fatalf("call after reset-all: %v", err)
	}
}

func TestConcurrentChecks(t *testing.T) {
	l := ratelimit.NewLimiter(ratelimit.WithMethodConfigs(map[string]ratelimit.MethodConfig{
		"invoke": {PerSecond: 1000, PerMinute: 60000, Burst: 1000},
	}))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				l.Check("invoke", "plugin-a")
				if i%10 == 0 {
					l.ResetAll()
				}
			}
		}(w)
	}
	wg.Wait()
}
