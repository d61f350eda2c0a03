// Package ratelimit provides token-bucket admission control for IPC methods.
// Each configured method is backed by two buckets per caller: a second-scale
// bucket that shapes bursts and a minute-scale bucket that caps sustained
// volume. Both must admit a call for it to proceed.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/connectias/warden/internal/eventbus"
)

// MinRetryAfter floors the backoff hint so rejected callers do not retry in
// a tight loop.
const MinRetryAfter = 100 * time.Millisecond

// MethodConfig describes the admission budget for a single IPC method.
type MethodConfig struct {
	PerSecond float64 // sustained refill rate of the second-scale bucket
	PerMinute float64 // ceiling of the minute-scale bucket
	Burst     float64 // capacity of the second-scale bucket
}

// DefaultMethodConfigs is the static admission table for the sandbox IPC
// surface. Methods absent from the table are unthrottled.
var DefaultMethodConfigs = map[string]MethodConfig{
	"registerPlugin":   {PerSecond: 1, PerMinute: 10, Burst: 2},
	"invokeBridge":     {PerSecond: 50, PerMinute: 1200, Burst: 100},
	"openCamera":       {PerSecond: 1, PerMinute: 10, Burst: 2},
	"networkRequest":   {PerSecond: 10, PerMinute: 300, Burst: 20},
	"printDocument":    {PerSecond: 0.5, PerMinute: 5, Burst: 1},
	"bluetoothConnect": {PerSecond: 0.2, PerMinute: 6, Burst: 1},
	"readFile":         {PerSecond: 20, PerMinute: 600, Burst: 40},
	"writeFile":        {PerSecond: 10, PerMinute: 300, Burst: 20},
	"deleteFile":       {PerSecond: 5, PerMinute: 60, Burst: 10},
	"listFiles":        {PerSecond: 10, PerMinute: 300, Burst: 20},
	"queryPermission":  {PerSecond: 20, PerMinute: 600, Burst: 40},
}

// ErrRateLimited is the sentinel all limiter rejections wrap.
var ErrRateLimited = errors.New("ratelimit: rate limit exceeded")

// LimitError reports a rejected call together with a backoff hint.
type LimitError struct {
	Method     string
	PluginID   string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	if e.PluginID == "" {
		return fmt.Sprintf("ratelimit: %s exceeded, retry after %s", e.Method, e.RetryAfter)
	}
	return fmt.Sprintf("ratelimit: %s exceeded for plugin %s, retry after %s", e.Method, e.PluginID, e.RetryAfter)
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

type bucket struct {
	tokens     float64
	capacity   float64
	ratePerSec float64
	lastRefill time.Time
}

// refill credits tokens proportional to elapsed wall-clock time, capped at
// capacity.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.ratePerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// retryAfter estimates how long until one token is available.
func (b *bucket) retryAfter() time.Duration {
	shortfall := 1 - b.tokens
	if shortfall <= 0 || b.ratePerSec <= 0 {
		return MinRetryAfter
	}
	wait := time.Duration(shortfall / b.ratePerSec * float64(time.Second))
	if wait < MinRetryAfter {
		wait = MinRetryAfter
	}
	return wait
}

// Limiter admits or rejects IPC calls against per-method budgets. Bucket
// state is in-memory only and resets with the sandbox process.
type Limiter struct {
	logger  *log.Logger
	bus     *eventbus.Bus
	configs map[string]MethodConfig
	now     func() time.Time

	mu      sync.Mutex
	seconds map[string]*bucket
	minutes map[string]*bucket
}

// Option configures optional behaviour on the Limiter.
type Option func(*Limiter)

// WithLogger overrides the logger used for rejection diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithEventBus wires the limiter to publish rejection events.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(l *Limiter) {
		l.bus = bus
	}
}

// WithMethodConfigs replaces the admission table.
func WithMethodConfigs(configs map[string]MethodConfig) Option {
	return func(l *Limiter) {
		l.configs = configs
	}
}

// WithClock overrides the time source. Tests use this to refill buckets
// deterministically.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLimiter constructs a limiter with the default method table.
func NewLimiter(opts ...Option) *Limiter {
	l := &Limiter{
		logger:  log.Default(),
		configs: DefaultMethodConfigs,
		now:     time.Now,
		seconds: make(map[string]*bucket),
		minutes: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check admits or rejects one call of method on behalf of pluginID (empty
// for method-global buckets). Rejections return a *LimitError wrapping
// ErrRateLimited and consume no tokens.
func (l *Limiter) Check(method, pluginID string) error {
	cfg, ok := l.configs[method]
	if !ok {
		return nil
	}

	key := method
	if pluginID != "" {
		key = method + ":" + pluginID
	}

	now := l.now()

	l.mu.Lock()
	sec, ok := l.seconds[key]
	if !ok {
		sec = &bucket{tokens: cfg.Burst, capacity: cfg.Burst, ratePerSec: cfg.PerSecond, lastRefill: now}
		l.seconds[key] = sec
	}
	min, ok := l.minutes[key]
	if !ok {
		min = &bucket{tokens: cfg.PerMinute, capacity: cfg.PerMinute, ratePerSec: cfg.PerMinute / 60, lastRefill: now}
		l.minutes[key] = min
	}

	sec.refill(now)
	min.refill(now)

	if sec.tokens < 1 || min.tokens < 1 {
		retry := sec.retryAfter()
		if min.tokens < 1 {
			if mr := min.retryAfter(); mr > retry || sec.tokens >= 1 {
				retry = mr
			}
		}
		l.mu.Unlock()

		l.logger.Printf("[RateLimit] rejected %s for plugin %q, retry after %s", method, pluginID, retry)
		eventbus.Publish(context.Background(), l.bus, eventbus.RateLimits.Exceeded, eventbus.SourceRateLimiter, eventbus.RateLimitEvent{
			Method:     method,
			PluginID:   pluginID,
			RetryAfter: retry,
			At:         now.UTC(),
		})
		return &LimitError{Method: method, PluginID: pluginID, RetryAfter: retry}
	}

	sec.tokens--
	min.tokens--
	l.mu.Unlock()
	return nil
}

// Reset clears the buckets for one (method, plugin) pair.
func (l *Limiter) Reset(method, pluginID string) {
	key := method
	if pluginID != "" {
		key = method + ":" + pluginID
	}
	l.mu.Lock()
	delete(l.seconds, key)
	delete(l.minutes, key)
	l.mu.Unlock()
}

// ResetAll clears every bucket. Safe to call concurrently with live traffic.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	l.seconds = make(map[string]*bucket)
	l.minutes = make(map[string]*bucket)
	l.mu.Unlock()
}

// Configured reports whether a method has an admission budget.
func (l *Limiter) Configured(method string) bool {
	_, ok := l.configs[method]
	return ok
}
