package eventbus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Bus routes envelopes from the security core components to whoever is
// listening: the audit persister, the stream hub, the sandbox host.
type Bus struct {
	logger          *log.Logger
	mu              sync.RWMutex
	routes          map[Topic]map[uint64]*Subscription
	bufferSizes     map[Topic]int
	policyOverrides map[Topic]DeliveryPolicy
	retained        map[Topic]*replayRing
	lastSubID       uint64
}

// New constructs a bus with per-topic buffer sizes and replay rings suited
// to the traffic each topic carries.
func New(opts ...BusOption) *Bus {
	defaults := map[Topic]int{
		TopicAuditSecurity:     256,
		TopicAnomalyDetected:   128,
		TopicPluginsLifecycle:  64,
		TopicNetPolicyVerdict:  256,
		TopicRateLimitExceeded: 128,
		TopicResourcesSample:   64,
		TopicResourcesPressure: 64,
	}

	bus := &Bus{
		logger:          log.Default(),
		routes:          make(map[Topic]map[uint64]*Subscription),
		bufferSizes:     defaults,
		policyOverrides: make(map[Topic]DeliveryPolicy),
		retained:        make(map[Topic]*replayRing),
	}

	for topic, size := range defaultReplay {
		bus.retained[topic] = newReplayRing(size)
	}

	for _, opt := range opts {
		opt(bus)
	}

	return bus
}

// BusOption customises bus behaviour.
type BusOption func(*Bus)

// WithLogger overrides the logger used for drop warnings.
func WithLogger(logger *log.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTopicBuffer sets the subscription channel buffer for a topic.
func WithTopicBuffer(topic Topic, size int) BusOption {
	return func(b *Bus) {
		if size <= 0 {
			size = 1
		}
		if b.bufferSizes == nil {
			b.bufferSizes = make(map[Topic]int)
		}
		b.bufferSizes[topic] = size
	}
}

// WithTopicPolicy overrides the delivery policy for a topic.
func WithTopicPolicy(topic Topic, policy DeliveryPolicy) BusOption {
	return func(b *Bus) {
		if b.policyOverrides == nil {
			b.policyOverrides = make(map[Topic]DeliveryPolicy)
		}
		b.policyOverrides[topic] = policy
	}
}

// WithTopicReplay retains the last size envelopes published on topic and
// hands them to new subscribers ahead of live traffic. Zero disables
// replay for the topic.
func WithTopicReplay(topic Topic, size int) BusOption {
	return func(b *Bus) {
		if size <= 0 {
			delete(b.retained, topic)
			return
		}
		b.retained[topic] = newReplayRing(size)
	}
}

// Publish delivers the envelope to every subscriber of its topic, filling
// in a missing timestamp and source. A nil bus is a no-op.
func (b *Bus) Publish(ctx context.Context, env Envelope) {
	if b == nil {
		return
	}
	b.publish(ctx, env)
}

func (b *Bus) publish(ctx context.Context, env Envelope) {
	if env.Topic == "" {
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.Source == "" {
		env.Source = SourceUnknown
	}

	b.mu.RLock()
	if ring, ok := b.retained[env.Topic]; ok {
		ring.append(env)
	}
	for _, s := range b.routes[env.Topic] {
		s.deliver(ctx, env, b.logger)
	}
	b.mu.RUnlock()
}

// Replay returns a copy of the retained envelopes for a topic, oldest
// first. Topics without a replay ring return nil.
func (b *Bus) Replay(topic Topic) []Envelope {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	ring, ok := b.retained[topic]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	return ring.snapshot()
}

// closedSubscription is what Subscribe hands out on a nil bus: the caller
// gets a channel that is already closed instead of a nil dereference.
func closedSubscription() *Subscription {
	events := make(chan Envelope)
	close(events)
	stopped := make(chan struct{})
	close(stopped)
	s := &Subscription{events: events, stopped: stopped}
	s.closed.Store(true)
	return s
}

// Subscribe registers a listener on topic. Retained envelopes from the
// topic's replay ring are queued before live traffic, so a late-starting
// audit consumer still sees recent history.
func (b *Bus) Subscribe(topic Topic, opts ...SubscriptionOption) *Subscription {
	if b == nil {
		return closedSubscription()
	}

	sc := subscriptionConfig{bufferSize: b.bufferSizes[topic]}
	if sc.bufferSize <= 0 {
		sc.bufferSize = 1
	}
	for _, opt := range opts {
		opt(&sc)
	}

	policy := policyFor(topic, b.policyOverrides)

	s := &Subscription{
		topic:   topic,
		id:      atomic.AddUint64(&b.lastSubID, 1),
		name:    sc.name,
		events:  make(chan Envelope, sc.bufferSize),
		stopped: make(chan struct{}),
		bus:     b,
		policy:  policy,
	}

	if policy.Strategy == StrategyOverflow {
		spillCap := policy.MaxOverflow
		if spillCap <= 0 {
			spillCap = defaultMaxOverflow
		}
		s.spill = newOverflowBuffer(spillCap)
		spillCtx, cancel := context.WithCancel(context.Background())
		s.spillCancel = cancel
		go s.spill.drainLoop(spillCtx, s.events)
	}

	b.mu.Lock()
	if !sc.skipReplay {
		if ring, ok := b.retained[topic]; ok {
			for _, env := range ring.snapshot() {
				select {
				case s.events <- env:
				default:
					// Buffer smaller than the ring; the oldest retained
					// events are skipped.
				}
			}
		}
	}
	if _, exists := b.routes[topic]; !exists {
		b.routes[topic] = make(map[uint64]*Subscription)
	}
	b.routes[topic][s.id] = s
	b.mu.Unlock()

	if sc.ctx != nil {
		go func() {
			select {
			case <-sc.ctx.Done():
				s.Close()
			case <-s.stopped:
			}
		}()
	}

	return s
}

// Shutdown closes every subscription and empties the routing tables. A nil
// bus is a no-op.
func (b *Bus) Shutdown() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.routes {
		for id, s := range subs {
			s.closeLocked()
			delete(subs, id)
		}
		delete(b.routes, topic)
	}
}

// Close is an alias for Shutdown.
func (b *Bus) Close() {
	b.Shutdown()
}

// SubscriptionOption customises individual subscriptions.
type SubscriptionOption func(*subscriptionConfig)

type subscriptionConfig struct {
	bufferSize int
	name       string
	ctx        context.Context
	skipReplay bool
}

// WithSubscriptionBuffer overrides the channel buffer for a subscription.
func WithSubscriptionBuffer(size int) SubscriptionOption {
	return func(sc *subscriptionConfig) {
		if size > 0 {
			sc.bufferSize = size
		}
	}
}

// WithSubscriptionName records an identifier used in drop warnings.
func WithSubscriptionName(name string) SubscriptionOption {
	return func(sc *subscriptionConfig) {
		sc.name = name
	}
}

// WithoutReplay skips delivery of retained envelopes to this subscription.
func WithoutReplay() SubscriptionOption {
	return func(sc *subscriptionConfig) {
		sc.skipReplay = true
	}
}

// WithContext closes the subscription when ctx is cancelled. A nil context
// is ignored.
func WithContext(ctx context.Context) SubscriptionOption {
	return func(sc *subscriptionConfig) {
		if ctx != nil {
			sc.ctx = ctx
		}
	}
}

// Subscription is one listener on a topic.
type Subscription struct {
	topic   Topic
	id      uint64
	name    string
	events  chan Envelope
	stopped chan struct{} // closed once the subscription is closed

	bus       *Bus
	closed    atomic.Bool
	dropCount atomic.Uint64
	policy    DeliveryPolicy

	// spill backs StrategyOverflow subscriptions; nil otherwise.
	spill       *overflowBuffer
	spillCancel context.CancelFunc
}

// C exposes the event channel.
func (s *Subscription) C() <-chan Envelope {
	return s.events
}

// Close removes the subscription from the bus and closes the channel. Safe
// to call more than once.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.stopSpill()
	close(s.stopped)

	if s.bus == nil {
		close(s.events)
		return
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.routes[s.topic]; ok {
		delete(subs, s.id)
	}
	close(s.events)
}

// closeLocked is Close for callers already holding the bus lock.
func (s *Subscription) closeLocked() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.stopSpill()
	close(s.stopped)
	close(s.events)
}

func (s *Subscription) stopSpill() {
	if s.spillCancel != nil {
		s.spillCancel()
	}
	if s.spill != nil {
		<-s.spill.done
	}
}

func (s *Subscription) deliver(ctx context.Context, env Envelope, logger *log.Logger) {
	if s.closed.Load() {
		return
	}

	select {
	case <-ctx.Done():
		return
	default:
	}

	// Overflow subscriptions route everything through the ring so the
	// drain goroutine is the only channel writer and FIFO order holds.
	if s.policy.Strategy == StrategyOverflow && s.spill != nil {
		if s.spill.push(env) {
			return
		}
		// Ring full too; fall back to drop-oldest on the channel.
		s.dropOldestAndEnqueue(env, logger)
		return
	}

	select {
	case s.events <- env:
		return
	default:
	}

	// Channel full; apply the topic's policy.
	switch s.policy.Strategy {
	case StrategyDropNewest:
		s.recordDrop(logger, "drop-newest")
	default: // StrategyDropOldest
		s.dropOldestAndEnqueue(env, logger)
	}
}

func (s *Subscription) dropOldestAndEnqueue(env Envelope, logger *log.Logger) {
	select {
	case <-s.events:
		s.recordDrop(logger, "drop-oldest")
	default:
	}

	select {
	case s.events <- env:
	default:
		s.recordDrop(logger, "drop-current")
	}
}

func (s *Subscription) recordDrop(logger *log.Logger, reason string) {
	count := s.dropCount.Add(1)
	if logger != nil {
		name := s.name
		if name == "" {
			name = "subscription"
		}
		logger.Printf("[EventBus] Dropped event #%d for %s on topic %s (%s)", count, name, s.topic, reason)
	}
}
