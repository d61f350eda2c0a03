package eventbus

import (
	"sync"
	"time"
)

// TypedEnvelope carries one delivered event with its payload already
// asserted to T.
type TypedEnvelope[T any] struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       T
}

// TypedSubscription filters a raw Subscription down to payloads of type T.
// Envelopes whose payload is not a T are skipped without notice.
type TypedSubscription[T any] struct {
	raw       *Subscription
	ch        chan TypedEnvelope[T]
	done      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
}

// Subscribe opens a typed subscription on the given topic. A forwarding
// goroutine asserts each raw payload to T and relays matches on C().
//
// A nil bus yields a subscription whose channel is already closed, matching
// Publish's nil-bus no-op. Callers ranging over C() see it end immediately;
// callers selecting on C() must nil their channel variable on the closed
// receive.
//
// The typed channel is unbuffered; backpressure lands on the raw
// subscription's buffer and its delivery policy.
func Subscribe[T any](bus *Bus, topic Topic, opts ...SubscriptionOption) *TypedSubscription[T] {
	if bus == nil {
		ch := make(chan TypedEnvelope[T])
		done := make(chan struct{})
		close(ch)
		close(done)
		return &TypedSubscription[T]{
			ch:   ch,
			done: done,
			stop: make(chan struct{}),
		}
	}

	sub := &TypedSubscription[T]{
		raw:  bus.Subscribe(topic, opts...),
		ch:   make(chan TypedEnvelope[T]),
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	go sub.forward()
	return sub
}

// C returns the typed event channel.
func (s *TypedSubscription[T]) C() <-chan TypedEnvelope[T] {
	return s.ch
}

// Close stops forwarding and releases the underlying subscription. Safe to
// call more than once.
func (s *TypedSubscription[T]) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		if s.raw != nil {
			s.raw.Close()
		}
		<-s.done
	})
}

func (s *TypedSubscription[T]) forward() {
	defer close(s.done)
	defer close(s.ch)

	for env := range s.raw.C() {
		payload, ok := env.Payload.(T)
		if !ok {
			continue
		}
		typed := TypedEnvelope[T]{
			Topic:         env.Topic,
			Timestamp:     env.Timestamp,
			Source:        env.Source,
			CorrelationID: env.CorrelationID,
			Payload:       payload,
		}
		select {
		case s.ch <- typed:
		case <-s.stop:
			return
		}
	}
}
