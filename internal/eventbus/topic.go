package eventbus

import (
	"context"
	"time"
)

// TopicDef binds a topic string to its payload type at compile time, so a
// security event can never be published on an anomaly topic by accident.
type TopicDef[T any] struct{ topic Topic }

// NewTopicDef declares a typed topic descriptor.
func NewTopicDef[T any](topic Topic) TopicDef[T] { return TopicDef[T]{topic: topic} }

// Topic returns the underlying topic string.
func (d TopicDef[T]) Topic() Topic { return d.topic }

// Publish sends payload on the descriptor's topic. A nil bus is a no-op so
// components can run without wiring.
func Publish[T any](ctx context.Context, bus *Bus, td TopicDef[T], source Source, payload T) {
	if bus == nil {
		return
	}
	bus.publish(ctx, Envelope{
		Topic:   td.topic,
		Source:  source,
		Payload: payload,
	})
}

// PublishOption adjusts the envelope built by PublishWithOpts.
type PublishOption func(*Envelope)

// WithTimestamp overrides the envelope timestamp, which otherwise defaults
// to time.Now().UTC() at publish.
func WithTimestamp(ts time.Time) PublishOption {
	return func(env *Envelope) {
		env.Timestamp = ts
	}
}

// WithCorrelationID tags the envelope so downstream consumers can join
// related events, for example a rate-limit breach and the audit entry it
// produced.
func WithCorrelationID(id string) PublishOption {
	return func(env *Envelope) {
		env.CorrelationID = id
	}
}

// PublishWithOpts is Publish with envelope options applied. A nil bus is a
// no-op.
func PublishWithOpts[T any](ctx context.Context, bus *Bus, td TopicDef[T], source Source, payload T, opts ...PublishOption) {
	if bus == nil {
		return
	}
	env := Envelope{
		Topic:   td.topic,
		Source:  source,
		Payload: payload,
	}
	for _, opt := range opts {
		opt(&env)
	}
	bus.publish(ctx, env)
}

// SubscribeTo opens a typed subscription for the descriptor's topic. The
// type parameter is pinned by the descriptor, unlike a bare Subscribe call.
func SubscribeTo[T any](bus *Bus, td TopicDef[T], opts ...SubscriptionOption) *TypedSubscription[T] {
	return Subscribe[T](bus, td.topic, opts...)
}
