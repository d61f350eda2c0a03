package eventbus

import (
	"context"
	"sync"
)

// Consume drains sub into handler until ctx is cancelled or the
// subscription closes. Only the payload is passed on; use ConsumeEnvelope
// when the handler needs topic or timing metadata.
func Consume[T any](ctx context.Context, sub *TypedSubscription[T], wg *sync.WaitGroup, handler func(T)) {
	ConsumeEnvelope(ctx, sub, wg, func(env TypedEnvelope[T]) {
		handler(env.Payload)
	})
}

// ConsumeEnvelope drains sub into handler until ctx is cancelled or the
// subscription closes. When wg is non-nil its Done is called on return, so
// callers can run several consumers under one wait group.
func ConsumeEnvelope[T any](ctx context.Context, sub *TypedSubscription[T], wg *sync.WaitGroup, handler func(TypedEnvelope[T])) {
	if wg != nil {
		defer wg.Done()
	}
	if sub == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			handler(env)
		}
	}
}
