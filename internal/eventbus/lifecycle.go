package eventbus

import (
	"context"
	"reflect"
	"sync"
)

// SubscriptionCloser is the minimal contract for closing a subscription.
type SubscriptionCloser interface {
	Close()
}

// SubscriptionGroup collects subscriptions that share a shutdown point,
// such as the set a stream hub holds open for its feed topics.
type SubscriptionGroup struct {
	mu   sync.Mutex
	subs []SubscriptionCloser
}

// Add registers subscriptions for bulk shutdown. Nil values are ignored so
// callers can pass optional subscriptions unconditionally.
func (g *SubscriptionGroup) Add(subs ...SubscriptionCloser) {
	if g == nil || len(subs) == 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, s := range subs {
		if !isNilSubscription(s) {
			g.subs = append(g.subs, s)
		}
	}
}

// CloseAll closes every tracked subscription and empties the group.
func (g *SubscriptionGroup) CloseAll() {
	if g == nil {
		return
	}

	g.mu.Lock()
	closing := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, s := range closing {
		s.Close()
	}
}

// A typed nil pointer inside the interface still answers Close, but calling
// it would panic in most implementations. Treat it like nil.
func isNilSubscription(sub SubscriptionCloser) bool {
	if sub == nil {
		return true
	}
	v := reflect.ValueOf(sub)
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}

// ServiceLifecycle bundles the plumbing every long-running component of the
// daemon repeats: a cancellable context, subscriptions to close on stop,
// and a wait group over worker goroutines.
type ServiceLifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	subs   SubscriptionGroup
	wg     sync.WaitGroup
}

// Start derives the service context from parent. Call before Go.
func (l *ServiceLifecycle) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)
}

// Context returns the active service context.
func (l *ServiceLifecycle) Context() context.Context {
	return l.ctx
}

// AddSubscriptions registers subscriptions to close on Stop.
func (l *ServiceLifecycle) AddSubscriptions(subs ...SubscriptionCloser) {
	l.subs.Add(subs...)
}

// Go runs worker under the lifecycle's context and wait group.
func (l *ServiceLifecycle) Go(worker func(ctx context.Context)) {
	if worker == nil {
		return
	}
	l.wg.Add(1)
	go func(ctx context.Context) {
		defer l.wg.Done()
		worker(ctx)
	}(l.ctx)
}

// Stop cancels the service context and closes tracked subscriptions.
// Workers observe the cancellation and drain.
func (l *ServiceLifecycle) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.subs.CloseAll()
}

// Wait blocks until every worker returns or ctx expires.
func (l *ServiceLifecycle) Wait(ctx context.Context) error {
	return WaitForWorkers(ctx, &l.wg)
}

// Shutdown is Stop followed by Wait.
func (l *ServiceLifecycle) Shutdown(ctx context.Context) error {
	l.Stop()
	return l.Wait(ctx)
}

// WaitForWorkers waits on wg, giving up when ctx is done so a stuck worker
// cannot hang shutdown forever.
func WaitForWorkers(ctx context.Context, wg *sync.WaitGroup) error {
	if wg == nil {
		return nil
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		wg.Wait()
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
