package eventbus

import (
	"context"
	"sync"
)

// overflowBuffer is a fixed-size ring of envelopes sitting behind a critical
// subscriber's channel. Bursts of audit or eviction traffic land here
// instead of being dropped.
type overflowBuffer struct {
	mu    sync.Mutex
	ring  []Envelope
	head  int // oldest buffered envelope
	count int
	size  int
	wake  chan struct{} // signalled on push so the drain loop runs
	done  chan struct{} // closed when the drain loop exits
}

func newOverflowBuffer(maxSize int) *overflowBuffer {
	if maxSize <= 0 {
		maxSize = defaultMaxOverflow
	}
	return &overflowBuffer{
		ring: make([]Envelope, maxSize),
		size: maxSize,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// push appends an envelope. Returns false when the ring is full; the caller
// decides what dropping means for its delivery policy.
func (o *overflowBuffer) push(env Envelope) bool {
	o.mu.Lock()
	if o.count >= o.size {
		o.mu.Unlock()
		return false
	}
	o.ring[(o.head+o.count)%o.size] = env
	o.count++
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// pop removes the oldest envelope. Returns false when empty.
func (o *overflowBuffer) pop() (Envelope, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.count == 0 {
		return Envelope{}, false
	}
	env := o.ring[o.head]
	o.ring[o.head] = Envelope{} // release the payload
	o.head = (o.head + 1) % o.size
	o.count--
	return env, true
}

func (o *overflowBuffer) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// drainLoop feeds buffered envelopes into ch until ctx is cancelled,
// sleeping on the wake channel between sweeps.
func (o *overflowBuffer) drainLoop(ctx context.Context, ch chan<- Envelope) {
	defer close(o.done)
	for {
		for {
			env, ok := o.pop()
			if !ok {
				break
			}
			select {
			case ch <- env:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		}
	}
}
