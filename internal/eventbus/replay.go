package eventbus

import "sync"

// defaultReplay lists topics that retain history for late subscribers.
// Anomaly and audit consumers attach after plugins are already running;
// the ring lets them see the recent violation history without persistence.
var defaultReplay = map[Topic]int{
	TopicAnomalyDetected: 50,
	TopicAuditSecurity:   50,
}

// replayRing is a fixed-capacity ring of the most recent envelopes on a topic.
type replayRing struct {
	mu    sync.Mutex
	buf   []Envelope
	head  int // index of oldest item
	count int
	cap   int
}

func newReplayRing(capacity int) *replayRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &replayRing{
		buf: make([]Envelope, capacity),
		cap: capacity,
	}
}

// append stores env, overwriting the oldest entry when full.
func (r *replayRing) append(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < r.cap {
		r.buf[(r.head+r.count)%r.cap] = env
		r.count++
		return
	}
	r.buf[r.head] = env
	r.head = (r.head + 1) % r.cap
}

// snapshot returns the retained envelopes, oldest first.
func (r *replayRing) snapshot() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Envelope, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%r.cap])
	}
	return out
}
