package traffic

import (
	"sync"

	"go.uber.org/atomic"
)

// DefaultQueueSize bounds each subscriber's pending queue.
const DefaultQueueSize = 256

// SubscriberFunc receives completed entries. Calls for one subscriber are
// serialized; the callback must not assume anything else about its goroutine.
type SubscriberFunc func(*Entry)

type subscriber struct {
	fn    SubscriberFunc
	limit int

	mu      sync.Mutex
	queue   []*Entry
	dropped uint64
	wake    chan struct{}
	done    chan struct{}
}

func (s *subscriber) push(e *Entry) {
	s.mu.Lock()
	if len(s.queue) >= s.limit {
		// The proxy already served the real response; the capture is not the
		// source of truth, so a slow observer loses the oldest entries.
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.fn(e)
		}
	}
}

// Bus fans out published entries to its subscribers. Publication never
// blocks; delivery is per-subscriber FIFO with drop-oldest overflow.
type Bus struct {
	subs   []*subscriber
	closed atomic.Bool
}

// NewBus builds a bus delivering to the given subscribers.
func NewBus(subs ...SubscriberFunc) *Bus {
	b := &Bus{}
	for _, fn := range subs {
		s := &subscriber{
			fn:    fn,
			limit: DefaultQueueSize,
			wake:  make(chan struct{}, 1),
			done:  make(chan struct{}),
		}
		b.subs = append(b.subs, s)
		go s.run()
	}
	return b
}

// Publish hands a completed entry to every subscriber.
func (b *Bus) Publish(e *Entry) {
	if b == nil || b.closed.Load() {
		return
	}
	for _, s := range b.subs {
		s.push(e)
	}
}

// Close stops delivery. Queued entries that were not yet delivered are
// discarded.
func (b *Bus) Close() {
	if b == nil || !b.closed.CompareAndSwap(false, true) {
		return
	}
	for _, s := range b.subs {
		close(s.done)
	}
}

// Ring keeps the most recent entries, newest first.
type Ring struct {
	mu      sync.Mutex
	entries []*Entry
	limit   int
}

// NewRing builds a ring holding at most limit entries (1000 if limit <= 0).
func NewRing(limit int) *Ring {
	if limit <= 0 {
		limit = 1000
	}
	return &Ring{limit: limit}
}

// Subscriber returns the bus callback feeding the ring.
func (r *Ring) Subscriber() SubscriberFunc {
	return func(e *Entry) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.entries = append([]*Entry{e}, r.entries...)
		if len(r.entries) > r.limit {
			r.entries = r.entries[:r.limit]
		}
	}
}

// Snapshot copies the current contents, newest first.
func (r *Ring) Snapshot() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Recorder appends entries while recording is on.
type Recorder struct {
	mu        sync.Mutex
	entries   []*Entry
	recording atomic.Bool
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// SetRecording toggles capture. Entries published while off are ignored.
func (r *Recorder) SetRecording(on bool) {
	r.recording.Store(on)
}

func (r *Recorder) Recording() bool {
	return r.recording.Load()
}

// Subscriber returns the bus callback feeding the recorder.
func (r *Recorder) Subscriber() SubscriberFunc {
	return func(e *Entry) {
		if !r.recording.Load() {
			return
		}
		r.mu.Lock()
		r.entries = append(r.entries, e)
		r.mu.Unlock()
	}
}

// Entries copies the recorded list in publish order.
func (r *Recorder) Entries() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}
