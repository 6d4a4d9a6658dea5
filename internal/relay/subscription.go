package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

// Subscription is one viewer's bounded queue of stream chunks. The fan-out
// loop offers chunks without blocking, and the HTTP boundary pulls them at the
// viewer's own pace.
type Subscription struct {
	id      string
	queue   chan []byte
	done    chan struct{}
	closer  sync.Once
	dropped atomic.Uint64
}

func newSubscription(id string, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = 1
	}
	return &Subscription{
		id:    id,
		queue: make(chan []byte, capacity),
		done:  make(chan struct{}),
	}
}

// ID identifies the subscription within its session.
func (s *Subscription) ID() string { return s.id }

// offer enqueues a chunk without blocking. A full queue drops the chunk and
// the viewer falls behind the live edge; the session keeps going.
func (s *Subscription) offer(chunk []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- chunk:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Pull returns the next chunk, waiting up to timeout when the queue is empty.
// A nil chunk with ok=false means the subscription was closed; a nil chunk
// with ok=true means the wait timed out and the caller should pull again.
func (s *Subscription) Pull(timeout time.Duration) ([]byte, bool) {
	select {
	case chunk := <-s.queue:
		return chunk, true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case chunk := <-s.queue:
		return chunk, true
	case <-s.done:
		// Drain anything queued before the close so short sessions do not
		// truncate their tail.
		select {
		case chunk := <-s.queue:
			return chunk, true
		default:
			return nil, false
		}
	case <-timer.C:
		return nil, true
	}
}

// close marks the subscription finished. Safe to call more than once, and
// safe to race with offer because the queue channel itself is never closed.
func (s *Subscription) close() {
	s.closer.Do(func() { close(s.done) })
}

// Closed reports whether the subscription has been shut down.
func (s *Subscription) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Dropped counts chunks discarded because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }
