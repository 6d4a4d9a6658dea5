package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"relaytv/internal/ingest"
	"relaytv/internal/upstream"
)

// session relays one channel's upstream stream to its current viewers. It is
// created by the registry and torn down when the last viewer leaves or the
// upstream ends.
type session struct {
	channelID string
	account   upstream.Account
	handle    ingest.Handle
	startedAt time.Time

	lastData atomic.Int64
	bytes    atomic.Uint64

	mu       sync.Mutex
	draining bool
	subs     map[string]*Subscription
	nextSub  uint64
	peak     int
}

func newSession(channelID string, account upstream.Account, handle ingest.Handle, now time.Time) *session {
	s := &session{
		channelID: channelID,
		account:   account,
		handle:    handle,
		startedAt: now,
		subs:      make(map[string]*Subscription),
	}
	s.lastData.Store(now.UnixNano())
	return s
}

// addSubscriber registers a new viewer queue. It fails once the session has
// begun draining so a late viewer re-attaches to a fresh session instead.
func (s *session) addSubscriber(capacity int) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return nil, false
	}
	s.nextSub++
	sub := newSubscription(fmt.Sprintf("%s-%d", s.channelID, s.nextSub), capacity)
	s.subs[sub.id] = sub
	if len(s.subs) > s.peak {
		s.peak = len(s.subs)
	}
	return sub, true
}

// removeSubscriber closes and deregisters a viewer. It reports whether the
// subscription was present and how many viewers remain. The stored entry must
// be this exact subscription: a stale detach left over from a predecessor
// session whose ID collides with a current viewer must not evict it.
func (s *session) removeSubscriber(sub *Subscription) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.subs[sub.id]; !ok || existing != sub {
		return false, len(s.subs)
	}
	delete(s.subs, sub.id)
	sub.close()
	return true, len(s.subs)
}

// subscribers snapshots the current viewer queues for a fan-out pass.
func (s *session) subscribers() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

// beginDrain moves the session into its terminal phase. When force is false
// the transition only happens if no viewers remain, which closes the race
// between the last detach and a concurrent attach. Returns true when this
// call won the transition.
func (s *session) beginDrain(force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	if !force && len(s.subs) > 0 {
		return false
	}
	s.draining = true
	return true
}

// closeAll closes every remaining subscription. Called after beginDrain, so
// no new subscribers can appear.
func (s *session) closeAll() {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[string]*Subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (s *session) viewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *session) peakViewers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// touch records upstream progress for staleness checks.
func (s *session) touch(now time.Time, n int) {
	s.lastData.Store(now.UnixNano())
	s.bytes.Add(uint64(n))
}

func (s *session) lastDataAt() time.Time {
	return time.Unix(0, s.lastData.Load())
}
