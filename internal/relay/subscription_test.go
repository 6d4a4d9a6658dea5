package relay

import (
	"bytes"
	"testing"
	"time"
)

func TestSubscriptionOfferAndPull(t *testing.T) {
	sub := newSubscription("s1", 2)
	if !sub.offer([]byte("one")) {
		t.Fatal("expected offer to succeed")
	}
	chunk, ok := sub.Pull(time.Second)
	if !ok || !bytes.Equal(chunk, []byte("one")) {
		t.Fatalf("unexpected pull result %q ok=%v", chunk, ok)
	}
}

func TestSubscriptionDropsWhenFull(t *testing.T) {
	sub := newSubscription("s1", 2)
	if !sub.offer([]byte("a")) || !sub.offer([]byte("b")) {
		t.Fatal("expected queue to accept up to capacity")
	}
	if sub.offer([]byte("c")) {
		t.Fatal("expected full queue to drop")
	}
	if sub.Dropped() != 1 {
		t.Fatalf("expected 1 drop, got %d", sub.Dropped())
	}
	// The queued chunks are untouched by the drop.
	chunk, _ := sub.Pull(time.Second)
	if !bytes.Equal(chunk, []byte("a")) {
		t.Fatalf("expected oldest chunk first, got %q", chunk)
	}
}

func TestSubscriptionPullTimeout(t *testing.T) {
	sub := newSubscription("s1", 1)
	start := time.Now()
	chunk, ok := sub.Pull(20 * time.Millisecond)
	if chunk != nil || !ok {
		t.Fatalf("expected timeout signal, got chunk=%v ok=%v", chunk, ok)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("pull returned before the timeout elapsed")
	}
}

func TestSubscriptionCloseWakesPull(t *testing.T) {
	sub := newSubscription("s1", 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if chunk, ok := sub.Pull(5 * time.Second); ok || chunk != nil {
			t.Errorf("expected closed signal, got chunk=%v ok=%v", chunk, ok)
		}
	}()
	time.Sleep(10 * time.Millisecond)
	sub.close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pull did not observe close")
	}
}

func TestSubscriptionDrainsTailAfterClose(t *testing.T) {
	sub := newSubscription("s1", 4)
	sub.offer([]byte("tail"))
	sub.close()
	if sub.offer([]byte("late")) {
		t.Fatal("expected offer after close to fail")
	}
	chunk, ok := sub.Pull(time.Second)
	if !ok || !bytes.Equal(chunk, []byte("tail")) {
		t.Fatalf("expected queued tail delivered, got %q ok=%v", chunk, ok)
	}
	if chunk, ok := sub.Pull(time.Second); ok || chunk != nil {
		t.Fatalf("expected closed after tail, got %q ok=%v", chunk, ok)
	}
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	sub := newSubscription("s1", 1)
	sub.close()
	sub.close()
	if !sub.Closed() {
		t.Fatal("expected closed state")
	}
}
