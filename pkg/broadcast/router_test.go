package broadcast

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// chanSender records delivered events on a channel.
type chanSender struct {
	ch chan []byte
}

func newChanSender(n int) *chanSender {
	return &chanSender{ch: make(chan []byte, n)}
}

func (s *chanSender) SendEvent(data []byte) error {
	s.ch <- data
	return nil
}

// blockedSender never completes a delivery until released.
type blockedSender struct {
	release chan struct{}
}

func (s *blockedSender) SendEvent(data []byte) error {
	<-s.release
	return nil
}

func collect(t *testing.T, s *chanSender, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		select {
		case data := <-s.ch:
			out = append(out, string(data))
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", i, n)
		}
	}
	return out
}

func TestPublishPreservesPerDocumentOrder(t *testing.T) {
	r := NewRouter(128, nil, nil)
	sender := newChanSender(128)
	if err := r.Subscribe("doc", "s1", sender); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for i := 0; i < 50; i++ {
		r.Publish("doc", []byte(fmt.Sprintf("ev-%d", i)))
	}

	got := collect(t, sender, 50)
	for i, ev := range got {
		if want := fmt.Sprintf("ev-%d", i); ev != want {
			t.Fatalf("event[%d] = %q, want %q", i, ev, want)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPeers(t *testing.T) {
	var mu sync.Mutex
	var overflowed []string
	onOverflow := func(docID, sessionID string) {
		mu.Lock()
		overflowed = append(overflowed, sessionID)
		mu.Unlock()
	}

	r := NewRouter(4, onOverflow, nil)
	slow := &blockedSender{release: make(chan struct{})}
	fast := newChanSender(64)

	if err := r.Subscribe("doc", "slow", slow); err != nil {
		t.Fatalf("Subscribe(slow) error = %v", err)
	}
	if err := r.Subscribe("doc", "fast", fast); err != nil {
		t.Fatalf("Subscribe(fast) error = %v", err)
	}

	// More events than the slow subscriber's queue can hold. The slow
	// session is ejected; the fast one sees everything.
	for i := 0; i < 20; i++ {
		r.Publish("doc", []byte(fmt.Sprintf("ev-%d", i)))
	}

	got := collect(t, fast, 20)
	if got[0] != "ev-0" || got[19] != "ev-19" {
		t.Errorf("fast subscriber events = %v..%v, want ev-0..ev-19", got[0], got[19])
	}

	mu.Lock()
	defer mu.Unlock()
	if len(overflowed) != 1 || overflowed[0] != "slow" {
		t.Errorf("overflowed = %v, want [slow]", overflowed)
	}
	if n := r.Subscribers("doc"); n != 1 {
		t.Errorf("Subscribers = %d, want 1 after ejection", n)
	}

	close(slow.release)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRouter(16, nil, nil)
	sender := newChanSender(16)
	if err := r.Subscribe("doc", "s1", sender); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	r.Publish("doc", []byte("before"))
	if got := collect(t, sender, 1); got[0] != "before" {
		t.Fatalf("event = %q, want before", got[0])
	}

	r.Unsubscribe("doc", "s1")
	r.Publish("doc", []byte("after"))

	select {
	case data := <-sender.ch:
		t.Errorf("received %q after unsubscribe", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeTwiceFails(t *testing.T) {
	r := NewRouter(4, nil, nil)
	if err := r.Subscribe("doc", "s1", newChanSender(4)); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := r.Subscribe("doc", "s1", newChanSender(4)); err != ErrAlreadySubscribed {
		t.Errorf("second Subscribe() = %v, want ErrAlreadySubscribed", err)
	}

	// Resubscribing after unsubscribe is fine (forced resync path).
	r.Unsubscribe("doc", "s1")
	if err := r.Subscribe("doc", "s1", newChanSender(4)); err != nil {
		t.Errorf("resubscribe after unsubscribe error = %v", err)
	}
}

func TestCrossDocumentIsolation(t *testing.T) {
	r := NewRouter(16, nil, nil)
	a := newChanSender(16)
	b := newChanSender(16)
	if err := r.Subscribe("doc-a", "s1", a); err != nil {
		t.Fatal(err)
	}
	if err := r.Subscribe("doc-b", "s2", b); err != nil {
		t.Fatal(err)
	}

	r.Publish("doc-a", []byte("for-a"))

	if got := collect(t, a, 1); got[0] != "for-a" {
		t.Errorf("doc-a event = %q", got[0])
	}
	select {
	case data := <-b.ch:
		t.Errorf("doc-b subscriber received %q", data)
	case <-time.After(50 * time.Millisecond):
	}
}
