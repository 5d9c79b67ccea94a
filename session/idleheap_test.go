package session

import (
	"sync"
	"testing"
	"time"
)

func TestIdleHeapFiresInOrder(t *testing.T) {
	var mu sync.Mutex
	var fired []string
	done := make(chan struct{}, 3)

	h := newIdleHeap(func(id string) {
		mu.Lock()
		fired = append(fired, id)
		mu.Unlock()
		done <- struct{}{}
	})
	defer h.stop()

	now := time.Now()
	h.arm("c", now, 30*time.Millisecond)
	h.arm("a", now, 10*time.Millisecond)
	h.arm("b", now, 20*time.Millisecond)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for idle firings")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if fired[i] != id {
			t.Fatalf("fired[%d] = %s, want %s (fired=%v)", i, fired[i], id, fired)
		}
	}
}

func TestIdleHeapRearmReplacesPriorEntry(t *testing.T) {
	fireCount := make(chan string, 5)
	h := newIdleHeap(func(id string) { fireCount <- id })
	defer h.stop()

	now := time.Now()
	h.arm("x", now, 15*time.Millisecond)
	// Rearm to a longer delay before the first entry would have fired.
	h.arm("x", now, 100*time.Millisecond)

	select {
	case id := <-fireCount:
		t.Fatalf("idle entry fired early after rearm: %s", id)
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case id := <-fireCount:
		if id != "x" {
			t.Fatalf("fired id = %s, want x", id)
		}
	case <-time.After(time.Second):
		t.Fatal("rearmed entry never fired")
	}
}

func TestIdleHeapCancel(t *testing.T) {
	fired := make(chan string, 1)
	h := newIdleHeap(func(id string) { fired <- id })
	defer h.stop()

	h.arm("y", time.Now(), 10*time.Millisecond)
	h.cancel("y")

	select {
	case id := <-fired:
		t.Fatalf("canceled entry fired: %s", id)
	case <-time.After(60 * time.Millisecond):
	}
}
