package session

import (
	"container/heap"
	"sync"
	"time"
)

// idleEntry is one scheduled idle-timeout firing. version ties the entry to
// the generation of setupIdleTimeout calls for its session: an entry whose
// version no longer matches the session's current generation is stale and
// is skipped when popped, rather than searched for and removed eagerly.
type idleEntry struct {
	sessionID string
	expiry    time.Time
	version   uint64
	index     int // heap.Interface bookkeeping
}

type idlePQ []*idleEntry

func (pq idlePQ) Len() int            { return len(pq) }
func (pq idlePQ) Less(i, j int) bool  { return pq[i].expiry.Before(pq[j].expiry) }
func (pq idlePQ) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i]; pq[i].index = i; pq[j].index = j }
func (pq *idlePQ) Push(x any)         { e := x.(*idleEntry); e.index = len(*pq); *pq = append(*pq, e) }
func (pq *idlePQ) Pop() any {
	old := *pq
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return e
}

// idleHeap is a single time-ordered structure tracking every session's next
// scheduled idle-timeout firing, replacing one time.AfterFunc per session.
// One dispatcher goroutine sleeps until the next-soonest entry.
type idleHeap struct {
	mu         sync.Mutex
	pq         idlePQ
	generation map[string]uint64 // sessionId -> current generation; absent = no timer armed
	wake       chan struct{}
	fire       func(sessionID string)
	stopped    bool
}

func newIdleHeap(fire func(sessionID string)) *idleHeap {
	h := &idleHeap{
		generation: make(map[string]uint64),
		wake:       make(chan struct{}, 1),
		fire:       fire,
	}
	heap.Init(&h.pq)
	go h.run()
	return h
}

// arm schedules (or reschedules, replacing any prior entry for id) a firing
// at now+after.
func (h *idleHeap) arm(sessionID string, now time.Time, after time.Duration) {
	h.mu.Lock()
	h.generation[sessionID]++
	gen := h.generation[sessionID]
	heap.Push(&h.pq, &idleEntry{sessionID: sessionID, expiry: now.Add(after), version: gen})
	h.mu.Unlock()
	h.nudge()
}

// cancel invalidates any outstanding entry for id without searching the
// heap; the entry is skipped lazily when it would otherwise fire.
func (h *idleHeap) cancel(sessionID string) {
	h.mu.Lock()
	delete(h.generation, sessionID)
	h.mu.Unlock()
	h.nudge()
}

// stop halts the dispatcher goroutine.
func (h *idleHeap) stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.nudge()
}

func (h *idleHeap) nudge() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *idleHeap) run() {
	for {
		h.mu.Lock()
		if h.stopped {
			h.mu.Unlock()
			return
		}
		// Drop stale entries from the top so Peek reflects a live one.
		for h.pq.Len() > 0 {
			top := h.pq[0]
			if h.generation[top.sessionID] != top.version {
				heap.Pop(&h.pq)
				continue
			}
			break
		}

		var timer *time.Timer
		if h.pq.Len() > 0 {
			timer = time.NewTimer(time.Until(h.pq[0].expiry))
		}
		h.mu.Unlock()

		if timer == nil {
			<-h.wake
			continue
		}

		select {
		case <-timer.C:
			h.mu.Lock()
			if h.pq.Len() == 0 {
				h.mu.Unlock()
				continue
			}
			top := h.pq[0]
			if h.generation[top.sessionID] != top.version {
				// Rearmed or canceled between peek and fire; drop it.
				heap.Pop(&h.pq)
				h.mu.Unlock()
				continue
			}
			heap.Pop(&h.pq)
			delete(h.generation, top.sessionID)
			h.mu.Unlock()
			h.fire(top.sessionID)
		case <-h.wake:
			timer.Stop()
		}
	}
}
