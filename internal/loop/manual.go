package loop

import (
	"container/heap"
	"sync"
	"time"
)

// Manual is a deterministic Scheduler driven by Advance. Callbacks run on the
// goroutine calling Advance or RunPending, ordered by due time and then by
// scheduling order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers timerHeap
}

// NewManual creates a manual scheduler whose clock starts at start
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

type manualTimer struct {
	m     *Manual
	when  time.Time
	seq   uint64
	fn    func()
	index int // position in the heap, -1 once fired or stopped
}

// Stop removes the timer if it has not fired yet
func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if t.index < 0 {
		return false
	}
	heap.Remove(&t.m.timers, t.index)
	return true
}

// Now returns the simulated time
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules fn at Now()+d
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTimer{m: m, when: m.now.Add(d), seq: m.seq, fn: fn}
	heap.Push(&m.timers, t)
	return t
}

// Post schedules fn at the current time
func (m *Manual) Post(fn func()) bool {
	m.AfterFunc(0, fn)
	return true
}

// Defer schedules fn at the current time, behind callbacks already due
func (m *Manual) Defer(fn func()) {
	m.AfterFunc(0, fn)
}

// Advance moves the clock forward by d, running every callback that becomes
// due, including ones scheduled by callbacks within the interval.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if len(m.timers) == 0 || m.timers[0].when.After(target) {
			m.now = target
			m.mu.Unlock()
			return
		}
		t := heap.Pop(&m.timers).(*manualTimer)
		if t.when.After(m.now) {
			m.now = t.when
		}
		m.mu.Unlock()

		t.fn()
	}
}

// RunPending runs everything due at the current time
func (m *Manual) RunPending() {
	m.Advance(0)
}

// Len returns the number of scheduled callbacks
func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// timerHeap implements heap.Interface ordered by (when, seq)
type timerHeap []*manualTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].when.Equal(h[j].when) {
		return h[i].when.Before(h[j].when)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*manualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
