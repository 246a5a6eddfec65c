package loop

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoopRunsPostedTasksInOrder(t *testing.T) {
	l := New(testLogger(), 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	var got []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not run")
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("tasks ran out of order: %v", got)
		}
	}

	cancel()
	<-l.Done()
	if err := <-errCh; err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if l.Post(func() {}) {
		t.Error("Post succeeded on a stopped loop")
	}
}

func TestLoopSurvivesPanic(t *testing.T) {
	l := New(testLogger(), 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	done := make(chan struct{})
	l.Post(func() { panic("boom") })
	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop stopped after a panicking task")
	}
}

func TestLoopAfterFuncRunsOnLoop(t *testing.T) {
	l := New(testLogger(), 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	fired := make(chan struct{})
	l.AfterFunc(10*time.Millisecond, func() { close(fired) })

	stopped := l.AfterFunc(time.Hour, func() { t.Error("stopped timer fired") })
	if !stopped.Stop() {
		t.Error("Expected Stop to report a pending timer")
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestManualAdvanceOrdering(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewManual(start)

	var order []string
	m.AfterFunc(30*time.Millisecond, func() { order = append(order, "c") })
	m.AfterFunc(10*time.Millisecond, func() {
		order = append(order, "a")
		// scheduled from inside a callback, still within the interval
		m.AfterFunc(5*time.Millisecond, func() { order = append(order, "b") })
	})
	m.AfterFunc(10*time.Millisecond, func() { order = append(order, "a2") })
	late := m.AfterFunc(100*time.Millisecond, func() { order = append(order, "late") })

	m.Advance(50 * time.Millisecond)

	want := []string{"a", "a2", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, order)
		}
	}

	if got := m.Now().Sub(start); got != 50*time.Millisecond {
		t.Errorf("Expected clock at +50ms, got +%v", got)
	}
	if m.Len() != 1 {
		t.Errorf("Expected 1 pending timer, got %d", m.Len())
	}
	if !late.Stop() {
		t.Error("Expected Stop to remove the pending timer")
	}
	if late.Stop() {
		t.Error("Second Stop should report false")
	}
}

func TestManualCallbackSeesDueTime(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewManual(start)

	var at time.Duration
	m.AfterFunc(1200*time.Millisecond, func() { at = m.Now().Sub(start) })
	m.Advance(2 * time.Second)

	if at != 1200*time.Millisecond {
		t.Errorf("Expected callback at 1.2s, got %v", at)
	}
}

func TestManualPostAndRunPending(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	var n atomic.Int32
	m.Post(func() { n.Add(1) })
	m.Post(func() {
		n.Add(1)
		m.Post(func() { n.Add(1) })
	})

	m.RunPending()
	if n.Load() != 3 {
		t.Errorf("Expected 3 callbacks, got %d", n.Load())
	}
	if m.Len() != 0 {
		t.Errorf("Expected empty scheduler, got %d", m.Len())
	}
}

func TestLoopDeferDoesNotBlockOnFullQueue(t *testing.T) {
	l := New(testLogger(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var order []string
	done := make(chan struct{})
	l.Post(func() {
		// fills the single slot while this task runs
		l.Post(func() {
			order = append(order, "posted")
			close(done)
		})
		l.Defer(func() { order = append(order, "deferred") })
		l.Defer(func() {
			l.Defer(func() { order = append(order, "nested") })
		})
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop blocked on its own full queue")
	}

	want := []string{"deferred", "nested", "posted"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, order)
		}
	}
}

func TestManualDefer(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	var got []int
	m.Post(func() {
		m.Defer(func() { got = append(got, 2) })
		got = append(got, 1)
	})
	m.RunPending()

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("Expected [1 2], got %v", got)
	}
}
