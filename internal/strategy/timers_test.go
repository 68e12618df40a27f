package strategy

import (
	"sync"
	"testing"
	"time"
)

func newWheel(t *testing.T, poolSize int) *TimerWheel {
	t.Helper()
	w, err := NewTimerWheel(poolSize, testLogger())
	if err != nil {
		t.Fatalf("NewTimerWheel: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestWheelScheduleFires(t *testing.T) {
	t.Parallel()

	w := newWheel(t, 2)
	fired := make(chan struct{})
	id := w.Schedule(10*time.Millisecond, func() { close(fired) })
	if id == 0 {
		t.Fatal("Schedule returned 0 on a running wheel")
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not fire")
	}
	if w.Pending() != 0 {
		t.Errorf("pending = %d after fire, want 0", w.Pending())
	}
}

func TestWheelCancelPreventsFire(t *testing.T) {
	t.Parallel()

	w := newWheel(t, 2)
	fired := make(chan struct{})
	id := w.Schedule(50*time.Millisecond, func() { close(fired) })

	if !w.Cancel(id) {
		t.Fatal("Cancel returned false for a pending entry")
	}
	if w.Cancel(id) {
		t.Error("second Cancel returned true, want false")
	}

	select {
	case <-fired:
		t.Fatal("cancelled callback fired")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWheelEarlierDeadlineFiresFirst(t *testing.T) {
	t.Parallel()

	// Pool of one serialises callbacks so order is observable.
	w := newWheel(t, 1)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	w.Schedule(60*time.Millisecond, func() {
		mu.Lock()
		order = append(order, "late")
		mu.Unlock()
		close(done)
	})
	w.Schedule(10*time.Millisecond, func() {
		mu.Lock()
		order = append(order, "early")
		mu.Unlock()
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callbacks did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "early" || order[1] != "late" {
		t.Errorf("fire order = %v, want [early late]", order)
	}
}

func TestWheelStopDropsPendingAndRejectsNew(t *testing.T) {
	t.Parallel()

	w := newWheel(t, 2)
	fired := make(chan struct{}, 1)
	w.Schedule(50*time.Millisecond, func() { fired <- struct{}{} })

	w.Stop()
	if w.Pending() != 0 {
		t.Errorf("pending = %d after stop, want 0", w.Pending())
	}
	if id := w.Schedule(time.Millisecond, func() {}); id != 0 {
		t.Errorf("Schedule after Stop returned %d, want 0", id)
	}

	select {
	case <-fired:
		t.Fatal("dropped entry fired after Stop")
	case <-time.After(200 * time.Millisecond):
	}

	w.Stop() // second stop is a no-op
}
