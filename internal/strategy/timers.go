package strategy

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// TimerWheel schedules cancel deadlines for every tenant on a single
// goroutine and fires callbacks on a bounded worker pool, so N tenants with
// M resting quotes cost one sleeping timer plus at most poolSize concurrent
// callbacks instead of N·M goroutines.
type TimerWheel struct {
	logger *slog.Logger
	pool   *ants.Pool

	mu      sync.Mutex
	entries timerHeap
	byID    map[uint64]*timerEntry
	nextID  uint64
	stopped bool

	wake chan struct{}
	done chan struct{}
}

type timerEntry struct {
	id       uint64
	deadline time.Time
	fn       func()
	index    int
}

// NewTimerWheel starts the scheduler goroutine. poolSize bounds how many
// callbacks run at once.
func NewTimerWheel(poolSize int, logger *slog.Logger) (*TimerWheel, error) {
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("timer wheel pool: %w", err)
	}
	w := &TimerWheel{
		logger: logger.With("component", "timerwheel"),
		pool:   pool,
		byID:   make(map[uint64]*timerEntry),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Schedule fires fn once after d. The returned handle cancels it; handle 0
// means the wheel is stopped and nothing was scheduled.
func (w *TimerWheel) Schedule(d time.Duration, fn func()) uint64 {
	return w.ScheduleAt(time.Now().Add(d), fn)
}

// ScheduleAt fires fn once at the given instant.
func (w *TimerWheel) ScheduleAt(at time.Time, fn func()) uint64 {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return 0
	}
	w.nextID++
	id := w.nextID
	e := &timerEntry{id: id, deadline: at, fn: fn}
	heap.Push(&w.entries, e)
	w.byID[id] = e
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return id
}

// Cancel removes a scheduled entry. Returns false when the entry already
// fired, was cancelled before, or never existed.
func (w *TimerWheel) Cancel(id uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.byID[id]
	if !ok {
		return false
	}
	delete(w.byID, id)
	heap.Remove(&w.entries, e.index)
	return true
}

// Pending reports how many entries are waiting to fire.
func (w *TimerWheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byID)
}

// Stop drops all pending entries and releases the worker pool. Idempotent.
// Entries already handed to the pool may still complete.
func (w *TimerWheel) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.entries = nil
	w.byID = make(map[uint64]*timerEntry)
	w.mu.Unlock()

	close(w.done)
	w.pool.Release()
}

// run pops due entries and sleeps until the next deadline. A wake signal
// from ScheduleAt interrupts the sleep when a nearer deadline arrives.
func (w *TimerWheel) run() {
	const idleWait = time.Hour
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		w.mu.Lock()
		wait := idleWait
		now := time.Now()
		var due []func()
		for len(w.entries) > 0 {
			next := w.entries[0]
			if next.deadline.After(now) {
				wait = next.deadline.Sub(now)
				break
			}
			heap.Pop(&w.entries)
			delete(w.byID, next.id)
			due = append(due, next.fn)
		}
		stopped := w.stopped
		w.mu.Unlock()

		// Submit without the lock held: a full pool blocks Submit, and a
		// running callback may call Cancel, which needs the lock.
		for _, fn := range due {
			if err := w.pool.Submit(fn); err != nil {
				w.logger.Warn("timer callback dropped", "error", err)
			}
		}
		if stopped {
			return
		}

		timer.Reset(wait)
		select {
		case <-w.done:
			return
		case <-w.wake:
		case <-timer.C:
		}
	}
}

// timerHeap is a min-heap ordered by deadline.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)         { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
