package collab

import (
	"sync"
	"time"
)

// throttledEmitter bounds a high-frequency two-float signal (pointer
// movement) to one emission per interval. It is a trailing-edge throttle,
// not a debounce: the first call in a quiet period emits immediately, and
// the last value of a burst is always emitted when the trailing timer fires.
//
// The timer callback runs on its own goroutine, so the three-field state
// machine (lastEmit, timer, latest value) is guarded by a mutex.
type throttledEmitter struct {
	interval time.Duration
	emit     func(x, y float64)

	mu       sync.Mutex
	lastEmit time.Time
	timer    *time.Timer
	latestX  float64
	latestY  float64
}

func newThrottledEmitter(interval time.Duration, emit func(x, y float64)) *throttledEmitter {
	return &throttledEmitter{
		interval: interval,
		emit:     emit,
	}
}

// Call offers a new value. It either emits immediately, schedules a trailing
// emission for the remainder of the interval, or just refreshes the value a
// pending trailing timer will pick up.
func (t *throttledEmitter) Call(x, y float64) {
	t.mu.Lock()
	t.latestX, t.latestY = x, y
	now := time.Now()
	elapsed := now.Sub(t.lastEmit)
	if elapsed >= t.interval {
		t.lastEmit = now
		t.mu.Unlock()
		t.emit(x, y)
		return
	}
	if t.timer == nil {
		// Delay is re-derived from lastEmit rather than chained off the
		// previous timer, so drift cannot accumulate.
		t.timer = time.AfterFunc(t.interval-elapsed, t.fire)
	}
	t.mu.Unlock()
}

func (t *throttledEmitter) fire() {
	t.mu.Lock()
	if t.timer == nil {
		// Stopped while the callback was queued.
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.lastEmit = time.Now()
	x, y := t.latestX, t.latestY
	t.mu.Unlock()
	t.emit(x, y)
}

// Stop cancels any pending trailing emission. Required on leave so the timer
// cannot emit onto a dead transport.
func (t *throttledEmitter) Stop() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
}
