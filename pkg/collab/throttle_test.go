package collab

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitRecorder struct {
	mu    sync.Mutex
	calls []Position
}

func (r *emitRecorder) emit(x, y float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Position{X: x, Y: y})
}

func (r *emitRecorder) snapshot() []Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Position, len(r.calls))
	copy(out, r.calls)
	return out
}

func TestThrottleLeadingEmission(t *testing.T) {
	rec := &emitRecorder{}
	th := newThrottledEmitter(33*time.Millisecond, rec.emit)

	th.Call(1, 1)

	calls := rec.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, Position{X: 1, Y: 1}, calls[0])
}

func TestThrottleTrailingEmissionCarriesLatestValue(t *testing.T) {
	rec := &emitRecorder{}
	th := newThrottledEmitter(33*time.Millisecond, rec.emit)

	th.Call(0, 0) // immediate
	time.Sleep(10 * time.Millisecond)
	th.Call(10, 10) // schedules trailing timer
	time.Sleep(10 * time.Millisecond)
	th.Call(20, 20) // refreshes latest value, no extra timer

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	calls := rec.snapshot()
	assert.Equal(t, Position{X: 0, Y: 0}, calls[0])
	assert.Equal(t, Position{X: 20, Y: 20}, calls[1])

	// The trailing timer fired once; nothing else is pending.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 2)
}

func TestThrottleQuietPeriodEmitsImmediately(t *testing.T) {
	rec := &emitRecorder{}
	th := newThrottledEmitter(20*time.Millisecond, rec.emit)

	th.Call(1, 1)
	time.Sleep(30 * time.Millisecond)
	th.Call(2, 2)

	calls := rec.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, Position{X: 2, Y: 2}, calls[1])
}

func TestThrottleStopCancelsPendingEmission(t *testing.T) {
	rec := &emitRecorder{}
	th := newThrottledEmitter(33*time.Millisecond, rec.emit)

	th.Call(1, 1)
	th.Call(2, 2) // pending trailing emission
	th.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)

	// Stop is idempotent.
	th.Stop()
}
