package collab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStampsCausalBase(t *testing.T) {
	l := newOperationLog()
	l.observe(7)

	op := l.record(Operation{ID: "op-1", Type: OpMove}, time.Now())

	assert.Equal(t, uint64(7), op.Version)
	require.Contains(t, l.pending, "op-1")
	assert.Equal(t, uint64(7), l.pending["op-1"].Operation.Version)
}

func TestServerVersionIsMonotonic(t *testing.T) {
	l := newOperationLog()
	for _, v := range []uint64{3, 1, 5, 5, 2} {
		l.observe(v)
	}
	assert.Equal(t, uint64(5), l.serverVersion)

	l.acknowledge("missing", 4)
	assert.Equal(t, uint64(5), l.serverVersion)

	l.acknowledge("missing", 9)
	assert.Equal(t, uint64(9), l.serverVersion)
}

func TestAcknowledgeRemovesPending(t *testing.T) {
	l := newOperationLog()
	l.record(Operation{ID: "op-1"}, time.Now())
	l.record(Operation{ID: "op-2"}, time.Now())

	assert.True(t, l.acknowledge("op-1", 1))
	assert.False(t, l.acknowledge("op-1", 2))
	assert.Equal(t, 1, l.pendingCount())
	assert.Equal(t, uint64(2), l.serverVersion)
}

func TestResetClearsEverything(t *testing.T) {
	l := newOperationLog()
	l.observe(10)
	l.record(Operation{ID: "op-1"}, time.Now())

	l.reset()

	assert.Equal(t, 0, l.pendingCount())
	assert.Equal(t, uint64(0), l.serverVersion)
}
