package collab

import "time"

// PendingOperation is a locally-originated operation that has been sent but
// not yet acknowledged by the authority.
type PendingOperation struct {
	Operation Operation
	SentAt    time.Time
}

// operationLog tracks optimistic local operations and owns the client's view
// of the authority's version counter. Not safe for concurrent use; the
// session loop is its only caller.
//
// There is deliberately no retry of unacknowledged entries: the authority is
// the durable source of truth, and a reconnecting client re-joins and gets a
// fresh document rather than replaying its pending map.
type operationLog struct {
	pending       map[string]PendingOperation
	serverVersion uint64
}

func newOperationLog() *operationLog {
	l := &operationLog{}
	l.reset()
	return l
}

func (l *operationLog) reset() {
	l.pending = make(map[string]PendingOperation)
	l.serverVersion = 0
}

// record stamps the operation with its causal base (the last version this
// client has observed) and inserts it into the pending map.
func (l *operationLog) record(op Operation, now time.Time) Operation {
	op.Version = l.serverVersion
	l.pending[op.ID] = PendingOperation{Operation: op, SentAt: now}
	return op
}

// observe folds a version number seen in any inbound message into the
// monotonic counter. The counter tracks operations observed, never applied,
// so it advances even for operations that end up as no-ops.
func (l *operationLog) observe(version uint64) {
	if version > l.serverVersion {
		l.serverVersion = version
	}
}

// acknowledge removes the pending entry and merges the authority-assigned
// version. Unknown ids are ignored; an ack can race a leave/rejoin cycle.
func (l *operationLog) acknowledge(operationID string, assignedVersion uint64) bool {
	l.observe(assignedVersion)
	if _, ok := l.pending[operationID]; !ok {
		return false
	}
	delete(l.pending, operationID)
	return true
}

func (l *operationLog) pendingCount() int {
	return len(l.pending)
}
