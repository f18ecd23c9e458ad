package authority

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kettlebird/flowboard/pkg/collab"
)

func newTestRoom(t *testing.T) (*Room, *MemStore) {
	t.Helper()
	store := NewMemStore()
	require.NoError(t, store.Save(context.Background(), "doc-1", Snapshot{
		Document: collab.Document{Nodes: []collab.Node{{ID: "n1"}}},
		Version:  3,
	}))
	room, err := NewRoom(context.Background(), "doc-1", "workflow", store, nil)
	require.NoError(t, err)
	t.Cleanup(room.Stop)
	return room, store
}

func recv(t *testing.T, events <-chan collab.Message) collab.Message {
	t.Helper()
	select {
	case msg := <-events:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return collab.Message{}
	}
}

func TestConnectDeliversRosterSync(t *testing.T) {
	room, _ := newTestRoom(t)

	_, events := room.Connect("u1", "alice")

	msg := recv(t, events)
	assert.Equal(t, collab.KindRosterSync, msg.Kind)
	assert.Equal(t, "doc-1", msg.DocumentID)
	assert.Equal(t, uint64(3), msg.Version)
	require.NotNil(t, msg.Document)
	assert.Equal(t, "n1", msg.Document.Nodes[0].ID)
	require.Len(t, msg.Users, 1)
	assert.Equal(t, "u1", msg.Users[0].UserID)
	assert.NotEmpty(t, msg.Users[0].Color)
}

func TestJoinBroadcastsToExistingMembers(t *testing.T) {
	room, _ := newTestRoom(t)
	_, a := room.Connect("u1", "alice")
	recv(t, a) // roster sync

	_, b := room.Connect("u2", "bob")
	recv(t, b)

	joined := recv(t, a)
	assert.Equal(t, collab.KindUserJoined, joined.Kind)
	assert.Equal(t, "u2", joined.UserID)
	assert.Equal(t, "bob", joined.Username)
}

func TestOperationAssignsVersionBroadcastsAndAcks(t *testing.T) {
	room, store := newTestRoom(t)
	aID, a := room.Connect("u1", "alice")
	recv(t, a)
	_, b := room.Connect("u2", "bob")
	recv(t, b)
	recv(t, a) // u2 joined

	room.Handle(aID, collab.Message{
		Kind: collab.KindOperation,
		Operation: &collab.Operation{
			ID:        "op-1",
			Type:      collab.OpMove,
			ElementID: "n1",
			Data:      map[string]interface{}{"x": 9.0, "y": 9.0},
			Version:   3, // causal base sent by the client
		},
	})

	// Origin gets the broadcast and then the ack.
	broadcastA := recv(t, a)
	require.Equal(t, collab.KindOperation, broadcastA.Kind)
	assert.Equal(t, uint64(4), broadcastA.Operation.Version)
	assert.Equal(t, "u1", broadcastA.Operation.UserID)

	ack := recv(t, a)
	assert.Equal(t, collab.KindOperationAck, ack.Kind)
	assert.Equal(t, "op-1", ack.OperationID)
	assert.Equal(t, uint64(4), ack.Version)

	// The other member gets the broadcast only.
	broadcastB := recv(t, b)
	assert.Equal(t, collab.KindOperation, broadcastB.Kind)
	select {
	case extra := <-b:
		t.Fatalf("unexpected extra message for non-origin member: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	// The authoritative document was folded and persisted.
	snap, err := store.Load(context.Background(), "doc-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(4), snap.Version)
	assert.Equal(t, collab.Position{X: 9, Y: 9}, snap.Document.Nodes[0].Position)
}

func TestPresenceIsRelayedToOthersOnly(t *testing.T) {
	room, _ := newTestRoom(t)
	aID, a := room.Connect("u1", "alice")
	recv(t, a)
	_, b := room.Connect("u2", "bob")
	recv(t, b)
	recv(t, a)

	room.Handle(aID, collab.Message{Kind: collab.KindCursorUpdate, X: 4, Y: 5})

	cursor := recv(t, b)
	assert.Equal(t, collab.KindCursorUpdate, cursor.Kind)
	assert.Equal(t, "u1", cursor.UserID)
	assert.Equal(t, "alice", cursor.Username)
	assert.NotEmpty(t, cursor.Color)
	assert.Equal(t, 4.0, cursor.X)

	select {
	case msg := <-a:
		t.Fatalf("cursor echoed back to origin: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectBroadcastsUserLeft(t *testing.T) {
	room, _ := newTestRoom(t)
	aID, a := room.Connect("u1", "alice")
	recv(t, a)
	_, b := room.Connect("u2", "bob")
	recv(t, b)
	recv(t, a)

	room.Disconnect(aID)

	left := recv(t, b)
	assert.Equal(t, collab.KindUserLeft, left.Kind)
	assert.Equal(t, "u1", left.UserID)
	assert.Equal(t, 1, room.Members())
}

func TestSecondConnectionOfSameUserDoesNotRejoinRoster(t *testing.T) {
	room, _ := newTestRoom(t)
	_, a := room.Connect("u1", "alice")
	recv(t, a)

	conn2, second := room.Connect("u1", "alice")
	recv(t, second)

	// No user_joined for a user already present.
	select {
	case msg := <-a:
		t.Fatalf("unexpected broadcast: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}

	// And no user_left while another connection remains.
	room.Disconnect(conn2)
	select {
	case msg := <-a:
		t.Fatalf("unexpected broadcast: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestColorsAreStablePerUser(t *testing.T) {
	assert.Equal(t, colorFor("u1"), colorFor("u1"))
}

func TestInjectFoldsRemoteInstanceOperation(t *testing.T) {
	room, _ := newTestRoom(t)
	_, a := room.Connect("u1", "alice")
	recv(t, a)

	room.Inject(collab.Message{
		Kind:       collab.KindOperation,
		DocumentID: "doc-1",
		Operation: &collab.Operation{
			ID:        "op-remote",
			Type:      collab.OpMove,
			ElementID: "n1",
			Data:      map[string]interface{}{"x": 1.0, "y": 2.0},
			UserID:    "u9",
			Version:   10,
		},
	})

	msg := recv(t, a)
	assert.Equal(t, collab.KindOperation, msg.Kind)
	assert.Equal(t, uint64(10), msg.Operation.Version)

	// A locally accepted operation continues past the injected version.
	memberID, events := room.Connect("u2", "bob")
	recv(t, events)
	recv(t, a)
	room.Handle(memberID, collab.Message{
		Kind:      collab.KindOperation,
		Operation: &collab.Operation{ID: "op-local", Type: collab.OpDelete, ElementID: "n1"},
	})
	broadcast := recv(t, a)
	assert.Equal(t, uint64(11), broadcast.Operation.Version)
}

func TestCallsAfterStopReturnPromptly(t *testing.T) {
	room, _ := newTestRoom(t)
	aID, a := room.Connect("u1", "alice")
	recv(t, a)

	room.Stop()

	// Connection goroutines racing a shutdown still call into the room; none
	// of these may block once the loop has ended.
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		room.Handle(aID, collab.Message{Kind: collab.KindCursorUpdate, X: 1, Y: 1})
		room.Disconnect(aID)
		room.Inject(collab.Message{Kind: collab.KindOperation})
		assert.Equal(t, 0, room.Members())
		id, events := room.Connect("u2", "bob")
		assert.Equal(t, uuid.Nil, id)
		_, open := <-events
		assert.False(t, open)
		room.Stop()
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("room call blocked after Stop")
	}

	// Stop closed the existing member stream.
	_, open := <-a
	assert.False(t, open)
}
