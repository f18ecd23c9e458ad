// Package authority implements the reference central authority for flowboard
// sessions: it assigns operation order, owns the durable document, keeps the
// roster and relays presence between participants.
package authority

import (
	"context"
	"hash/fnv"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kettlebird/flowboard/pkg/collab"
)

const (
	memberSendBuffer = 64
	saveTimeout      = 5 * time.Second
)

// Stable per-user display colors, picked by hashing the user id so a user
// keeps their color across reconnects and across authority instances.
var colorPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
}

func colorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return colorPalette[h.Sum32()%uint32(len(colorPalette))]
}

const (
	roomConnect = iota + 1
	roomDisconnect
	roomMessage
	roomInject
	roomMembers
)

type roomCommand struct {
	t        int
	memberID uuid.UUID
	userID   string
	username string
	msg      collab.Message

	connectReply chan connectResult
	countReply   chan int
}

type connectResult struct {
	memberID uuid.UUID
	events   <-chan collab.Message
}

type member struct {
	id       uuid.UUID
	userID   string
	username string
	color    string
	events   chan collab.Message
}

// Room arbitrates one shared document. A single loop goroutine owns the
// document, the version counter and the member set; public methods send
// commands onto that loop, so operations are ordered exactly once, in
// arrival order.
type Room struct {
	documentID   string
	documentKind string
	store        Store
	bridge       *Bridge

	commands chan roomCommand
	stopping chan bool
	done     chan struct{}

	// Owned by the run goroutine.
	doc         collab.Document
	version     uint64
	members     map[uuid.UUID]*member
	unsubscribe func()
}

// NewRoom loads the document snapshot (if any) and starts the room loop.
func NewRoom(ctx context.Context, documentID, documentKind string, store Store, bridge *Bridge) (*Room, error) {
	snap, err := store.Load(ctx, documentID)
	if err != nil {
		return nil, err
	}
	r := &Room{
		documentID:   documentID,
		documentKind: documentKind,
		store:        store,
		bridge:       bridge,
		commands:     make(chan roomCommand, 32),
		stopping:     make(chan bool),
		done:         make(chan struct{}),
		members:      make(map[uuid.UUID]*member),
	}
	if snap != nil {
		r.doc = snap.Document
		r.version = snap.Version
	}
	if bridge != nil {
		r.unsubscribe = bridge.Subscribe(documentID, r.Inject)
	}
	go r.run()
	return r, nil
}

func (r *Room) DocumentID() string {
	return r.documentID
}

// Connect registers a participant connection and returns its member id plus
// the ordered stream of messages to forward to the client. The first message
// on the stream is always the roster sync carrying the current document and
// version.
func (r *Room) Connect(userID, username string) (uuid.UUID, <-chan collab.Message) {
	reply := make(chan connectResult, 1)
	if !r.post(roomCommand{
		t:            roomConnect,
		userID:       userID,
		username:     username,
		connectReply: reply,
	}) {
		return uuid.Nil, closedEvents()
	}
	select {
	case res := <-reply:
		return res.memberID, res.events
	case <-r.done:
		return uuid.Nil, closedEvents()
	}
}

// Disconnect unregisters a connection and closes its event stream.
func (r *Room) Disconnect(memberID uuid.UUID) {
	r.post(roomCommand{t: roomDisconnect, memberID: memberID})
}

// Handle processes one inbound client message.
func (r *Room) Handle(memberID uuid.UUID, msg collab.Message) {
	r.post(roomCommand{t: roomMessage, memberID: memberID, msg: msg})
}

// Inject folds in a message accepted by another authority instance and
// relayed over the bridge.
func (r *Room) Inject(msg collab.Message) {
	r.post(roomCommand{t: roomInject, msg: msg})
}

// Members reports the number of live connections.
func (r *Room) Members() int {
	reply := make(chan int, 1)
	if !r.post(roomCommand{t: roomMembers, countReply: reply}) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-r.done:
		return 0
	}
}

// Stop persists the document, closes every member stream and ends the loop.
// Safe to call more than once; calls after the loop has ended return at once.
func (r *Room) Stop() {
	select {
	case r.stopping <- true:
		<-r.stopping
	case <-r.done:
	}
}

// post hands a command to the loop, refusing once the loop has ended so
// connection goroutines racing a shutdown cannot block forever.
func (r *Room) post(cmd roomCommand) bool {
	select {
	case r.commands <- cmd:
		return true
	case <-r.done:
		return false
	}
}

func closedEvents() <-chan collab.Message {
	ch := make(chan collab.Message)
	close(ch)
	return ch
}

func (r *Room) run() {
	for {
		select {
		case <-r.stopping:
			if r.unsubscribe != nil {
				r.unsubscribe()
			}
			r.persist()
			for _, m := range r.members {
				close(m.events)
			}
			r.members = make(map[uuid.UUID]*member)
			close(r.done)
			r.stopping <- true
			return
		case cmd := <-r.commands:
			r.handle(cmd)
		}
	}
}

func (r *Room) handle(cmd roomCommand) {
	switch cmd.t {
	case roomConnect:
		m := &member{
			id:       uuid.New(),
			userID:   cmd.userID,
			username: cmd.username,
			color:    colorFor(cmd.userID),
			events:   make(chan collab.Message, memberSendBuffer),
		}
		firstConn := r.connectionsOf(m.userID) == 0
		r.members[m.id] = m
		cmd.connectReply <- connectResult{memberID: m.id, events: m.events}

		doc := r.doc
		r.send(m, collab.Message{
			Kind:       collab.KindRosterSync,
			DocumentID: r.documentID,
			Users:      r.roster(),
			Version:    r.version,
			Document:   &doc,
		})
		if firstConn {
			r.broadcastExcept(m.id, collab.Message{
				Kind:       collab.KindUserJoined,
				DocumentID: r.documentID,
				UserID:     m.userID,
				Username:   m.username,
				Color:      m.color,
			})
		}

	case roomDisconnect:
		m, ok := r.members[cmd.memberID]
		if !ok {
			return
		}
		delete(r.members, cmd.memberID)
		close(m.events)
		if r.connectionsOf(m.userID) == 0 {
			r.broadcastExcept(uuid.Nil, collab.Message{
				Kind:       collab.KindUserLeft,
				DocumentID: r.documentID,
				UserID:     m.userID,
			})
		}

	case roomMessage:
		m, ok := r.members[cmd.memberID]
		if !ok {
			return
		}
		r.dispatch(m, cmd.msg)

	case roomInject:
		if cmd.msg.Kind != collab.KindOperation || cmd.msg.Operation == nil {
			return
		}
		op := *cmd.msg.Operation
		if op.Version > r.version {
			r.version = op.Version
		}
		if next, applied := collab.ApplyOperation(r.doc, op); applied {
			r.doc = next
		}
		// The originating instance acked and persisted; local members just
		// need the broadcast.
		r.broadcastExcept(uuid.Nil, cmd.msg)

	case roomMembers:
		cmd.countReply <- len(r.members)
	}
}

func (r *Room) dispatch(m *member, msg collab.Message) {
	switch msg.Kind {
	case collab.KindOperation:
		if msg.Operation == nil {
			return
		}
		op := *msg.Operation
		r.version++
		op.Version = r.version
		op.UserID = m.userID
		if op.Timestamp == 0 {
			op.Timestamp = time.Now().UnixMilli()
		}
		if next, applied := collab.ApplyOperation(r.doc, op); applied {
			r.doc = next
		}
		broadcast := collab.Message{
			Kind:       collab.KindOperation,
			DocumentID: r.documentID,
			Operation:  &op,
		}
		// Origin included: clients fold their own confirmed operations the
		// same way they fold everyone else's.
		r.broadcastExcept(uuid.Nil, broadcast)
		r.send(m, collab.Message{
			Kind:        collab.KindOperationAck,
			DocumentID:  r.documentID,
			OperationID: op.ID,
			Version:     op.Version,
		})
		if r.bridge != nil {
			r.bridge.Publish(r.documentID, broadcast)
		}
		r.persist()

	case collab.KindCursorUpdate:
		r.broadcastExcept(m.id, collab.Message{
			Kind:       collab.KindCursorUpdate,
			DocumentID: r.documentID,
			UserID:     m.userID,
			Username:   m.username,
			Color:      m.color,
			X:          msg.X,
			Y:          msg.Y,
		})

	case collab.KindSelectionUpdate:
		r.broadcastExcept(m.id, collab.Message{
			Kind:       collab.KindSelectionUpdate,
			DocumentID: r.documentID,
			UserID:     m.userID,
			ElementIDs: msg.ElementIDs,
		})

	case collab.KindTypingUpdate:
		r.broadcastExcept(m.id, collab.Message{
			Kind:       collab.KindTypingUpdate,
			DocumentID: r.documentID,
			UserID:     m.userID,
			ElementID:  msg.ElementID,
			IsTyping:   msg.IsTyping,
		})

	case collab.KindJoinDocument:
		// Re-sent joins after a transport-level reconnect land on a fresh
		// connection; a duplicate on a live one just refreshes the roster.
		doc := r.doc
		r.send(m, collab.Message{
			Kind:       collab.KindRosterSync,
			DocumentID: r.documentID,
			Users:      r.roster(),
			Version:    r.version,
			Document:   &doc,
		})
	}
}

func (r *Room) connectionsOf(userID string) int {
	n := 0
	for _, m := range r.members {
		if m.userID == userID {
			n++
		}
	}
	return n
}

// roster returns one Participant per distinct user.
func (r *Room) roster() []collab.Participant {
	seen := make(map[string]bool, len(r.members))
	out := make([]collab.Participant, 0, len(r.members))
	for _, m := range r.members {
		if seen[m.userID] {
			continue
		}
		seen[m.userID] = true
		out = append(out, collab.Participant{
			UserID:   m.userID,
			Username: m.username,
			Color:    m.color,
		})
	}
	return out
}

// send delivers to one member, dropping the frame if the member's buffer is
// full. A client that slow gets a full resync on its next join anyway.
func (r *Room) send(m *member, msg collab.Message) {
	select {
	case m.events <- msg:
	default:
		log.Printf("authority: dropping %s for slow member %s", msg.Kind, m.id)
	}
}

func (r *Room) broadcastExcept(except uuid.UUID, msg collab.Message) {
	for id, m := range r.members {
		if id == except {
			continue
		}
		r.send(m, msg)
	}
}

func (r *Room) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	err := r.store.Save(ctx, r.documentID, Snapshot{
		Document: r.doc,
		Version:  r.version,
	})
	if err != nil {
		log.Printf("authority: persisting document %s failed: %v", r.documentID, err)
	}
}
