package collab

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	cursorStaleAfter    = 10 * time.Second
	cursorSweepInterval = 5 * time.Second
	cursorEmitInterval  = 33 * time.Millisecond
	defaultJoinTimeout  = 10 * time.Second
	sendTimeout         = 5 * time.Second
)

const (
	cmdInstall = iota + 1
	cmdLeave
	cmdEvent
	cmdSweep
	cmdCursorEmit
	cmdSelection
	cmdTyping
	cmdOperation
	cmdSnapshot
	cmdSelectedBy
	cmdTypedBy
)

type command struct {
	t   int
	gen uint64

	transport    Transport
	documentID   string
	documentKind string

	event TransportEvent

	x, y       float64
	elementID  string
	elementIDs []string
	isTyping   bool
	operation  Operation

	snapshotReply chan sessionSnapshot
	presenceReply chan *RemotePresence
	done          chan struct{}
}

type sessionSnapshot struct {
	Joined        bool
	Connected     bool
	DocumentID    string
	ServerVersion uint64
	Pending       int
	Participants  []Participant
	Cursors       []Cursor
}

// Options configures a Session.
type Options struct {
	// UserID and Username identify this participant to the authority.
	UserID   string
	Username string
	// JoinTimeout bounds Join's transport handshake when the caller's
	// context has no deadline of its own.
	JoinTimeout time.Duration
}

// Session keeps one shared document consistent with the authority and every
// other participant joined to it. All state lives on a single command-loop
// goroutine: transport events, timer ticks and public calls are serialized
// onto one queue, so every handler is an atomic update and no state needs a
// lock.
//
// Host callbacks are invoked from the loop goroutine. They must return
// promptly and must not call back into the Session synchronously; re-query
// from another goroutine instead.
type Session struct {
	host Host
	dial TransportFactory
	opts Options

	commands chan command
	closed   chan struct{}
	once     sync.Once

	// emitGen mirrors gen for the throttle callback, which runs off-loop.
	emitGen atomic.Uint64

	// Everything below is owned by the run goroutine.
	gen       uint64
	transport Transport
	joined    bool
	connected bool

	documentID   string
	documentKind string

	presence *presenceStore
	oplog    *operationLog
	throttle *throttledEmitter
	sweep    chan struct{}
}

// NewSession creates a session and starts its command loop. The session is
// idle until Join.
func NewSession(host Host, dial TransportFactory, opts Options) *Session {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = defaultJoinTimeout
	}
	s := &Session{
		host:     host,
		dial:     dial,
		opts:     opts,
		commands: make(chan command, 32),
		closed:   make(chan struct{}),
		presence: newPresenceStore(),
		oplog:    newOperationLog(),
	}
	s.throttle = newThrottledEmitter(cursorEmitInterval, func(x, y float64) {
		s.do(command{t: cmdCursorEmit, gen: s.emitGen.Load(), x: x, y: y})
	})
	go s.run()
	return s
}

// Join establishes a session for the given document. Joining the document
// the session is already in is a no-op; joining a different document tears
// the current session down first. Connection failures are returned to the
// caller; everything after a successful return degrades silently to
// IsConnected() == false.
func (s *Session) Join(ctx context.Context, documentID, documentKind string) error {
	if documentID == "" {
		return fmt.Errorf("collab: empty document id")
	}
	snap := s.snapshot()
	if snap.Joined && snap.DocumentID == documentID {
		return nil
	}
	if snap.Joined {
		s.Leave()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.JoinTimeout)
		defer cancel()
	}
	transport, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("collab: join %s: %w", documentID, err)
	}
	if !s.do(command{
		t:            cmdInstall,
		transport:    transport,
		documentID:   documentID,
		documentKind: documentKind,
	}) {
		transport.Close()
		return fmt.Errorf("collab: session closed")
	}
	return nil
}

// Leave ends the current session: best-effort leave notification, transport
// teardown, timer cancellation and a full state reset. Safe to call when not
// joined, and safe to call repeatedly.
func (s *Session) Leave() {
	done := make(chan struct{})
	if !s.do(command{t: cmdLeave, done: done}) {
		return
	}
	select {
	case <-done:
	case <-s.closed:
	}
}

// Close leaves and stops the command loop. The session cannot be reused.
func (s *Session) Close() {
	s.once.Do(func() {
		s.Leave()
		close(s.closed)
	})
}

func (s *Session) IsConnected() bool {
	return s.snapshot().Connected
}

func (s *Session) DocumentID() string {
	return s.snapshot().DocumentID
}

// ServerVersion is the latest authority version this client has observed.
func (s *Session) ServerVersion() uint64 {
	return s.snapshot().ServerVersion
}

// PendingOperations is the number of sent-but-unacknowledged operations.
func (s *Session) PendingOperations() int {
	return s.snapshot().Pending
}

func (s *Session) Participants() []Participant {
	return s.snapshot().Participants
}

func (s *Session) Cursors() []Cursor {
	return s.snapshot().Cursors
}

// ElementSelectedByRemote reports which remote participant, if any, has the
// element selected. First match wins; this is informational, not a lock.
func (s *Session) ElementSelectedByRemote(elementID string) *RemotePresence {
	reply := make(chan *RemotePresence, 1)
	if !s.do(command{t: cmdSelectedBy, elementID: elementID, presenceReply: reply}) {
		return nil
	}
	return s.awaitPresence(reply)
}

// ElementBeingTypedByRemote reports which remote participant, if any, is
// typing into the element.
func (s *Session) ElementBeingTypedByRemote(elementID string) *RemotePresence {
	reply := make(chan *RemotePresence, 1)
	if !s.do(command{t: cmdTypedBy, elementID: elementID, presenceReply: reply}) {
		return nil
	}
	return s.awaitPresence(reply)
}

// awaitPresence waits for the loop's answer. The loop may exit with queued
// commands still unanswered, so a closed session yields nil instead of a hang.
func (s *Session) awaitPresence(reply <-chan *RemotePresence) *RemotePresence {
	select {
	case p := <-reply:
		return p
	case <-s.closed:
		return nil
	}
}

// BroadcastCursorMove publishes the local pointer position, throttled to one
// frame per emit interval with a guaranteed trailing emission.
func (s *Session) BroadcastCursorMove(x, y float64) {
	s.throttle.Call(x, y)
}

// BroadcastSelectionChange publishes the local selection. An empty or nil
// list clears it for remote peers.
func (s *Session) BroadcastSelectionChange(elementIDs []string) {
	s.do(command{t: cmdSelection, elementIDs: elementIDs})
}

func (s *Session) BroadcastTypingStart(elementID string) {
	s.do(command{t: cmdTyping, elementID: elementID, isTyping: true})
}

func (s *Session) BroadcastTypingStop(elementID string) {
	s.do(command{t: cmdTyping, elementID: elementID, isTyping: false})
}

// BroadcastOperation sends a document mutation to the authority and tracks
// it optimistically until acknowledged. Returns the operation id.
func (s *Session) BroadcastOperation(t OperationType, elementID string, data map[string]interface{}) string {
	op := Operation{
		ID:        uuid.NewString(),
		Type:      t,
		ElementID: elementID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	s.do(command{t: cmdOperation, operation: op})
	return op.ID
}

func (s *Session) snapshot() sessionSnapshot {
	reply := make(chan sessionSnapshot, 1)
	if !s.do(command{t: cmdSnapshot, snapshotReply: reply}) {
		return sessionSnapshot{}
	}
	select {
	case snap := <-reply:
		return snap
	case <-s.closed:
		return sessionSnapshot{}
	}
}

func (s *Session) do(cmd command) bool {
	select {
	case s.commands <- cmd:
		return true
	case <-s.closed:
		return false
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.closed:
			s.teardown(false)
			return
		case cmd := <-s.commands:
			s.handle(cmd)
		}
	}
}

func (s *Session) handle(cmd command) {
	switch cmd.t {
	case cmdInstall:
		// No dual-session state: a still-active previous session goes first.
		if s.joined {
			s.teardown(true)
		}
		s.gen++
		s.emitGen.Store(s.gen)
		s.transport = cmd.transport
		s.documentID = cmd.documentID
		s.documentKind = cmd.documentKind
		s.joined = true
		s.sweep = make(chan struct{})
		go s.sweepLoop(s.gen, s.sweep)
		go s.pump(s.gen, cmd.transport)

	case cmdLeave:
		s.teardown(true)
		close(cmd.done)

	case cmdEvent:
		if cmd.gen != s.gen {
			// Event from a transport that has already been torn down.
			return
		}
		s.handleTransportEvent(cmd.event)

	case cmdSweep:
		if cmd.gen != s.gen {
			return
		}
		if s.presence.sweepStale(time.Now(), cursorStaleAfter) > 0 {
			s.host.PresenceChanged()
		}

	case cmdCursorEmit:
		// A trailing throttle emission can land after the session it was
		// queued for has been left; its generation no longer matches.
		if cmd.gen != s.gen || !s.joined {
			return
		}
		s.sendAsync(Message{
			Kind:       KindCursorUpdate,
			DocumentID: s.documentID,
			UserID:     s.opts.UserID,
			Username:   s.opts.Username,
			X:          cmd.x,
			Y:          cmd.y,
		})

	case cmdSelection:
		if !s.joined {
			return
		}
		s.sendAsync(Message{
			Kind:       KindSelectionUpdate,
			DocumentID: s.documentID,
			UserID:     s.opts.UserID,
			ElementIDs: cmd.elementIDs,
		})

	case cmdTyping:
		if !s.joined {
			return
		}
		s.sendAsync(Message{
			Kind:       KindTypingUpdate,
			DocumentID: s.documentID,
			UserID:     s.opts.UserID,
			ElementID:  cmd.elementID,
			IsTyping:   cmd.isTyping,
		})

	case cmdOperation:
		if !s.joined {
			return
		}
		op := s.oplog.record(cmd.operation, time.Now())
		s.sendAsync(Message{
			Kind:       KindOperation,
			DocumentID: s.documentID,
			Operation:  &op,
		})

	case cmdSnapshot:
		cmd.snapshotReply <- sessionSnapshot{
			Joined:        s.joined,
			Connected:     s.connected,
			DocumentID:    s.documentID,
			ServerVersion: s.oplog.serverVersion,
			Pending:       s.oplog.pendingCount(),
			Participants:  s.presence.participants(),
			Cursors:       s.presence.cursorList(),
		}

	case cmdSelectedBy:
		cmd.presenceReply <- s.presence.selectedBy(cmd.elementID)

	case cmdTypedBy:
		cmd.presenceReply <- s.presence.typedBy(cmd.elementID)
	}
}

func (s *Session) handleTransportEvent(ev TransportEvent) {
	switch ev.Kind {
	case TransportConnected, TransportReconnected:
		s.connected = true
		// The transport may have silently dropped and redialed; the join
		// request is resent on every (re)connect so the authority
		// re-registers this participant.
		s.sendAsync(Message{
			Kind:         KindJoinDocument,
			DocumentID:   s.documentID,
			DocumentKind: s.documentKind,
			UserID:       s.opts.UserID,
			Username:     s.opts.Username,
		})
		s.host.PresenceChanged()
	case TransportDisconnected:
		// Presence and document state are kept: a short disconnect should
		// not wipe collaborator cursors. The sweep handles stale entries.
		s.connected = false
		s.host.PresenceChanged()
	case TransportMessage:
		s.dispatch(ev.Data)
	}
}

// dispatch decodes and routes one inbound frame. A malformed or misrouted
// frame, or a panicking handler, must never take the message loop down.
func (s *Session) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("collab: message handler panic: %v", r)
		}
	}()

	msg, err := decodeMessage(data)
	if err != nil {
		log.Printf("collab: dropping malformed message: %v", err)
		return
	}
	// Every routed kind is scoped to the joined document; a frame with a
	// missing DocumentID is as misaddressed as one naming another document.
	if msg.DocumentID != s.documentID {
		return
	}

	switch msg.Kind {
	case KindRosterSync:
		s.presence.syncUsers(msg.Users)
		s.oplog.observe(msg.Version)
		if msg.Document != nil {
			s.host.ReplaceDocument(*msg.Document)
		}
		s.host.PresenceChanged()

	case KindUserJoined:
		s.presence.userJoined(Participant{
			UserID:   msg.UserID,
			Username: msg.Username,
			Color:    msg.Color,
		})
		s.host.PresenceChanged()

	case KindUserLeft:
		s.presence.userLeft(msg.UserID)
		s.host.PresenceChanged()

	case KindCursorUpdate:
		s.presence.cursorUpdate(msg.UserID, msg.Username, msg.Color, msg.X, msg.Y, time.Now())
		s.host.PresenceChanged()

	case KindSelectionUpdate:
		s.presence.selectionUpdate(msg.UserID, msg.ElementIDs)
		s.host.PresenceChanged()

	case KindTypingUpdate:
		s.presence.typingUpdate(msg.UserID, msg.ElementID, msg.IsTyping)
		s.host.PresenceChanged()

	case KindOperation:
		if msg.Operation == nil {
			return
		}
		s.applyRemote(*msg.Operation)

	case KindOperationAck:
		s.oplog.acknowledge(msg.OperationID, msg.Version)
	}
}

// applyRemote folds an authority-confirmed operation into the shared
// document. The version counter advances for every operation observed, even
// ones whose target has vanished.
func (s *Session) applyRemote(op Operation) {
	s.oplog.observe(op.Version)
	next, applied := ApplyOperation(s.host.Document(), op)
	if !applied {
		return
	}
	// ReplaceDocument is the remote-origin channel: the host must not feed
	// it back into its own broadcast path.
	s.host.ReplaceDocument(next)
	if structural(op.Type) {
		s.host.StructuralChanged()
	}
}

// sendAsync fires a message without blocking the loop. Send failures are
// logged and swallowed; they surface to the host only as a later disconnect.
func (s *Session) sendAsync(msg Message) {
	transport := s.transport
	if transport == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := transport.Send(ctx, msg); err != nil {
			log.Printf("collab: send %s failed: %v", msg.Kind, err)
		}
	}()
}

func (s *Session) pump(gen uint64, transport Transport) {
	for ev := range transport.Events() {
		if !s.do(command{t: cmdEvent, gen: gen, event: ev}) {
			return
		}
	}
}

func (s *Session) sweepLoop(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(cursorSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !s.do(command{t: cmdSweep, gen: gen}) {
				return
			}
		}
	}
}

// teardown is the single cancellation point: it stops the sweep ticker,
// cancels any pending cursor throttle timer, detaches the transport and
// resets all session state to empty defaults.
func (s *Session) teardown(sendLeave bool) {
	if s.transport != nil {
		transport := s.transport
		documentID := s.documentID
		userID := s.opts.UserID
		if sendLeave && s.connected {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
				defer cancel()
				// Best effort; the authority also detects the close itself.
				transport.Send(ctx, Message{
					Kind:       KindLeaveDocument,
					DocumentID: documentID,
					UserID:     userID,
				})
				transport.Close()
			}()
		} else {
			transport.Close()
		}
	}
	s.transport = nil
	s.gen++
	s.emitGen.Store(s.gen)
	if s.sweep != nil {
		close(s.sweep)
		s.sweep = nil
	}
	s.throttle.Stop()
	s.presence.reset()
	s.oplog.reset()
	wasJoined := s.joined
	s.joined = false
	s.connected = false
	s.documentID = ""
	s.documentKind = ""
	if wasJoined {
		s.host.PresenceChanged()
	}
}
