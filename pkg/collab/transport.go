package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"
)

// TransportEventKind discriminates the events a Transport delivers.
type TransportEventKind int

const (
	// TransportConnected is delivered once after the initial dial succeeds.
	TransportConnected TransportEventKind = iota
	// TransportDisconnected is delivered when the connection drops.
	TransportDisconnected
	// TransportReconnected is delivered when the transport re-established
	// the connection on its own. The logical session must re-register.
	TransportReconnected
	// TransportMessage carries one inbound frame.
	TransportMessage
)

// TransportEvent is one item on a transport's ordered event stream.
type TransportEvent struct {
	Kind TransportEventKind
	Data []byte
}

// Transport is an ordered, bidirectional message stream to the authority.
// Events delivers frames in the order the authority sent them; no ordering
// holds across a reconnect boundary. Close is idempotent and causes Events
// to be closed.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Events() <-chan TransportEvent
	Close() error
}

// TransportFactory opens a fresh transport for one session join.
type TransportFactory func(ctx context.Context) (Transport, error)

// WebsocketTransport is the production Transport: one websocket connection
// with automatic reconnection. Reconnect backoff lives entirely here; the
// session above only reacts to the Reconnected event.
type WebsocketTransport struct {
	url    string
	events chan TransportEvent

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// DialWebsocket connects to the authority endpoint and starts the read loop.
// The ctx only governs the initial dial; the transport lives until Close.
func DialWebsocket(ctx context.Context, url string) (*WebsocketTransport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	t := &WebsocketTransport{
		url:    url,
		events: make(chan TransportEvent, 16),
		ctx:    runCtx,
		cancel: cancel,
		conn:   conn,
	}
	t.events <- TransportEvent{Kind: TransportConnected}
	go t.readLoop(conn)
	return t, nil
}

// WebsocketFactory adapts DialWebsocket to a TransportFactory.
func WebsocketFactory(url string) TransportFactory {
	return func(ctx context.Context) (Transport, error) {
		return DialWebsocket(ctx, url)
	}
}

func (t *WebsocketTransport) Events() <-chan TransportEvent {
	return t.events
}

func (t *WebsocketTransport) Send(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("transport closed")
	}
	if conn == nil {
		return fmt.Errorf("transport disconnected")
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func (t *WebsocketTransport) readLoop(conn *websocket.Conn) {
	defer close(t.events)
	for {
		_, b, err := conn.Read(t.ctx)
		if err != nil {
			t.mu.Lock()
			t.conn = nil
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			t.deliver(TransportEvent{Kind: TransportDisconnected})
			conn = t.reconnect()
			if conn == nil {
				return
			}
			t.mu.Lock()
			t.conn = conn
			t.mu.Unlock()
			t.deliver(TransportEvent{Kind: TransportReconnected})
			continue
		}
		t.deliver(TransportEvent{Kind: TransportMessage, Data: b})
	}
}

// reconnect dials until it succeeds or the transport is closed. The schedule
// never gives up on its own: a collaboration session should keep trying for
// as long as the host keeps it open.
func (t *WebsocketTransport) reconnect() *websocket.Conn {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	for {
		select {
		case <-t.ctx.Done():
			return nil
		case <-time.After(b.NextBackOff()):
		}
		dialCtx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
		conn, _, err := websocket.Dial(dialCtx, t.url, nil)
		cancel()
		if err == nil {
			return conn
		}
		log.Printf("collab: reconnect to %s failed: %v", t.url, err)
	}
}

func (t *WebsocketTransport) deliver(ev TransportEvent) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// Close tears the connection down and ends the event stream. Safe to call
// more than once.
func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	t.cancel()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "leaving")
	}
	return nil
}
