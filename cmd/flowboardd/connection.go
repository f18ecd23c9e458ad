package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"nhooyr.io/websocket"

	"github.com/kettlebird/flowboard/pkg/authority"
	"github.com/kettlebird/flowboard/pkg/collab"
)

// serveConnection runs one client connection: the first frame must be a join
// request, everything after is routed into the document's room until the
// client leaves or the socket dies.
func serveConnection(ctx context.Context, socketConn *websocket.Conn, manager *authority.Manager) error {
	_, b, err := socketConn.Read(ctx)
	if err != nil {
		return err
	}
	var join collab.Message
	if err := json.Unmarshal(b, &join); err != nil {
		return fmt.Errorf("malformed join request: %w", err)
	}
	if join.Kind != collab.KindJoinDocument || join.DocumentID == "" || join.UserID == "" {
		return fmt.Errorf("expected join request, got %q", join.Kind)
	}

	room, err := manager.Room(ctx, join.DocumentID, join.DocumentKind)
	if err != nil {
		return fmt.Errorf("opening room %s: %w", join.DocumentID, err)
	}
	memberID, events := room.Connect(join.UserID, join.Username)
	defer room.Disconnect(memberID)
	log.Printf("Member %s (%s) joined document %s", memberID, join.Username, join.DocumentID)

	writeErr := make(chan error, 1)
	go func() {
		for msg := range events {
			data, err := json.Marshal(msg)
			if err != nil {
				log.Print("Error marshaling message:", err)
				continue
			}
			if err := socketConn.Write(ctx, websocket.MessageText, data); err != nil {
				writeErr <- err
				return
			}
		}
		writeErr <- nil
	}()

	readErr := make(chan error, 1)
	go func() {
		for {
			_, b, err := socketConn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			var msg collab.Message
			if err := json.Unmarshal(b, &msg); err != nil {
				// One bad frame must not end the connection.
				log.Print("Error unmarshaling message:", err)
				continue
			}
			if msg.Kind == collab.KindLeaveDocument {
				readErr <- nil
				return
			}
			room.Handle(memberID, msg)
		}
	}()

	select {
	case err = <-writeErr:
	case err = <-readErr:
	}
	log.Printf("Member %s left document %s", memberID, join.DocumentID)
	return err
}
