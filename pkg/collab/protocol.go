package collab

import (
	"encoding/json"
	"fmt"
)

// Message kinds exchanged with the authority. A single envelope struct with a
// Kind discriminator keeps dispatch to one JSON decode per frame.
const (
	KindJoinDocument    = "join_document"
	KindLeaveDocument   = "leave_document"
	KindRosterSync      = "roster_sync"
	KindUserJoined      = "user_joined"
	KindUserLeft        = "user_left"
	KindCursorUpdate    = "cursor_update"
	KindSelectionUpdate = "selection_update"
	KindTypingUpdate    = "typing_update"
	KindOperation       = "operation"
	KindOperationAck    = "operation_ack"
)

// OperationType enumerates the mutations the authority arbitrates.
type OperationType string

const (
	OpAdd             OperationType = "add"
	OpDelete          OperationType = "delete"
	OpMove            OperationType = "move"
	OpResize          OperationType = "resize"
	OpUpdateText      OperationType = "update_text"
	OpUpdate          OperationType = "update"
	OpAddConnector    OperationType = "add_connector"
	OpDeleteConnector OperationType = "delete_connector"
)

// Operation is a discrete, typed mutation request against the shared
// document. Version carries the sender's causal base on the way up and the
// authority-assigned order on the way down. UserID is empty until the
// authority stamps it.
type Operation struct {
	ID        string                 `json:"id"`
	Type      OperationType          `json:"type"`
	ElementID string                 `json:"elementId,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	UserID    string                 `json:"userId,omitempty"`
	Timestamp int64                  `json:"timestamp,omitempty"`
	Version   uint64                 `json:"version"`
}

func decodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	if msg.Kind == "" {
		return Message{}, fmt.Errorf("message without kind")
	}
	return msg, nil
}

// Message is the wire envelope. Fields are populated per Kind; unused fields
// are omitted from the encoding.
type Message struct {
	Kind         string        `json:"kind"`
	DocumentID   string        `json:"documentId,omitempty"`
	DocumentKind string        `json:"documentKind,omitempty"`
	UserID       string        `json:"userId,omitempty"`
	Username     string        `json:"username,omitempty"`
	Color        string        `json:"color,omitempty"`
	X            float64       `json:"x,omitempty"`
	Y            float64       `json:"y,omitempty"`
	ElementID    string        `json:"elementId,omitempty"`
	ElementIDs   []string      `json:"elementIds,omitempty"`
	IsTyping     bool          `json:"isTyping,omitempty"`
	Users        []Participant `json:"users,omitempty"`
	Operation    *Operation    `json:"operation,omitempty"`
	OperationID  string        `json:"operationId,omitempty"`
	Version      uint64        `json:"version,omitempty"`
	Document     *Document     `json:"document,omitempty"`
}
