// File: internal/server/types.go
package server

import (
	"time"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Status string      `json:"status"` // "success", "error", "accepted"
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// StartRequest is the body of POST /api/v1/sessions.
type StartRequest struct {
	Intent string `json:"intent"`
}

// StartResponse carries the id of a new session.
type StartResponse struct {
	SessionID string `json:"session_id"`
}

// MessageType classifies a WebSocket message.
type MessageType string

const (
	MsgTypeSnapshot MessageType = "Snapshot"
	MsgTypeEvent    MessageType = "Event"
	MsgTypeError    MessageType = "SystemError"
)

// WSMessage is the structure streamed to WebSocket clients.
type WSMessage struct {
	Type    MessageType      `json:"type"`
	Event   *schemas.Event   `json:"event,omitempty"`
	Session *schemas.Session `json:"session,omitempty"`
	Error   string           `json:"error,omitempty"`
	// Timestamp is RFC3339 so browsers can parse it directly.
	Timestamp string `json:"timestamp"`
}

func newMessage(t MessageType) WSMessage {
	return WSMessage{Type: t, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}
