// Package wire wraps the PostgreSQL wire-protocol codec in rowguard's own
// message vocabulary. It delegates the actual framing and field decoding to
// pgproto3, the same way the rest of this codebase prefers a well-known wire
// library over a hand-rolled binary parser.
package wire

import (
	"time"

	"github.com/jackc/pgproto3/v2"
)

// Direction records which side of the session a message travelled.
type Direction int

const (
	// ClientToBackend is a message read from the client and destined for the backend.
	ClientToBackend Direction = iota
	// BackendToClient is a message read from the backend and destined for the client.
	BackendToClient
)

func (d Direction) String() string {
	if d == ClientToBackend {
		return "client->backend"
	}
	return "backend->client"
}

// Message wraps a decoded pgproto3 frontend or backend message with the
// bookkeeping the relay loop needs (direction, arrival time).
type Message struct {
	Direction Direction
	Timestamp time.Time

	// Frontend holds the decoded message when Direction == ClientToBackend.
	Frontend pgproto3.FrontendMessage
	// Backend holds the decoded message when Direction == BackendToClient.
	Backend pgproto3.BackendMessage
}

// IsQuery reports whether the message carries SQL text the rewriter must inspect.
func (m *Message) IsQuery() bool {
	if m.Direction != ClientToBackend {
		return false
	}
	switch m.Frontend.(type) {
	case *pgproto3.Query, *pgproto3.Parse:
		return true
	default:
		return false
	}
}

// QueryText extracts the SQL text from a Query or Parse message. Callers
// must check IsQuery first.
func (m *Message) QueryText() string {
	switch fm := m.Frontend.(type) {
	case *pgproto3.Query:
		return fm.String
	case *pgproto3.Parse:
		return fm.Query
	default:
		return ""
	}
}

// WithRewrittenText returns a copy of the frontend message with its SQL text
// replaced, preserving every other field (statement name, parameter OIDs).
func (m *Message) WithRewrittenText(text string) pgproto3.FrontendMessage {
	switch fm := m.Frontend.(type) {
	case *pgproto3.Query:
		return &pgproto3.Query{String: text}
	case *pgproto3.Parse:
		cp := *fm
		cp.Query = text
		return &cp
	default:
		return m.Frontend
	}
}

// NewClientMessage wraps a decoded frontend message.
func NewClientMessage(fm pgproto3.FrontendMessage) *Message {
	return &Message{Direction: ClientToBackend, Timestamp: time.Now(), Frontend: fm}
}

// NewBackendMessage wraps a decoded backend message.
func NewBackendMessage(bm pgproto3.BackendMessage) *Message {
	return &Message{Direction: BackendToClient, Timestamp: time.Now(), Backend: bm}
}
