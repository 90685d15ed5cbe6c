package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgproto3/v2"

	"github.com/rowguard/rowguard/internal/adapter/outbound/backend"
	"github.com/rowguard/rowguard/internal/policyhost"
	"github.com/rowguard/rowguard/internal/transport"
	"github.com/rowguard/rowguard/internal/wire"
)

// TxStatus mirrors the single-byte transaction status PostgreSQL reports on
// every ReadyForQuery (§4.8.2).
type TxStatus byte

const (
	TxIdle    TxStatus = 'I'
	TxInTx    TxStatus = 'T'
	TxFailed  TxStatus = 'E'
)

// Session is exclusively owned by the one handler goroutine driving it —
// nothing here is safe for concurrent access, matching the spec's "rule
// engine and evaluator owned by exactly one handler, never shared" (§5,
// §3). It holds both transports, the connected principal's attributes, and
// the current policy decision artifacts the relay loop consults per
// statement.
type Session struct {
	ID string

	ClientConn *transport.Conn
	Client     *wire.ClientCodec

	BackendConn *backend.Conn
	Backend     *wire.BackendCodec

	// Admin is the dedicated side-channel connection used only for
	// information-schema introspection (§4.8.2's "admin side-channel").
	Admin *pgconn.Conn

	ConnectedDB string
	Identity    string
	Groups      []string
	ExpiresAt   time.Time // zero means no expiry
	Passthrough bool

	Evaluator *policyhost.Evaluator
	Rules     *policyhost.Snapshot
	TableInfo map[string][]string

	TxStatus     TxStatus
	PendingError *pgproto3.ErrorResponse
}

// GenerateSessionID returns a cryptographically random 64-hex-character
// session identifier — the same crypto/rand + hex idiom the teacher's
// session package uses, kept because it has nothing MCP-specific about it.
func GenerateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("service: generate session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Expired reports whether the session has passed its control-plane-assigned
// expiry. A zero ExpiresAt means no expiry was set.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Close releases both backend connections. The client connection is closed
// by the listener's accept loop, not here.
func (s *Session) Close() {
	ctx := context.Background()
	if s.Evaluator != nil {
		_ = s.Evaluator.Close(ctx)
	}
	if s.BackendConn != nil {
		_ = s.BackendConn.Close()
	}
	if s.Admin != nil {
		_ = s.Admin.Close(ctx)
	}
}
