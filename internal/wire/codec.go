package wire

import (
	"fmt"
	"io"

	"github.com/jackc/pgproto3/v2"
)

// SSLRequestCode is the version value that marks a startup frame as an
// SSLRequest rather than a protocol-3 StartupMessage (§4.1).
const SSLRequestCode = 80877103

// ClientCodec decodes frontend (client-originated) messages and encodes
// backend (server-originated) ones. rowguard's listener uses this on the
// client-facing socket: from the wire's point of view rowguard plays the
// server role there, which is what pgproto3 calls a "Backend".
type ClientCodec struct {
	inner *pgproto3.Backend
}

// NewClientCodec wraps a client connection's reader/writer.
func NewClientCodec(r io.Reader, w io.Writer) *ClientCodec {
	return &ClientCodec{inner: pgproto3.NewBackend(pgproto3.NewChunkReader(r), w)}
}

// ReceiveStartup reads the startup frame, handling the SSLRequest sentinel
// per §4.1: it returns either a *pgproto3.StartupMessage or a
// *pgproto3.SSLRequest. GSS encryption requests are rejected outright —
// rowguard supports TLS or plaintext only.
func (c *ClientCodec) ReceiveStartup() (pgproto3.FrontendMessage, error) {
	msg, err := c.inner.ReceiveStartupMessage()
	if err != nil {
		return nil, fmt.Errorf("wire: malformed startup frame: %w", err)
	}
	switch msg.(type) {
	case *pgproto3.StartupMessage, *pgproto3.SSLRequest:
		return msg, nil
	case *pgproto3.GSSEncRequest:
		return nil, fmt.Errorf("wire: GSS encryption is not supported")
	default:
		return nil, fmt.Errorf("wire: unexpected startup message type %T", msg)
	}
}

// Receive reads the next frontend message (Query, Parse, Bind, ...).
func (c *ClientCodec) Receive() (*Message, error) {
	fm, err := c.inner.Receive()
	if err != nil {
		return nil, fmt.Errorf("wire: malformed frontend frame: %w", err)
	}
	return NewClientMessage(fm), nil
}

// Send writes a backend message (authentication challenge, RowDescription,
// ErrorResponse, ReadyForQuery, ...) to the client.
func (c *ClientCodec) Send(bm pgproto3.BackendMessage) error {
	c.inner.Send(bm)
	return c.inner.Flush()
}

// SetStream swaps the underlying reader/writer, used after a TLS upgrade.
func (c *ClientCodec) SetStream(r io.Reader, w io.Writer) {
	c.inner = pgproto3.NewBackend(pgproto3.NewChunkReader(r), w)
}

// BackendCodec decodes backend (server-originated) messages and encodes
// frontend (client-originated) ones. rowguard's connection to the real
// PostgreSQL backend plays the client role there, which is what pgproto3
// calls a "Frontend".
type BackendCodec struct {
	inner *pgproto3.Frontend
}

// NewBackendCodec wraps the backend connection's reader/writer.
func NewBackendCodec(r io.Reader, w io.Writer) *BackendCodec {
	return &BackendCodec{inner: pgproto3.NewFrontend(pgproto3.NewChunkReader(r), w)}
}

// SendStartup writes the startup message (§4.8.1).
func (c *BackendCodec) SendStartup(sm *pgproto3.StartupMessage) error {
	c.inner.Send(sm)
	return c.inner.Flush()
}

// Send writes a frontend message (PasswordMessage, SASLResponse, Query, ...).
func (c *BackendCodec) Send(fm pgproto3.FrontendMessage) error {
	c.inner.Send(fm)
	return c.inner.Flush()
}

// Receive reads the next backend message.
func (c *BackendCodec) Receive() (*Message, error) {
	bm, err := c.inner.Receive()
	if err != nil {
		return nil, fmt.Errorf("wire: malformed backend frame: %w", err)
	}
	return NewBackendMessage(bm), nil
}

// SetStream swaps the underlying reader/writer, used after a TLS upgrade.
func (c *BackendCodec) SetStream(r io.Reader, w io.Writer) {
	c.inner = pgproto3.NewFrontend(pgproto3.NewChunkReader(r), w)
}
