// Package transport implements the plaintext/TLS connection abstraction
// described in §4.2: a uniform full-duplex stream used on both the
// client-facing listener and the backend connection, with the PostgreSQL
// SSLRequest-sentinel upgrade dance on either side.
package transport

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// sslRequestCode is the version value that marks a startup frame as an
// SSLRequest (§4.1/§4.2). It is duplicated here (rather than importing
// internal/wire) to keep the transport package free of a dependency on the
// message vocabulary it is used to carry.
const sslRequestCode = 80877103

// Conn is the sum type over a plaintext or TLS-wrapped stream. Both the
// client-facing and backend-facing connections are represented by the same
// type so the rest of the proxy never has to branch on which one it holds.
type Conn struct {
	net.Conn
	reader *bufio.Reader
	tls    bool
}

// New wraps a freshly accepted or dialed net.Conn.
func New(c net.Conn) *Conn {
	return &Conn{Conn: c, reader: bufio.NewReader(c)}
}

// IsTLS reports whether the connection has been upgraded.
func (c *Conn) IsTLS() bool { return c.tls }

// Read satisfies io.Reader using the buffered reader so a single
// look-ahead byte (used by the TLS-sentinel probe) is never lost.
func (c *Conn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// ClientUpgradeResult describes the outcome of probing a client connection
// for a TLS upgrade request.
type ClientUpgradeResult struct {
	// Upgraded is true if the client requested and completed a TLS handshake.
	Upgraded bool
	// Conn is the connection to continue the session on: either the
	// original connection (no upgrade, or upgrade refused) or a new
	// *tls.Conn wrapper (upgrade accepted).
	Conn *Conn
}

// OfferClientTLS implements the client-side upgrade path of §4.2. The caller
// invokes it after the startup decode has already returned an SSLRequest;
// it reads nothing itself, and replies 'S' and performs the handshake, or
// replies 'N' to refuse when no TLS config is configured.
//
// The byte-sniffing described in §4.2 ("read one byte; if it is the
// TLS-request sentinel...") is performed at the wire-decode layer (an
// SSLRequest is a normal startup frame distinguished by its version field,
// not a bare sentinel byte read out-of-band) — this function performs the
// half that transport owns: the accept/refuse reply and handshake.
func (c *Conn) OfferClientTLS(cfg *tls.Config) (*ClientUpgradeResult, error) {
	if cfg == nil {
		if _, err := c.Conn.Write([]byte{'N'}); err != nil {
			return nil, fmt.Errorf("transport: writing TLS refusal: %w", err)
		}
		return &ClientUpgradeResult{Upgraded: false, Conn: c}, nil
	}

	if _, err := c.Conn.Write([]byte{'S'}); err != nil {
		return nil, fmt.Errorf("transport: writing TLS acceptance: %w", err)
	}

	tlsConn := tls.Server(c.Conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("transport: client TLS handshake failed: %w", err)
	}
	upgraded := &Conn{Conn: tlsConn, reader: bufio.NewReader(tlsConn), tls: true}
	return &ClientUpgradeResult{Upgraded: true, Conn: upgraded}, nil
}

// ProbeBackendTLS implements the backend-side upgrade path of §4.2: write
// the 8-byte SSLRequest frame, read one reply byte. On 'S', perform the
// client-side TLS handshake over the same socket. On anything else, the
// caller must re-open a fresh plaintext connection — the probe is defined
// to consume no bytes on the server beyond the single reply byte, but
// PostgreSQL servers that refuse SSL close the connection rather than
// continuing the startup on the same socket, so callers should treat a
// non-'S' reply as "redial plaintext".
func ProbeBackendTLS(conn net.Conn, tlsCfg *tls.Config) (*Conn, bool, error) {
	frame := make([]byte, 8)
	binary.BigEndian.PutUint32(frame[0:4], 8)
	binary.BigEndian.PutUint32(frame[4:8], sslRequestCode)
	if _, err := conn.Write(frame); err != nil {
		return nil, false, fmt.Errorf("transport: writing SSLRequest: %w", err)
	}

	reply := make([]byte, 1)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return nil, false, fmt.Errorf("transport: reading SSLRequest reply: %w", err)
	}

	if reply[0] != 'S' {
		return New(conn), false, nil
	}

	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, false, fmt.Errorf("transport: backend TLS handshake failed: %w", err)
	}
	return &Conn{Conn: tlsConn, reader: bufio.NewReader(tlsConn), tls: true}, true, nil
}
