// Package backend dials the real PostgreSQL server a session is proxied
// to and carries out the startup handshake, handing back a hijacked raw
// connection the protocol handler relays against directly (§4.8.1).
package backend

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/jackc/pgconn"

	"github.com/rowguard/rowguard/internal/config"
)

// Conn is an established, authenticated backend connection. Hijacked.Conn is
// the raw socket, already past the startup/auth dance — the caller wraps it
// in an internal/wire.BackendCodec to send/receive frontend/backend messages
// through it, matching Teleport's engine.connect split of "use pgconn to do
// the auth dance, then hand the raw socket back".
type Conn struct {
	Hijacked          *pgconn.HijackedConn
	ParameterStatuses map[string]string
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	return c.Hijacked.Conn.Close()
}

// Connect dials cfg's target as rowguard's own configured service identity
// (cfg.TargetUsername/TargetPassword) against the database the CLIENT asked
// to connect to — the backend Startup carries the client's database but
// rowguard's own user, exactly as specified (§4.8.1): a session's backend
// identity is never the client's own credentials, only the database name
// passes through.
//
// pgconn.ConnectConfig does the MD5/cleartext/SASL-SCRAM-SHA-256 negotiation
// internally depending on what the server challenges with — rowguard never
// implements that state machine itself, matching the Teleport reference's
// own choice to delegate it to pgconn rather than hand-roll it (§4.8.1).
func Connect(ctx context.Context, cfg config.PostgresConfig, database string, tlsCfg *tls.Config) (*Conn, error) {
	connectConfig, err := buildConnectConfig(cfg, database, "rowguard", tlsCfg)
	if err != nil {
		return nil, err
	}

	conn, err := pgconn.ConnectConfig(ctx, connectConfig)
	if err != nil {
		return nil, fmt.Errorf("backend: connect to %s:%d: %w", cfg.TargetAddr, cfg.TargetPort, err)
	}

	hijacked, err := conn.Hijack()
	if err != nil {
		return nil, fmt.Errorf("backend: hijack connection: %w", err)
	}

	return &Conn{
		Hijacked:          hijacked,
		ParameterStatuses: hijacked.ParameterStatuses,
	}, nil
}

// ConnectAdmin dials the same backend as Connect but returns the live
// *pgconn.Conn unhijacked, for the dedicated information-schema side-channel
// (§4.8.2's "admin side-channel", kept distinct from the relayed session
// connection so schema introspection never interleaves with the client's
// own pipelined queries). pgconn's typed query helpers (ExecParams) are used
// directly here rather than going through internal/wire, since this
// connection never carries arbitrary client traffic.
func ConnectAdmin(ctx context.Context, cfg config.PostgresConfig, database string, tlsCfg *tls.Config) (*pgconn.Conn, error) {
	connectConfig, err := buildConnectConfig(cfg, database, "rowguard-admin", tlsCfg)
	if err != nil {
		return nil, err
	}
	conn, err := pgconn.ConnectConfig(ctx, connectConfig)
	if err != nil {
		return nil, fmt.Errorf("backend: connect admin channel to %s:%d: %w", cfg.TargetAddr, cfg.TargetPort, err)
	}
	return conn, nil
}

func buildConnectConfig(cfg config.PostgresConfig, database, applicationName string, tlsCfg *tls.Config) (*pgconn.Config, error) {
	connString := fmt.Sprintf("host=%s port=%d user=%s database=%s",
		cfg.TargetAddr, cfg.TargetPort, cfg.TargetUsername, database)
	connectConfig, err := pgconn.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("backend: parse connect config: %w", err)
	}
	connectConfig.Password = cfg.TargetPassword
	connectConfig.RuntimeParams["application_name"] = applicationName
	connectConfig.TLSConfig = tlsCfg
	return connectConfig, nil
}
