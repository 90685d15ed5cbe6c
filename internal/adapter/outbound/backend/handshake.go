package backend

import (
	"fmt"

	"github.com/jackc/pgproto3/v2"

	"github.com/rowguard/rowguard/internal/wire"
)

// CompleteClientHandshake tells the client that startup finished: an
// AuthenticationOk, the backend's process id/secret key (so the client can
// later issue a cancel request), every parameter status the real server
// reported, then ReadyForQuery — the same four-message sequence Teleport's
// postgres engine sends after a successful backend connect (§4.8.1).
func CompleteClientHandshake(client *wire.ClientCodec, conn *Conn) error {
	if err := client.Send(&pgproto3.AuthenticationOk{}); err != nil {
		return fmt.Errorf("backend: send AuthenticationOk: %w", err)
	}
	if err := client.Send(&pgproto3.BackendKeyData{ProcessID: conn.Hijacked.PID, SecretKey: conn.Hijacked.SecretKey}); err != nil {
		return fmt.Errorf("backend: send BackendKeyData: %w", err)
	}
	for name, value := range conn.ParameterStatuses {
		if err := client.Send(&pgproto3.ParameterStatus{Name: name, Value: value}); err != nil {
			return fmt.Errorf("backend: send ParameterStatus %s: %w", name, err)
		}
	}
	if err := client.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'}); err != nil {
		return fmt.Errorf("backend: send ReadyForQuery: %w", err)
	}
	return nil
}
