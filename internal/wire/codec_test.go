package wire

import (
	"net"
	"testing"
	"time"

	"github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/require"
)

func TestClientCodec_ReceiveStartup_SSLRequest(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		fe := pgproto3.NewFrontend(pgproto3.NewChunkReader(clientConn), clientConn)
		fe.Send(&pgproto3.SSLRequest{})
		_ = fe.Flush()
	}()

	codec := NewClientCodec(serverConn, serverConn)
	msg, err := codec.ReceiveStartup()
	require.NoError(t, err)
	_, ok := msg.(*pgproto3.SSLRequest)
	require.True(t, ok, "expected SSLRequest, got %T", msg)
}

func TestClientCodec_ReceiveStartup_StartupMessage(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		fe := pgproto3.NewFrontend(pgproto3.NewChunkReader(clientConn), clientConn)
		fe.Send(&pgproto3.StartupMessage{
			ProtocolVersion: pgproto3.ProtocolVersionNumber,
			Parameters:      map[string]string{"user": "alice", "database": "appdb"},
		})
		_ = fe.Flush()
	}()

	codec := NewClientCodec(serverConn, serverConn)
	msg, err := codec.ReceiveStartup()
	require.NoError(t, err)
	sm, ok := msg.(*pgproto3.StartupMessage)
	require.True(t, ok)
	require.Equal(t, "alice", sm.Parameters["user"])
	require.Equal(t, "appdb", sm.Parameters["database"])
}

func TestMessage_IsQuery_And_QueryText(t *testing.T) {
	msg := NewClientMessage(&pgproto3.Query{String: "SELECT 1"})
	require.True(t, msg.IsQuery())
	require.Equal(t, "SELECT 1", msg.QueryText())

	parse := NewClientMessage(&pgproto3.Parse{Name: "s1", Query: "SELECT 2"})
	require.True(t, parse.IsQuery())
	require.Equal(t, "SELECT 2", parse.QueryText())

	sync := NewClientMessage(&pgproto3.Sync{})
	require.False(t, sync.IsQuery())
}

func TestMessage_WithRewrittenText_PreservesParseFields(t *testing.T) {
	msg := NewClientMessage(&pgproto3.Parse{Name: "s1", Query: "SELECT * FROM kids", ParameterOIDs: []uint32{23}})
	rewritten := msg.WithRewrittenText("SELECT NULL AS \"phone\" FROM kids")

	p, ok := rewritten.(*pgproto3.Parse)
	require.True(t, ok)
	require.Equal(t, "s1", p.Name)
	require.Equal(t, []uint32{23}, p.ParameterOIDs)
	require.Equal(t, "SELECT NULL AS \"phone\" FROM kids", p.Query)
}

func TestClientBackendCodec_RoundTrip_SimpleQuery(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		codec := NewClientCodec(serverConn, serverConn)
		m, err := codec.Receive()
		require.NoError(t, err)
		require.True(t, m.IsQuery())
		require.Equal(t, "SELECT 1", m.QueryText())
	}()

	fe := pgproto3.NewFrontend(pgproto3.NewChunkReader(clientConn), clientConn)
	fe.Send(&pgproto3.Query{String: "SELECT 1"})
	require.NoError(t, fe.Flush())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for receive")
	}
}
