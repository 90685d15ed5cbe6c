package transport

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOfferClientTLS_NoConfigRefuses(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1)
		_, err := client.Read(buf)
		require.NoError(t, err)
		require.Equal(t, byte('N'), buf[0])
	}()

	conn := New(server)
	result, err := conn.OfferClientTLS(nil)
	require.NoError(t, err)
	require.False(t, result.Upgraded)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for refusal byte")
	}
}

func TestProbeBackendTLS_NonSReplyLeavesPlaintext(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 8)
		_, _ = client.Read(buf) // consume SSLRequest frame
		_, _ = client.Write([]byte{'N'})
	}()

	conn, upgraded, err := ProbeBackendTLS(server, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	require.False(t, upgraded)
	require.False(t, conn.IsTLS())
}
