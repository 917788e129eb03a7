package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPTransport_SendReceiveRoundTrip(t *testing.T) {
	srv, err := NewUDPTransport("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer srv.Close()

	received := make(chan string, 1)
	srv.OnMessage(func(remoteAddr string, data []byte) {
		received <- string(data)
	})
	go srv.Listen()

	cli, err := NewUDPTransport("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Send(srv.LocalAddr().String(), []byte("OPTIONS sip:test SIP/2.0\r\n\r\n")))

	select {
	case msg := <-received:
		assert.Contains(t, msg, "OPTIONS")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for UDP message")
	}
}

func TestUDPTransport_RejectsOversizedPayload(t *testing.T) {
	srv, err := NewUDPTransport("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer srv.Close()

	big := make([]byte, 70000)
	err = srv.Send("127.0.0.1:1", big)
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestUDPTransport_ClosedRejectsSend(t *testing.T) {
	srv, err := NewUDPTransport("127.0.0.1:0", nil)
	require.NoError(t, err)
	require.NoError(t, srv.Close())

	err = srv.Send("127.0.0.1:1", []byte("x"))
	require.ErrorIs(t, err, ErrTransportClosed)
}
