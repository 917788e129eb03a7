package transport

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPTransport_SendReceiveRoundTrip(t *testing.T) {
	srv, err := NewTCPTransport("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer srv.Close()

	received := make(chan string, 1)
	srv.OnMessage(func(remoteAddr string, data []byte) {
		received <- string(data)
	})
	go srv.Listen()

	msg := "OPTIONS sip:test SIP/2.0\r\nContent-Length: 0\r\n\r\n"
	require.NoError(t, srv.Send(srv.LocalAddr().String(), []byte(msg)))

	select {
	case got := <-received:
		assert.Equal(t, msg, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for TCP message")
	}
}

func TestReadFramedMessage_RespectsContentLength(t *testing.T) {
	raw := "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
		"Content-Length: 5\r\n\r\nhelloNEXTFRAME"

	reader := bufio.NewReader(strings.NewReader(raw))
	data, err := readFramedMessage(reader)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "hello"))
	assert.False(t, strings.Contains(string(data), "NEXTFRAME"))
}

func TestReadFramedMessage_ZeroLengthBody(t *testing.T) {
	raw := "OPTIONS sip:bob@biloxi.com SIP/2.0\r\nContent-Length: 0\r\n\r\n"
	reader := bufio.NewReader(strings.NewReader(raw))
	data, err := readFramedMessage(reader)
	require.NoError(t, err)
	assert.Equal(t, raw, string(data))
}
