package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	protocol string
	closed   bool
}

func (f *fakeTransport) Listen() error             { return nil }
func (f *fakeTransport) Send(string, []byte) error { return nil }
func (f *fakeTransport) Close() error              { f.closed = true; return nil }
func (f *fakeTransport) OnMessage(MessageHandler)  {}
func (f *fakeTransport) Protocol() string          { return f.protocol }
func (f *fakeTransport) LocalAddr() net.Addr       { return nil }

func TestManager_RegisterAndGet(t *testing.T) {
	m := NewManager()
	udp := &fakeTransport{protocol: "udp"}

	require.NoError(t, m.Register("udp", udp))

	got, ok := m.Get("UDP")
	require.True(t, ok)
	assert.Same(t, udp, got)

	require.Error(t, m.Register("udp", udp))
}

func TestManager_RouteMessage_DefaultsByScheme(t *testing.T) {
	m := NewManager()
	udp := &fakeTransport{protocol: "udp"}
	tlsT := &fakeTransport{protocol: "tls"}
	require.NoError(t, m.Register("udp", udp))
	require.NoError(t, m.Register("tls", tlsT))

	got, err := m.RouteMessage("sip:alice@atlanta.com")
	require.NoError(t, err)
	assert.Equal(t, "udp", got.Protocol())

	got, err = m.RouteMessage("sips:alice@atlanta.com")
	require.NoError(t, err)
	assert.Equal(t, "tls", got.Protocol())
}

func TestManager_RouteMessage_ExplicitTransportParam(t *testing.T) {
	m := NewManager()
	tcpT := &fakeTransport{protocol: "tcp"}
	require.NoError(t, m.Register("tcp", tcpT))

	got, err := m.RouteMessage("sip:alice@atlanta.com;transport=tcp")
	require.NoError(t, err)
	assert.Equal(t, "tcp", got.Protocol())
}

func TestManager_Close_ClosesAllTransports(t *testing.T) {
	m := NewManager()
	udp := &fakeTransport{protocol: "udp"}
	require.NoError(t, m.Register("udp", udp))

	require.NoError(t, m.Close())
	assert.True(t, udp.closed)
}
