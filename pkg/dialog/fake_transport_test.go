package dialog

import (
	"net"
	"sync"

	"github.com/arzzra/voicecore/pkg/sip/transport"
)

// fakeTransport is a transport.Transport double recording every Send, used
// to drive Stack/Dialog tests without a real UDP socket (transport.UDPTransport
// binds a real net.ListenUDP and has no pluggable net.PacketConn, so it can't
// be used here).
type fakeTransport struct {
	protocol string

	mu   sync.Mutex
	sent [][]byte

	handler transport.MessageHandler
}

func newFakeTransport(protocol string) *fakeTransport {
	return &fakeTransport{protocol: protocol}
}

func (f *fakeTransport) Listen() error { return nil }

func (f *fakeTransport) Send(addr string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) OnMessage(h transport.MessageHandler) { f.handler = h }

func (f *fakeTransport) Protocol() string { return f.protocol }

func (f *fakeTransport) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5060}
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return string(f.sent[len(f.sent)-1])
}
