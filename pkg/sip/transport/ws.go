package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WSTransport carries SIP over a WebSocket framing (RFC 7118), one SIP
// message per WS text or binary frame. It never terminates TLS itself —
// wrap the listener in a TLSTransport's listener for "wss" if needed.
type WSTransport struct {
	listener  net.Listener
	localAddr net.Addr
	config    *Config
	handler   MessageHandler

	mu    sync.RWMutex
	conns map[string]*wsConn

	closed int32
	wg     sync.WaitGroup
}

// NewWSTransport listens for raw TCP connections and performs the WebSocket
// handshake itself (no net/http server in front), matching how gobwas/ws
// supports upgrading a bare net.Conn.
func NewWSTransport(addr string, config *Config) (*WSTransport, error) {
	if config == nil {
		config = DefaultConfig()
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen WS: %w", err)
	}

	return &WSTransport{
		listener:  listener,
		localAddr: listener.Addr(),
		config:    config,
		conns:     make(map[string]*wsConn),
	}, nil
}

func (t *WSTransport) Listen() error {
	for {
		netConn, err := t.listener.Accept()
		if err != nil {
			if !t.isOpen() {
				return nil
			}
			continue
		}
		go t.handshakeAndServe(netConn)
	}
}

func (t *WSTransport) handshakeAndServe(netConn net.Conn) {
	if _, err := ws.Upgrade(netConn); err != nil {
		netConn.Close()
		return
	}

	c := &wsConn{conn: netConn, isServer: true}

	t.mu.Lock()
	t.conns[netConn.RemoteAddr().String()] = c
	t.mu.Unlock()

	t.wg.Add(1)
	defer t.wg.Done()
	defer func() {
		c.Close()
		t.mu.Lock()
		delete(t.conns, netConn.RemoteAddr().String())
		t.mu.Unlock()
	}()

	for {
		if t.config.IdleTimeout > 0 {
			netConn.SetReadDeadline(time.Now().Add(time.Duration(t.config.IdleTimeout) * time.Second))
		}

		msg, op, err := wsutil.ReadClientData(netConn)
		if err != nil {
			return
		}
		if op == ws.OpClose {
			return
		}
		if (op == ws.OpText || op == ws.OpBinary) && t.handler != nil {
			t.handler(netConn.RemoteAddr().String(), msg)
		}
	}
}

// Send dials addr as a WebSocket client and writes one text frame; it does
// not pool outbound connections the way TCP does since SIP-over-WS UAs
// normally keep one long-lived connection that Dial establishes up front.
func (t *WSTransport) Send(addr string, data []byte) error {
	if !t.isOpen() {
		return ErrTransportClosed
	}

	t.mu.RLock()
	c, ok := t.conns[addr]
	t.mu.RUnlock()

	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		netConn, _, _, err := ws.DefaultDialer.Dial(ctx, "ws://"+addr)
		if err != nil {
			return fmt.Errorf("ws dial %s: %w", addr, err)
		}
		c = &wsConn{conn: netConn}

		t.mu.Lock()
		t.conns[addr] = c
		t.mu.Unlock()
	}

	return c.writeText(data)
}

func (t *WSTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}

	err := t.listener.Close()

	t.mu.Lock()
	for _, c := range t.conns {
		c.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

func (t *WSTransport) OnMessage(handler MessageHandler) { t.handler = handler }
func (t *WSTransport) Protocol() string                 { return "ws" }
func (t *WSTransport) LocalAddr() net.Addr              { return t.localAddr }

func (t *WSTransport) isOpen() bool { return atomic.LoadInt32(&t.closed) == 0 }

type wsConn struct {
	conn     net.Conn
	isServer bool
	wmu      sync.Mutex
}

// writeText writes one SIP message as a text frame. Server-accepted
// connections must send unmasked frames per RFC 6455 §5.1; only the client
// side of a dial masks its frames.
func (c *wsConn) writeText(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.isServer {
		return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
	}
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

func (c *wsConn) Close() error { return c.conn.Close() }
