package transport

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TLSTransport is a TCPTransport variant that terminates TLS on accept and
// dial, reusing the same framed-message read loop (RFC 3261 §18 over SIPS).
type TLSTransport struct {
	listener  net.Listener
	localAddr net.Addr
	config    *Config
	tlsConfig *tls.Config
	handler   MessageHandler

	mu    sync.RWMutex
	conns map[string]*tcpConn

	closed int32
	wg     sync.WaitGroup
}

// NewTLSTransport creates a new TLS transport. A nil tlsConfig falls back to
// a minimal TLS 1.2-floor configuration.
func NewTLSTransport(addr string, config *Config, tlsConfig *tls.Config) (*TLSTransport, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	listener, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to listen TLS: %w", err)
	}

	return &TLSTransport{
		listener:  listener,
		localAddr: listener.Addr(),
		config:    config,
		tlsConfig: tlsConfig,
		conns:     make(map[string]*tcpConn),
	}, nil
}

func (t *TLSTransport) Listen() error {
	for {
		netConn, err := t.listener.Accept()
		if err != nil {
			if !t.isOpen() {
				return nil
			}
			continue
		}
		t.adopt(netConn)
	}
}

func (t *TLSTransport) adopt(netConn net.Conn) *tcpConn {
	c := &tcpConn{conn: netConn, reader: bufio.NewReader(netConn)}

	t.mu.Lock()
	t.conns[netConn.RemoteAddr().String()] = c
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(c)
	return c
}

func (t *TLSTransport) readLoop(c *tcpConn) {
	defer t.wg.Done()
	defer func() {
		c.Close()
		t.mu.Lock()
		delete(t.conns, c.conn.RemoteAddr().String())
		t.mu.Unlock()
	}()

	for {
		if t.config.IdleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(time.Duration(t.config.IdleTimeout) * time.Second))
		}
		data, err := readFramedMessage(c.reader)
		if err != nil {
			return
		}
		if t.handler != nil {
			t.handler(c.conn.RemoteAddr().String(), data)
		}
	}
}

func (t *TLSTransport) Send(addr string, data []byte) error {
	if !t.isOpen() {
		return ErrTransportClosed
	}

	t.mu.RLock()
	c, ok := t.conns[addr]
	t.mu.RUnlock()

	if !ok {
		netConn, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", addr, t.tlsConfig)
		if err != nil {
			return fmt.Errorf("tls dial %s: %w", addr, err)
		}
		c = t.adopt(netConn)
	}

	if t.config.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(time.Duration(t.config.WriteTimeout) * time.Second))
	}
	return c.write(data)
}

func (t *TLSTransport) Close() error {
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

func (t *TLSTransport) OnMessage(handler MessageHandler) { t.handler = handler }
func (t *TLSTransport) Protocol() string                 { return "tls" }
func (t *TLSTransport) LocalAddr() net.Addr              { return t.localAddr }

func (t *TLSTransport) isOpen() bool { return atomic.LoadInt32(&t.closed) == 0 }
