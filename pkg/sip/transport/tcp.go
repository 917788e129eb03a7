package transport

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// TCPTransport implements stream-framed TCP transport for SIP (RFC 3261 §18).
// Each accepted or dialed connection is read independently; messages are
// delimited by Content-Length the way the UAs in this stack always send it.
type TCPTransport struct {
	listener  net.Listener
	localAddr net.Addr
	config    *Config
	handler   MessageHandler

	mu    sync.RWMutex
	conns map[string]*tcpConn

	closed int32 // atomic
	wg     sync.WaitGroup
}

// NewTCPTransport creates a new TCP transport bound to addr once Listen runs.
func NewTCPTransport(addr string, config *Config) (*TCPTransport, error) {
	if config == nil {
		config = DefaultConfig()
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen TCP: %w", err)
	}

	return &TCPTransport{
		listener:  listener,
		localAddr: listener.Addr(),
		config:    config,
		conns:     make(map[string]*tcpConn),
	}, nil
}

// Listen accepts connections until Close is called.
func (t *TCPTransport) Listen() error {
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

func (t *TCPTransport) adopt(netConn net.Conn) *tcpConn {
	if t.config.TCPNoDelay {
		if tc, ok := netConn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
	}
	if t.config.TCPKeepAlive {
		if tc, ok := netConn.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
		}
	}

	c := &tcpConn{conn: netConn, reader: bufio.NewReader(netConn)}

	t.mu.Lock()
	t.conns[netConn.RemoteAddr().String()] = c
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(c)
	return c
}

func (t *TCPTransport) readLoop(c *tcpConn) {
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

// Send writes data to addr, reusing an existing connection if one is open
// and dialing a new one otherwise (RFC 3261 §18.2.2's connection reuse).
func (t *TCPTransport) Send(addr string, data []byte) error {
	if !t.isOpen() {
		return ErrTransportClosed
	}

	t.mu.RLock()
	c, ok := t.conns[addr]
	t.mu.RUnlock()

	if !ok {
		netConn, err := net.DialTimeout("tcp", addr, 10*time.Second)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		c = t.adopt(netConn)
	}

	if t.config.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(time.Duration(t.config.WriteTimeout) * time.Second))
	}
	return c.write(data)
}

// Close shuts down the listener and every open connection.
func (t *TCPTransport) Close() error {
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

func (t *TCPTransport) OnMessage(handler MessageHandler) { t.handler = handler }
func (t *TCPTransport) Protocol() string                 { return "tcp" }
func (t *TCPTransport) LocalAddr() net.Addr              { return t.localAddr }

func (t *TCPTransport) isOpen() bool { return atomic.LoadInt32(&t.closed) == 0 }

// tcpConn is one framed TCP connection, serialized for concurrent writers.
type tcpConn struct {
	conn   net.Conn
	reader *bufio.Reader
	wmu    sync.Mutex
	closed atomic.Bool
}

func (c *tcpConn) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write(data)
	return err
}

func (c *tcpConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// readFramedMessage reads one SIP message off a stream transport: headers
// terminated by an empty line, then exactly Content-Length body bytes.
func readFramedMessage(reader *bufio.Reader) ([]byte, error) {
	var message []byte
	contentLength := 0

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		message = append(message, line...)

		trimmed := trimCRLF(line)
		if len(trimmed) == 0 {
			break
		}
		if name, value, ok := splitHeaderLine(trimmed); ok && equalFoldHeader(name, "Content-Length", "l") {
			if n, err := strconv.Atoi(value); err == nil {
				contentLength = n
			}
		}
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := readFull(reader, body); err != nil {
			return nil, err
		}
		message = append(message, body...)
	}

	return message, nil
}

func trimCRLF(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

func splitHeaderLine(line []byte) (name, value string, ok bool) {
	for i, b := range line {
		if b == ':' {
			return string(trimSpaceBytes(line[:i])), string(trimSpaceBytes(line[i+1:])), true
		}
	}
	return "", "", false
}

func trimSpaceBytes(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

func equalFoldHeader(name string, candidates ...string) bool {
	for _, c := range candidates {
		if len(name) == len(c) {
			match := true
			for i := 0; i < len(name); i++ {
				a, b := name[i], c[i]
				if 'A' <= a && a <= 'Z' {
					a += 'a' - 'A'
				}
				if 'A' <= b && b <= 'Z' {
					b += 'a' - 'A'
				}
				if a != b {
					match = false
					break
				}
			}
			if match {
				return true
			}
		}
	}
	return false
}

func readFull(reader *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := reader.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
