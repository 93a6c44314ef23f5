// Package conn is the TCP connection layer shared by the orchestrator and
// the hardware control server: one Conn per accepted peer with blocking and
// deadline-bounded receives.
package conn

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"servis-go/internal/envelope"
	"servis-go/internal/protocol"
)

// FrameTimeout bounds how long the remainder of a frame may take once its
// first byte has arrived.
const FrameTimeout = 30 * time.Second

// Listener accepts inbound connections.
type Listener struct {
	ln     net.Listener
	closed atomic.Bool
}

// Listen opens a TCP listener on addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("conn: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks until a peer connects or the listener is closed, in which
// case net.ErrClosed is returned.
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if l.closed.Load() {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	return New(c), nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops the listener, unblocking Accept.
func (l *Listener) Close() error {
	l.closed.Store(true)
	return l.ln.Close()
}

// Conn is one peer connection.
type Conn struct {
	c         net.Conn
	r         *bufio.Reader
	writeMu   sync.Mutex
	connected atomic.Bool
	closeOnce sync.Once
}

// New wraps an established net.Conn.
func New(c net.Conn) *Conn {
	cn := &Conn{c: c, r: bufio.NewReader(c)}
	cn.connected.Store(true)
	return cn
}

// Dial connects to addr.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("conn: dial %s: %w", addr, err)
	}
	return New(c), nil
}

// Connected reports whether the peer is still believed to be there.
func (c *Conn) Connected() bool { return c.connected.Load() }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.c.RemoteAddr().String() }

// Send writes all of p.
func (c *Conn) Send(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.c.Write(p); err != nil {
		c.connected.Store(false)
		return fmt.Errorf("conn: send: %w", err)
	}
	return nil
}

// Recv blocks until some bytes arrive. A zero-byte read or EOF marks the
// connection as no longer connected.
func (c *Conn) Recv(buf []byte) (int, error) {
	if err := c.c.SetReadDeadline(time.Time{}); err != nil {
		return 0, c.fail(err)
	}
	return c.recv(buf)
}

// RecvTimeout is Recv bounded by d. Expiry returns protocol.ErrTimeout and
// leaves the connection usable.
func (c *Conn) RecvTimeout(buf []byte, d time.Duration) (int, error) {
	if err := c.c.SetReadDeadline(time.Now().Add(d)); err != nil {
		return 0, c.fail(err)
	}
	return c.recv(buf)
}

func (c *Conn) recv(buf []byte) (int, error) {
	n, err := c.r.Read(buf)
	if n > 0 {
		return n, nil
	}
	if isTimeout(err) {
		return 0, protocol.ErrTimeout
	}
	if err == nil {
		err = io.EOF
	}
	return 0, c.fail(err)
}

// ReadEnvelope waits up to timeout for the next frame to start and then
// decodes it. Decode failures (unknown variant, oversize body) leave the
// stream aligned; I/O failures mark the connection dead.
func (c *Conn) ReadEnvelope(timeout time.Duration) (envelope.Envelope, error) {
	if err := c.c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return envelope.Envelope{}, c.fail(err)
	}
	if _, err := c.r.Peek(1); err != nil {
		if isTimeout(err) {
			return envelope.Envelope{}, protocol.ErrTimeout
		}
		return envelope.Envelope{}, c.fail(err)
	}

	if err := c.c.SetReadDeadline(time.Now().Add(FrameTimeout)); err != nil {
		return envelope.Envelope{}, c.fail(err)
	}
	env, err := envelope.Read(c.r)
	if err != nil && !protocol.IsDropped(err) {
		return envelope.Envelope{}, c.fail(err)
	}
	return env, err
}

// WriteEnvelope encodes env and sends it as one frame.
func (c *Conn) WriteEnvelope(env envelope.Envelope) error {
	body, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := envelope.WriteFrame(c.c, body); err != nil {
		c.connected.Store(false)
		return fmt.Errorf("conn: write envelope: %w", err)
	}
	return nil
}

// Close closes the connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		err = c.c.Close()
	})
	return err
}

func (c *Conn) fail(err error) error {
	c.connected.Store(false)
	if errors.Is(err, io.EOF) {
		return err
	}
	return fmt.Errorf("conn: %w", err)
}

func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
