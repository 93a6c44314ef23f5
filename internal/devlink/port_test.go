package devlink

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// fakePort is an in-memory serial port. Writes land in the peer's receive
// buffer; Read honours the read timeout by returning (0, nil) when idle.
type fakePort struct {
	mu      sync.Mutex
	rx      bytes.Buffer
	peer    *fakePort
	timeout time.Duration
	closed  bool
}

func newFakePort() *fakePort { return &fakePort{timeout: DefaultTimeout} }

// newPortPair returns two ports wired back to back.
func newPortPair() (*fakePort, *fakePort) {
	a, b := newFakePort(), newFakePort()
	a.peer, b.peer = b, a
	return a, b
}

func (p *fakePort) feed(data []byte) {
	p.mu.Lock()
	p.rx.Write(data)
	p.mu.Unlock()
}

func (p *fakePort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	deadline := time.Now().Add(p.timeout)
	p.mu.Unlock()
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, io.EOF
		}
		if p.rx.Len() > 0 {
			n, _ := p.rx.Read(buf)
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()
		if !time.Now().Before(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *fakePort) Write(data []byte) (int, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	if p.peer != nil {
		p.peer.feed(data)
	}
	return len(data), nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.timeout = t
	p.mu.Unlock()
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
