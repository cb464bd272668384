package client

import (
	"io"
	"sync"

	"github.com/behrlich/procd"
)

// pipeConn is an in-memory wireConn backed by two message queues: every
// Send on one end becomes a Recv on the other. It mirrors the
// Send/Recv/Close surface of *wire.Conn so tests can drive a full
// Connection/Session exchange without a real unixpacket socket.
type pipeConn struct {
	out chan *procd.Message
	in  chan *procd.Message

	mu     sync.Mutex
	closed bool
}

// newPipePair returns two pipeConns wired to each other: messages sent
// on a are received on b and vice versa.
func newPipePair() (a, b *pipeConn) {
	ab := make(chan *procd.Message, 16)
	ba := make(chan *procd.Message, 16)
	a = &pipeConn{out: ab, in: ba}
	b = &pipeConn{out: ba, in: ab}
	return a, b
}

func (p *pipeConn) Send(msg *procd.Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return io.ErrClosedPipe
	}
	p.out <- msg
	return nil
}

func (p *pipeConn) Recv() (*procd.Message, error) {
	msg, ok := <-p.in
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (p *pipeConn) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.out)
	return nil
}

// NewTestConnection returns a *Connection backed by an in-memory pipe,
// plus the peer end (a wireConn) for a test's fake daemon/session side
// to Send/Recv against directly. No HELLO handshake is performed; the
// caller drives that over the returned peer if it wants one.
func NewTestConnection() (conn *Connection, peer *pipeConn) {
	a, b := newPipePair()
	return newConnection(a), b
}
