package wire

import (
	"io"
	"net"

	"golang.org/x/sys/unix"

	"github.com/behrlich/procd"
	"github.com/behrlich/procd/internal/errs"
)

// Conn is one procd connection: a message-preserving unixpacket
// (SOCK_SEQPACKET) socket, sending and receiving exactly one protocol
// message per underlying datagram. The codec performs no reassembly —
// unixpacket preserves message boundaries for us.
type Conn struct {
	uc *net.UnixConn
}

// NewConn wraps an already-established *net.UnixConn dialed or accepted
// on network "unixpacket".
func NewConn(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc}
}

// Dial connects to a procd unixpacket listener at path.
func Dial(path string) (*Conn, error) {
	uc, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, errs.Wrap("wire.Dial", err)
	}
	return NewConn(uc), nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.uc.Close()
}

// Send writes one full message in a single send(2), as required by the
// message-preserving transport. A short write is a terminal error.
func (c *Conn) Send(msg *procd.Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	n, err := c.uc.Write(frame)
	if err != nil {
		return errs.Wrap("wire.Send", err)
	}
	if n != len(frame) {
		return errs.TruncatedSend("wire.Send")
	}
	return nil
}

// TryRecv reads one message without blocking: if no datagram is
// currently pending it returns ok == false rather than waiting,
// suitable for draining every message already buffered on a socket a
// reactor has reported readable without stalling the reactor's single
// goroutine on the next, not-yet-arrived message.
func (c *Conn) TryRecv() (msg *procd.Message, ok bool, err error) {
	buf := make([]byte, procd.MaxFrameSize)

	n, truncated, ready, err := c.recvOnce(buf)
	if err != nil {
		return nil, false, errs.Wrap("wire.TryRecv", err)
	}
	if !ready {
		return nil, false, nil
	}
	if n == 0 {
		return nil, true, io.EOF
	}
	if truncated {
		return nil, true, errs.FrameTooLarge("wire.TryRecv")
	}
	msg, err = Decode(buf[:n])
	return msg, true, err
}

// Recv reads one message, waiting for one to arrive if none is
// currently pending. A zero-length receive means the peer closed the
// connection (io.EOF); a receive that the kernel reports as truncated
// (more data available than our buffer held) is a terminal
// FRAME_TOO_LARGE error, not reassembled.
func (c *Conn) Recv() (*procd.Message, error) {
	for {
		msg, ok, err := c.TryRecv()
		if err != nil {
			return nil, err
		}
		if ok {
			return msg, nil
		}
		if werr := c.waitReadable(); werr != nil {
			return nil, errs.Wrap("wire.Recv", werr)
		}
	}
}

// waitReadable blocks, via the runtime poller, until the socket has
// data to read (or an error) without consuming it.
func (c *Conn) waitReadable() error {
	raw, err := c.uc.SyscallConn()
	if err != nil {
		return err
	}
	var werr error
	ctrlErr := raw.Read(func(fd uintptr) bool {
		var one [1]byte
		n, _, rflag, _, rerr := unix.Recvmsg(int(fd), one[:], nil, unix.MSG_PEEK)
		if rerr == unix.EAGAIN {
			return false
		}
		_ = n
		_ = rflag
		werr = rerr
		return true
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return werr
}

// recvOnce performs a single non-blocking recvmsg(2) with MSG_TRUNC so
// a datagram larger than buf can be detected rather than silently
// truncated. ready is false when nothing was pending (EAGAIN).
func (c *Conn) recvOnce(buf []byte) (n int, truncated, ready bool, err error) {
	raw, err := c.uc.SyscallConn()
	if err != nil {
		return 0, false, false, err
	}

	var (
		rn    int
		rflag int
		rerr  error
	)
	ctrlErr := raw.Read(func(fd uintptr) bool {
		rn, _, rflag, _, rerr = unix.Recvmsg(int(fd), buf, nil, unix.MSG_TRUNC|unix.MSG_DONTWAIT)
		return true
	})
	if ctrlErr != nil {
		return 0, false, false, ctrlErr
	}
	if rerr == unix.EAGAIN {
		return 0, false, false, nil
	}
	if rerr != nil {
		return 0, false, false, rerr
	}
	return rn, rflag&unix.MSG_TRUNC != 0, true, nil
}
