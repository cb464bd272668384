// Package client implements the procd client-side connection: dialing a
// daemon's unixpacket socket, issuing requests, and pumping the
// unsolicited events (stdout/stderr data, status transitions) a session
// produces once attached to a process.
package client

import (
	"time"

	"github.com/behrlich/procd"
	"github.com/behrlich/procd/internal/errs"
	"github.com/behrlich/procd/internal/logging"
	"github.com/behrlich/procd/internal/supervisor"
	"github.com/behrlich/procd/internal/wire"
)

// wireConn is the Send/Recv/Close surface Connection needs from its
// transport. *wire.Conn satisfies it for a real daemon; testing.go's
// pipeConn satisfies it for in-memory tests.
type wireConn interface {
	Send(*procd.Message) error
	Recv() (*procd.Message, error)
	Close() error
}

// Callbacks are invoked as the attached process produces output or
// changes status. Any left nil are simply not called.
type Callbacks struct {
	OnStdout func([]byte)
	OnStderr func([]byte)
	OnExit   func(code int)
	OnKill   func(sig int)
}

// Connection is one client-side session: a dialed wire connection plus
// the request/reply bookkeeping and cached attached-process state.
type Connection struct {
	conn   wireConn
	nextID uint32

	lastCode errs.Code
	lastMsg  string

	processID string
	status    supervisor.Status
	exitCode  int

	// onReply, when set, decodes a successful reply's payload beyond a
	// bare OK; set for the duration of a single send() call by List.
	onReply replyHook

	Callbacks Callbacks
}

// replyHook decodes a successful (OK/ATTACHED) reply payload for a
// call that needs more than a bare acknowledgement.
type replyHook func(payload []byte) error

// Dial connects to a procd daemon listening on path and performs the
// HELLO handshake.
func Dial(path string) (*Connection, error) {
	conn, err := wire.Dial(path)
	if err != nil {
		return nil, err
	}
	c := &Connection{conn: conn}
	if err := c.hello(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func newConnection(conn wireConn) *Connection {
	return &Connection{conn: conn}
}

// Close closes the underlying transport.
func (c *Connection) Close() error {
	return c.conn.Close()
}

func (c *Connection) hello() error {
	b := wire.NewWriteBuffer(2)
	if err := b.WriteU16(procd.ProtoVersion); err != nil {
		return err
	}
	return c.send(procd.CmdHello, b.Bytes())
}

// Start asks the daemon to spawn path with argv and envp and attaches
// the connection to the resulting process.
func (c *Connection) Start(path string, argv, envp []string) error {
	b := wire.NewWriteBuffer(2 + len(path) + 2 + strArraySize(argv) + 2 + strArraySize(envp))
	if err := b.WriteStr(path); err != nil {
		return err
	}
	if err := b.WriteStrArray(argv); err != nil {
		return err
	}
	if err := b.WriteStrArray(envp); err != nil {
		return err
	}
	return c.send(procd.CmdStart, b.Bytes())
}

// Attach joins an already-running process by id.
func (c *Connection) Attach(id string) error {
	b := wire.NewWriteBuffer(2 + len(id))
	if err := b.WriteStr(id); err != nil {
		return err
	}
	return c.send(procd.CmdAttach, b.Bytes())
}

// List asks the daemon for a summary of every process it supervises.
func (c *Connection) List() ([]procd.ProcessInfo, error) {
	var result []procd.ProcessInfo
	orig := c.onReply
	c.onReply = func(payload []byte) error {
		infos, err := decodeList(payload)
		if err != nil {
			return err
		}
		result = infos
		return nil
	}
	defer func() { c.onReply = orig }()

	if err := c.send(procd.CmdList, nil); err != nil {
		return nil, err
	}
	return result, nil
}

// Kill sends sig to the process id supervises.
func (c *Connection) Kill(id string, sig int) error {
	b := wire.NewWriteBuffer(2 + len(id) + 4)
	if err := b.WriteStr(id); err != nil {
		return err
	}
	if err := b.WriteU32(uint32(sig)); err != nil {
		return err
	}
	return c.send(procd.CmdKill, b.Bytes())
}

// WriteStdin writes b to the attached process's stdin.
func (c *Connection) WriteStdin(b []byte) error {
	buf := wire.NewWriteBuffer(2 + 2 + len(b))
	if err := buf.WriteU16(uint16(procd.ChannelStdin)); err != nil {
		return err
	}
	if err := buf.WriteBuf(b); err != nil {
		return err
	}
	return c.send(procd.CmdData, buf.Bytes())
}

// CloseStdin signals end-of-input to the attached process's stdin by
// writing a zero-length DATA frame.
func (c *Connection) CloseStdin() error {
	return c.WriteStdin(nil)
}

// ProcessID returns the id of the process this connection is attached
// to, set by Start/Attach once ATTACHED has been observed.
func (c *Connection) ProcessID() string { return c.processID }

// Status returns the attached process's last-known status and code.
func (c *Connection) Status() (supervisor.Status, int) { return c.status, c.exitCode }

// LastError returns the code/message of the most recently observed
// ERROR reply or event, zero values if none has been seen.
func (c *Connection) LastError() (errs.Code, string) { return c.lastCode, c.lastMsg }

// send frames cmd/body under a fresh request id, sends it, and pumps
// messages until the matching reply (or a protocol error) arrives.
func (c *Connection) send(cmd procd.Cmd, body []byte) error {
	c.nextID++
	id := c.nextID
	if err := c.conn.Send(wire.NewRequest(id, cmd, body)); err != nil {
		return err
	}
	return c.pumpUntilReply(id)
}

func (c *Connection) pumpUntilReply(id uint32) error {
	for {
		msg, err := c.conn.Recv()
		if err != nil {
			return err
		}
		if msg.IsEvent() {
			c.dispatchEvent(msg)
			if msg.Cmd == procd.CmdAbort {
				return errs.New("client.pumpUntilReply", c.lastCode, c.lastMsg)
			}
			continue
		}
		if msg.ID != id {
			return errs.ProtocolMismatch("client.pumpUntilReply")
		}
		return c.handleReply(msg)
	}
}

func (c *Connection) handleReply(msg *procd.Message) error {
	switch msg.Cmd {
	case procd.CmdOK, procd.CmdAttached:
		if msg.Cmd == procd.CmdAttached {
			if err := c.latchAttached(msg.Payload); err != nil {
				return err
			}
		}
		if c.onReply != nil {
			return c.onReply(msg.Payload)
		}
		return nil
	case procd.CmdError:
		code, text, err := decodeError(msg.Payload)
		if err != nil {
			return err
		}
		c.lastCode, c.lastMsg = code, text
		return errs.New("client.send", code, text)
	default:
		return errs.ProtocolMismatch("client.handleReply")
	}
}

func (c *Connection) latchAttached(payload []byte) error {
	b := wire.NewBuffer(payload)
	id, err := b.ReadStr()
	if err != nil {
		return err
	}
	st, err := b.ReadU16()
	if err != nil {
		return err
	}
	code, err := b.ReadI32()
	if err != nil {
		return err
	}
	c.processID = id
	c.status = wireToStatus(procd.ProcessStatus(st))
	c.exitCode = int(code)
	return nil
}

// Poll drains and dispatches events for up to timeout, used while
// attached and not awaiting a reply. A reply-shaped message arriving
// here means the daemon and client have desynchronized.
func (c *Connection) Poll(timeout time.Duration) error {
	type result struct {
		msg *procd.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := c.conn.Recv()
		done <- result{msg, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		if !r.msg.IsEvent() {
			return errs.ProtocolMismatch("client.Poll")
		}
		c.dispatchEvent(r.msg)
		return nil
	case <-time.After(timeout):
		return nil
	}
}

func (c *Connection) dispatchEvent(msg *procd.Message) {
	switch msg.Cmd {
	case procd.CmdData:
		c.dispatchData(msg.Payload)
	case procd.CmdStatus:
		c.dispatchStatus(msg.Payload)
	case procd.CmdAttached:
		if err := c.latchAttached(msg.Payload); err != nil {
			logging.Warnf("client: bad ATTACHED event: %v", err)
		}
	case procd.CmdError:
		code, text, err := decodeError(msg.Payload)
		if err != nil {
			logging.Warnf("client: bad ERROR event: %v", err)
			return
		}
		c.lastCode, c.lastMsg = code, text
	case procd.CmdAbort:
		c.lastCode, c.lastMsg = errs.CodeIOError, "connection aborted by daemon"
	default:
		logging.Warnf("client: unexpected event %v", msg.Cmd)
	}
}

func (c *Connection) dispatchData(payload []byte) {
	b := wire.NewBuffer(payload)
	ch, err := b.ReadU16()
	if err != nil {
		logging.Warnf("client: bad DATA event: %v", err)
		return
	}
	data, err := b.ReadBuf()
	if err != nil {
		logging.Warnf("client: bad DATA event: %v", err)
		return
	}
	switch procd.Channel(ch) {
	case procd.ChannelStdout:
		if c.Callbacks.OnStdout != nil {
			c.Callbacks.OnStdout(data)
		}
	case procd.ChannelStderr:
		if c.Callbacks.OnStderr != nil {
			c.Callbacks.OnStderr(data)
		}
	default:
		logging.Warnf("client: DATA on unexpected channel %d", ch)
	}
}

func (c *Connection) dispatchStatus(payload []byte) {
	b := wire.NewBuffer(payload)
	st, err := b.ReadU16()
	if err != nil {
		logging.Warnf("client: bad STATUS event: %v", err)
		return
	}
	code, err := b.ReadI32()
	if err != nil {
		logging.Warnf("client: bad STATUS event: %v", err)
		return
	}
	c.status = wireToStatus(procd.ProcessStatus(st))
	c.exitCode = int(code)

	switch procd.ProcessStatus(st) {
	case procd.ProcessExit:
		if c.Callbacks.OnExit != nil {
			c.Callbacks.OnExit(int(code))
		}
	case procd.ProcessKill:
		if c.Callbacks.OnKill != nil {
			c.Callbacks.OnKill(int(code))
		}
	}
}

func wireToStatus(st procd.ProcessStatus) supervisor.Status {
	switch st {
	case procd.ProcessRun:
		return supervisor.Run
	case procd.ProcessExit:
		return supervisor.Exit
	case procd.ProcessKill:
		return supervisor.Kill
	default:
		return supervisor.Run
	}
}

func decodeError(payload []byte) (errs.Code, string, error) {
	b := wire.NewBuffer(payload)
	code, err := b.ReadStr()
	if err != nil {
		return "", "", err
	}
	msg, err := b.ReadStr()
	if err != nil {
		return "", "", err
	}
	return errs.Code(code), msg, nil
}

func decodeList(payload []byte) ([]procd.ProcessInfo, error) {
	b := wire.NewBuffer(payload)
	count, err := b.ReadU16()
	if err != nil {
		return nil, err
	}
	out := make([]procd.ProcessInfo, 0, count)
	for i := uint16(0); i < count; i++ {
		id, err := b.ReadStr()
		if err != nil {
			return nil, err
		}
		st, err := b.ReadU16()
		if err != nil {
			return nil, err
		}
		code, err := b.ReadI32()
		if err != nil {
			return nil, err
		}
		out = append(out, procd.ProcessInfo{ID: id, Status: procd.ProcessStatus(st), Code: int(code)})
	}
	return out, nil
}

func strArraySize(strs []string) int {
	size := 2
	for _, s := range strs {
		size += 2 + len(s)
	}
	return size
}
