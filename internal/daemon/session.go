package daemon

import (
	"context"
	"io"
	"os"
	"syscall"

	"github.com/behrlich/procd"
	"github.com/behrlich/procd/internal/errs"
	"github.com/behrlich/procd/internal/logging"
	"github.com/behrlich/procd/internal/reactor"
	"github.com/behrlich/procd/internal/supervisor"
	"github.com/behrlich/procd/internal/wire"
)

// Session is one accepted connection: a protocol state machine that
// dispatches incoming commands and, once attached to a process,
// forwards its output and status as events.
type Session struct {
	daemon     *Daemon
	conn       *wire.Conn
	pollFile   *os.File
	descriptor *reactor.Descriptor

	version  uint16
	attached *supervisor.Process
}

func newSession(d *Daemon, conn *wire.Conn, pollFile *os.File) *Session {
	return &Session{daemon: d, conn: conn, pollFile: pollFile}
}

// handlerFunc is the shape of a command handler: given the full
// request message, it returns the reply payload (nil for no payload)
// or an error to be sent back as an ERROR frame.
type handlerFunc func(s *Session, req *procd.Message) (procd.Cmd, []byte, error)

var handlers = map[procd.Cmd]handlerFunc{
	procd.CmdHello:  (*Session).handleHello,
	procd.CmdStart:  (*Session).handleStart,
	procd.CmdAttach: (*Session).handleAttach,
	procd.CmdData:   (*Session).handleData,
	procd.CmdKill:   (*Session).handleKill,
	procd.CmdList:   (*Session).handleList,
}

// onReadable is the reactor callback for this session's fd: it drains
// every message currently pending (TryRecv never blocks) and
// dispatches each, stopping as soon as nothing more is buffered.
func (s *Session) onReadable(_ int, _ bool) error {
	for {
		msg, ok, err := s.conn.TryRecv()
		if err != nil {
			if err == io.EOF {
				s.disconnect()
				return nil
			}
			logging.Warnf("daemon: session recv: %v", err)
			s.disconnect()
			return nil
		}
		if !ok {
			return nil
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(req *procd.Message) {
	h, ok := handlers[req.Cmd]
	if !ok {
		s.reply(req, errs.NotSupported("daemon.dispatch"))
		return
	}

	replyCmd, payload, err := h(s, req)
	if err != nil {
		s.reply(req, err)
		return
	}
	if err := s.conn.Send(wire.NewReply(req, replyCmd, payload)); err != nil {
		s.abortAndDisconnect(err)
	}
}

func (s *Session) reply(req *procd.Message, err error) {
	code, msg := errs.CodeIOError, err.Error()
	var pe *errs.Error
	if ok := asStructured(err, &pe); ok {
		code, msg = pe.Code, pe.Msg
	}

	b := wire.NewWriteBuffer(2 + len(code) + 2 + len(msg))
	if werr := b.WriteStr(string(code)); werr != nil {
		logging.Errorf("daemon: encoding error reply: %v", werr)
		return
	}
	if werr := b.WriteStr(msg); werr != nil {
		logging.Errorf("daemon: encoding error reply: %v", werr)
		return
	}
	if serr := s.conn.Send(wire.NewReply(req, procd.CmdError, b.Bytes())); serr != nil {
		s.abortAndDisconnect(serr)
	}
}

func asStructured(err error, target **errs.Error) bool {
	if pe, ok := err.(*errs.Error); ok {
		*target = pe
		return true
	}
	return false
}

func (s *Session) abortAndDisconnect(cause error) {
	logging.Warnf("daemon: session send failed, aborting: %v", cause)
	_ = s.conn.Send(wire.NewEvent(procd.CmdAbort, nil))
	s.disconnect()
}

// disconnect detaches from any attached process, deregisters from the
// reactor, and closes the socket. Called from within the reactor's
// dispatch walk (via onReadable), which is safe since Reactor.Remove
// tolerates mid-walk removal.
func (s *Session) disconnect() {
	if s.attached != nil {
		s.attached.Detach(s)
		s.attached = nil
	}
	if s.descriptor != nil {
		s.daemon.reactor.Remove(s.descriptor)
	}
	if s.pollFile != nil {
		s.pollFile.Close()
	}
	s.conn.Close()
	s.daemon.removeSession(s)
}

func (s *Session) handleHello(req *procd.Message) (procd.Cmd, []byte, error) {
	b := wire.NewBuffer(req.Payload)
	version, err := b.ReadU16()
	if err != nil {
		return 0, nil, err
	}
	s.version = version
	return procd.CmdOK, nil, nil
}

func (s *Session) handleStart(req *procd.Message) (procd.Cmd, []byte, error) {
	if s.attached != nil {
		return 0, nil, errs.Already("daemon.handleStart")
	}

	b := wire.NewBuffer(req.Payload)
	path, err := b.ReadStr()
	if err != nil {
		return 0, nil, err
	}
	argv, err := b.ReadStrArray()
	if err != nil {
		return 0, nil, err
	}
	envp, err := b.ReadStrArray()
	if err != nil {
		return 0, nil, err
	}

	p, err := s.daemon.Spawn(context.Background(), path, argv, envp)
	if err != nil {
		return 0, nil, err
	}

	p.Attach(s)
	s.attached = p

	return procd.CmdAttached, s.encodeAttached(p), nil
}

func (s *Session) handleAttach(req *procd.Message) (procd.Cmd, []byte, error) {
	if s.attached != nil {
		return 0, nil, errs.Already("daemon.handleAttach")
	}

	b := wire.NewBuffer(req.Payload)
	id, err := b.ReadStr()
	if err != nil {
		return 0, nil, err
	}

	p, ok := s.daemon.reg.Lookup(id)
	if !ok {
		return 0, nil, errs.NotFound("daemon.handleAttach")
	}

	p.Attach(s)
	s.attached = p

	return procd.CmdAttached, s.encodeAttached(p), nil
}

func (s *Session) encodeAttached(p *supervisor.Process) []byte {
	st, code := p.Status()
	b := wire.NewWriteBuffer(2 + len(p.ID) + 2 + 4)
	_ = b.WriteStr(p.ID)
	_ = b.WriteU16(uint16(wireStatus(st)))
	_ = b.WriteI32(int32(code))
	return b.Bytes()
}

func (s *Session) handleData(req *procd.Message) (procd.Cmd, []byte, error) {
	if s.attached == nil {
		return 0, nil, errs.NotAttached("daemon.handleData")
	}

	b := wire.NewBuffer(req.Payload)
	ch, err := b.ReadU16()
	if err != nil {
		return 0, nil, err
	}
	if procd.Channel(ch) != procd.ChannelStdin {
		return 0, nil, errs.BadChannel("daemon.handleData")
	}
	payload, err := b.ReadBuf()
	if err != nil {
		return 0, nil, err
	}

	if err := s.attached.WriteStdin(payload); err != nil {
		return 0, nil, err
	}
	s.daemon.metrics.BytesIn(len(payload))
	return procd.CmdOK, nil, nil
}

// handleKill looks its target up by id in the registry rather than
// requiring this session to already be attached to it: kill is
// routinely issued from a different connection than the one that
// started or attached the process (the attached session observes the
// resulting STATUS event itself).
func (s *Session) handleKill(req *procd.Message) (procd.Cmd, []byte, error) {
	b := wire.NewBuffer(req.Payload)
	id, err := b.ReadStr()
	if err != nil {
		return 0, nil, err
	}
	sig, err := b.ReadU32()
	if err != nil {
		return 0, nil, err
	}

	p, ok := s.daemon.reg.Lookup(id)
	if !ok {
		return 0, nil, errs.NotFound("daemon.handleKill")
	}

	if err := p.Kill(syscall.Signal(sig)); err != nil {
		return 0, nil, err
	}
	return procd.CmdOK, nil, nil
}

func (s *Session) handleList(req *procd.Message) (procd.Cmd, []byte, error) {
	procs := s.daemon.reg.List()

	b := wire.NewWriteBuffer(listPayloadSize(procs))
	if err := b.WriteU16(uint16(len(procs))); err != nil {
		return 0, nil, err
	}
	for _, p := range procs {
		st, code := p.Status()
		if err := b.WriteStr(p.ID); err != nil {
			return 0, nil, err
		}
		if err := b.WriteU16(uint16(wireStatus(st))); err != nil {
			return 0, nil, err
		}
		if err := b.WriteI32(int32(code)); err != nil {
			return 0, nil, err
		}
	}
	return procd.CmdOK, b.Bytes(), nil
}

func listPayloadSize(procs []*supervisor.Process) int {
	size := 2
	for _, p := range procs {
		size += 2 + len(p.ID) + 2 + 4
	}
	return size
}

// OnData satisfies supervisor.Consumer: relay output as a DATA event.
func (s *Session) OnData(ch procd.Channel, data []byte) {
	b := wire.NewWriteBuffer(2 + 2 + len(data))
	_ = b.WriteU16(uint16(ch))
	_ = b.WriteBuf(data)

	if err := s.conn.Send(wire.NewEvent(procd.CmdData, b.Bytes())); err != nil {
		s.abortAndDisconnect(err)
		return
	}

	switch ch {
	case procd.ChannelStdout:
		s.daemon.metrics.BytesOutStdoutAdd(len(data))
	case procd.ChannelStderr:
		s.daemon.metrics.BytesOutStderrAdd(len(data))
	}
}

// OnStatus satisfies supervisor.Consumer: relay a status transition as
// a STATUS event.
func (s *Session) OnStatus(st supervisor.Status, code int) {
	b := wire.NewWriteBuffer(2 + 4)
	_ = b.WriteU16(uint16(wireStatus(st)))
	_ = b.WriteI32(int32(code))

	if err := s.conn.Send(wire.NewEvent(procd.CmdStatus, b.Bytes())); err != nil {
		s.abortAndDisconnect(err)
	}
}
