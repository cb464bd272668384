// Package supervisor implements the process state machine: spawning a
// child under pipe-connected stdio, multiplexing its stdout/stderr
// through the reactor, and reaping it on exit. A Process fans its
// output out to an attached set of Consumers and notifies them exactly
// once when it reaches a terminal status.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/behrlich/procd"
	"github.com/behrlich/procd/internal/constants"
	"github.com/behrlich/procd/internal/errs"
	"github.com/behrlich/procd/internal/logging"
	"github.com/behrlich/procd/internal/reactor"
)

// Consumer receives a Process's output and status transitions. A
// daemon.Session implements this to relay both over the wire.
type Consumer interface {
	OnData(ch procd.Channel, b []byte)
	OnStatus(st Status, code int)
}

// Process is one spawned child: its pid, the stdio ends the parent
// retains, and the set of consumers currently attached to it.
type Process struct {
	ID string

	mu     sync.Mutex
	pid    int
	stdin  *os.File
	status Status
	code   int

	stdoutFD int
	stderrFD int
	stdoutD  *reactor.Descriptor
	stderrD  *reactor.Descriptor

	consumers map[Consumer]struct{}

	r *reactor.Reactor
}

// Status returns the process's current status and code.
func (p *Process) Status() (Status, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.code
}

// PID returns the child's pid, or 0 once reaped.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Attach adds c to the consumer set; its OnData/OnStatus will be
// called for every subsequent event, including a status event for an
// already-terminal process (delivered immediately, inline).
func (p *Process) Attach(c Consumer) {
	p.mu.Lock()
	p.consumers[c] = struct{}{}
	status, code := p.status, p.code
	p.mu.Unlock()

	if status.Terminal() {
		c.OnStatus(status, code)
	}
}

// Detach removes c from the consumer set and, if the process is
// terminal and now has no consumers, tears it down.
func (p *Process) Detach(c Consumer) {
	p.mu.Lock()
	delete(p.consumers, c)
	dead := p.status.Terminal() && len(p.consumers) == 0
	p.mu.Unlock()

	if dead {
		p.teardown()
	}
}

// Spawn forks and execs path with argv/envp, wiring its stdio to pipes
// and registering the read ends with r. The returned Process is in
// status Run with no attached consumers; the caller is responsible for
// registering it in a directory and attaching the initiating session.
func Spawn(ctx context.Context, r *reactor.Reactor, path string, argv, envp []string) (*Process, error) {
	if err := unix.Access(path, unix.X_OK); err != nil {
		return nil, errs.Noexec("supervisor.Spawn", path)
	}

	stdinR, stdinW, err := pipe2()
	if err != nil {
		return nil, errs.Wrap("supervisor.Spawn", err)
	}
	stdoutR, stdoutW, err := pipe2()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, errs.Wrap("supervisor.Spawn", err)
	}
	stderrR, stderrW, err := pipe2()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, errs.Wrap("supervisor.Spawn", err)
	}

	if err := unix.SetNonblock(stdoutR, true); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, errs.Wrap("supervisor.Spawn", err)
	}
	if err := unix.SetNonblock(stderrR, true); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, errs.Wrap("supervisor.Spawn", err)
	}
	if err := unix.SetNonblock(stdinW, true); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, errs.Wrap("supervisor.Spawn", err)
	}

	p := &Process{
		stdin:     os.NewFile(uintptr(stdinW), "stdin"),
		stdoutFD:  stdoutR,
		stderrFD:  stderrR,
		status:    Run,
		consumers: make(map[Consumer]struct{}),
		r:         r,
	}

	// registered before the fork so a child that writes immediately is
	// never missed by the reactor
	p.stdoutD = r.Register(stdoutR, true, false, p.readHandler(procd.ChannelStdout, stdoutR))
	p.stderrD = r.Register(stderrR, true, false, p.readHandler(procd.ChannelStderr, stderrR))

	attr := &syscall.ProcAttr{
		Env:   envp,
		Files: []uintptr{uintptr(stdinR), uintptr(stdoutW), uintptr(stderrW)},
	}

	pid, err := syscall.ForkExec(path, argv, attr)
	// the parent's copies of the child-side fds are no longer needed
	// regardless of outcome
	closeAll(stdinR, stdoutW, stderrW)
	if err != nil {
		r.Remove(p.stdoutD)
		r.Remove(p.stderrD)
		closeAll(stdoutR, stderrR)
		p.stdin.Close()
		return nil, errs.Wrap("supervisor.Spawn", err)
	}

	p.pid = pid
	p.ID = fmt.Sprintf("%s:%d", path, pid)

	return p, nil
}

func pipe2() (r, w int, err error) {
	fds, err := unix.Pipe2(nil, 0)
	if err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func closeAll(fds ...int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// readHandler returns the reactor callback for one output fd: a single
// read, fanned out to every attached consumer, with EOF deregistering
// the descriptor and emitting exactly one zero-length OnData.
func (p *Process) readHandler(ch procd.Channel, fd int) reactor.HandlerFunc {
	return func(_ int, _ bool) error {
		buf := make([]byte, constants.ReadBufferSize)
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			logging.Warnf("supervisor: read %s failed: %v", ch, err)
			return nil
		}

		if n == 0 {
			p.closeReadSide(ch, fd)
			p.fanOutData(ch, nil)
			return nil
		}

		p.fanOutData(ch, buf[:n])
		return nil
	}
}

func (p *Process) closeReadSide(ch procd.Channel, fd int) {
	p.mu.Lock()
	var d *reactor.Descriptor
	switch ch {
	case procd.ChannelStdout:
		d = p.stdoutD
		p.stdoutD = nil
	case procd.ChannelStderr:
		d = p.stderrD
		p.stderrD = nil
	}
	p.mu.Unlock()

	if d != nil {
		p.r.Remove(d)
	}
	unix.Close(fd)
}

func (p *Process) fanOutData(ch procd.Channel, b []byte) {
	p.mu.Lock()
	consumers := make([]Consumer, 0, len(p.consumers))
	for c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.mu.Unlock()

	for _, c := range consumers {
		c.OnData(ch, b)
	}
}

// WriteStdin writes b to the child's stdin, retrying on EAGAIN/EINTR
// until the whole message has been accepted. An empty b closes stdin.
func (p *Process) WriteStdin(b []byte) error {
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()

	if stdin == nil {
		return errs.NotRunning("supervisor.WriteStdin")
	}

	if len(b) == 0 {
		return p.CloseStdin()
	}

	for len(b) > 0 {
		n, err := stdin.Write(b)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return errs.Wrap("supervisor.WriteStdin", err)
		}
		b = b[n:]
	}
	return nil
}

// CloseStdin closes the child's stdin and latches it closed.
func (p *Process) CloseStdin() error {
	p.mu.Lock()
	stdin := p.stdin
	p.stdin = nil
	p.mu.Unlock()

	if stdin == nil {
		return nil
	}
	return stdin.Close()
}

// Kill sends sig to the process. Returns errs.NotRunning if it has
// already been reaped.
func (p *Process) Kill(sig syscall.Signal) error {
	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()

	if pid == 0 {
		return errs.NotRunning("supervisor.Kill")
	}
	if err := unix.Kill(pid, sig); err != nil {
		return errs.Wrap("supervisor.Kill", err)
	}
	return nil
}

// markTerminal latches the terminal status and code exactly once and
// notifies every attached consumer. Called from Reap.
func (p *Process) markTerminal(st Status, code int) {
	p.mu.Lock()
	if p.status.Terminal() {
		p.mu.Unlock()
		return
	}
	p.status = st
	p.code = code
	p.pid = 0
	consumers := make([]Consumer, 0, len(p.consumers))
	for c := range p.consumers {
		consumers = append(consumers, c)
	}
	dead := len(p.consumers) == 0
	p.mu.Unlock()

	for _, c := range consumers {
		c.OnStatus(st, code)
	}

	if dead {
		p.teardown()
	}
}

// teardown deregisters any still-open reader descriptors and closes
// remaining fds. Called once a process is terminal with no consumers
// left attached.
func (p *Process) teardown() {
	p.mu.Lock()
	stdoutD, stderrD := p.stdoutD, p.stderrD
	stdoutFD, stderrFD := p.stdoutFD, p.stderrFD
	stdin := p.stdin
	p.stdoutD, p.stderrD = nil, nil
	p.stdin = nil
	p.mu.Unlock()

	if stdoutD != nil {
		p.r.Remove(stdoutD)
		unix.Close(stdoutFD)
	}
	if stderrD != nil {
		p.r.Remove(stderrD)
		unix.Close(stderrFD)
	}
	if stdin != nil {
		stdin.Close()
	}
}
