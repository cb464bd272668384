// Package daemon wires the reactor, the process registry, and the
// wire protocol together into a running server: it accepts
// connections on a unixpacket socket, turns each into a Session, and
// dispatches the SIGCHLD-driven reaper.
package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/behrlich/procd/internal/constants"
	"github.com/behrlich/procd/internal/errs"
	"github.com/behrlich/procd/internal/logging"
	"github.com/behrlich/procd/internal/metrics"
	"github.com/behrlich/procd/internal/reactor"
	"github.com/behrlich/procd/internal/registry"
	"github.com/behrlich/procd/internal/sigtrampoline"
	"github.com/behrlich/procd/internal/supervisor"
	"github.com/behrlich/procd/internal/wire"
)

// Daemon owns the reactor, the process registry, and the listening
// socket. One Daemon serves one unixpacket path for its lifetime.
type Daemon struct {
	reactor *reactor.Reactor
	reg     *registry.Registry
	metrics *metrics.Metrics
	sig     *sigtrampoline.Trampoline

	ln   *net.UnixListener
	lnFd int

	mu       sync.Mutex
	sessions map[*Session]struct{}

	shutdown int32
}

// New returns a Daemon ready for ListenAndServe.
func New() *Daemon {
	return &Daemon{
		reactor:  reactor.New(),
		reg:      registry.New(),
		metrics:  metrics.New(),
		sig:      sigtrampoline.New(),
		sessions: make(map[*Session]struct{}),
	}
}

// Metrics returns the daemon's counter set.
func (d *Daemon) Metrics() *metrics.Metrics { return d.metrics }

// ListenAndServe binds path as a unixpacket socket and runs the
// reactor loop until ctx is canceled. If path already exists it must
// already be a socket (stale from a prior run); anything else is
// refused rather than silently unlinked.
func (d *Daemon) ListenAndServe(ctx context.Context, path string) error {
	if err := checkSocketPath(path); err != nil {
		return err
	}

	ln, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return errs.Wrap("daemon.ListenAndServe", err)
	}
	d.ln = ln
	defer ln.Close()

	d.sig.Install(unix.SIGCHLD, d.handleSIGCHLD)
	d.sig.Install(unix.SIGINT, d.handleSIGINT)
	d.sig.Install(unix.SIGTERM, d.handleSIGINT)
	d.sig.Start()
	defer d.sig.Stop()

	lnFile, err := ln.File()
	if err != nil {
		return errs.Wrap("daemon.ListenAndServe", err)
	}
	defer lnFile.Close()
	lnFd := int(lnFile.Fd())
	if err := unix.SetNonblock(lnFd, true); err != nil {
		return errs.Wrap("daemon.ListenAndServe", err)
	}
	d.lnFd = lnFd

	d.reactor.Register(lnFd, true, false, func(int, bool) error {
		return d.acceptOne()
	})

	go func() {
		<-ctx.Done()
		atomic.StoreInt32(&d.shutdown, 1)
	}()

	return d.serve()
}

// serve repeats short reactor cycles, draining the signal trampoline
// between them, until shutdown is requested.
func (d *Daemon) serve() error {
	timeout := constants.ReactorPollInterval
	for atomic.LoadInt32(&d.shutdown) == 0 {
		if err := d.reactor.Run(&timeout); err != nil {
			return err
		}
		if d.sig.Pending() {
			if _, err := d.sig.Drain(); err != nil {
				logging.Errorf("daemon: signal drain: %v", err)
			}
		}
	}
	return nil
}

func checkSocketPath(path string) error {
	st, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap("daemon.ListenAndServe", err)
	}
	if st.Mode()&os.ModeSocket == 0 {
		return errs.NotASocket("daemon.ListenAndServe", path)
	}
	if err := os.Remove(path); err != nil {
		return errs.Wrap("daemon.ListenAndServe", err)
	}
	return nil
}

// acceptOne accepts every connection currently pending on the
// non-blocking listener fd and wraps each as a Session. This calls
// accept4(2) directly on a duplicate of the listener fd rather than
// net.UnixListener.AcceptUnix: Go's netpoller parks the calling
// goroutine when no connection is pending instead of returning EAGAIN,
// which would stall the reactor's single goroutine forever the first
// time this is invoked with nothing left to accept.
func (d *Daemon) acceptOne() error {
	for {
		connFd, _, err := unix.Accept4(d.lnFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errIsEAGAIN(err) {
				return nil
			}
			return err
		}
		d.newSession(connFd)
	}
}

func errIsEAGAIN(err error) bool {
	return errors.Is(err, unix.EAGAIN)
}

func (d *Daemon) newSession(connFd int) {
	f := os.NewFile(uintptr(connFd), "procd-session")
	nc, err := net.FileConn(f)
	f.Close()
	if err != nil {
		logging.Warnf("daemon: accept: %v", err)
		return
	}
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		logging.Warnf("daemon: accept: unexpected conn type %T", nc)
		nc.Close()
		return
	}
	conn := wire.NewConn(uc)

	// uc.File dups the socket fd again, handed to the reactor purely
	// for readiness polling; actual I/O always goes through conn, which
	// reads via uc. O_NONBLOCK is a flag on the shared open file
	// description, so resetting it here also keeps uc itself
	// non-blocking for conn's own syscalls.
	pollFile, err := uc.File()
	if err != nil {
		logging.Warnf("daemon: accept: %v", err)
		conn.Close()
		return
	}
	pollFd := int(pollFile.Fd())
	if err := unix.SetNonblock(pollFd, true); err != nil {
		logging.Warnf("daemon: accept: %v", err)
		pollFile.Close()
		conn.Close()
		return
	}

	s := newSession(d, conn, pollFile)

	d.mu.Lock()
	d.sessions[s] = struct{}{}
	d.mu.Unlock()
	d.metrics.SessionAccepted()

	s.descriptor = d.reactor.Register(pollFd, true, false, s.onReadable)
}

func (d *Daemon) removeSession(s *Session) {
	d.mu.Lock()
	_, ok := d.sessions[s]
	delete(d.sessions, s)
	d.mu.Unlock()
	if ok {
		d.metrics.SessionClosed()
	}
}

func (d *Daemon) handleSIGCHLD() error {
	n, err := supervisor.Reap(d.reg.FindByPID)
	for i := 0; i < n; i++ {
		d.metrics.ProcessReaped()
	}
	d.metrics.SignalHandled()
	return err
}

func (d *Daemon) handleSIGINT() error {
	atomic.StoreInt32(&d.shutdown, 1)
	d.metrics.SignalHandled()
	return nil
}

// Spawn starts path under the daemon's reactor and registers it.
func (d *Daemon) Spawn(ctx context.Context, path string, argv, envp []string) (*supervisor.Process, error) {
	p, err := supervisor.Spawn(ctx, d.reactor, path, argv, envp)
	if err != nil {
		return nil, err
	}
	d.reg.Register(p)
	d.metrics.ProcessSpawned()
	return p, nil
}
