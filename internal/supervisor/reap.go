package supervisor

import (
	"golang.org/x/sys/unix"

	"github.com/behrlich/procd/internal/logging"
)

// Reap drains every exited or signal-killed child with WNOHANG,
// looking each one up via findByPID (ordinarily registry.Registry's
// FindByPID), and latches its terminal status. It is meant to be
// called once per delivered SIGCHLD, from the signal-drain path run
// between reactor cycles.
//
// A pid with no matching Process (already reaped, or never tracked)
// is silently skipped: reaping is unconditional so a daemon never
// accumulates zombies even for children it no longer cares about.
func Reap(findByPID func(pid int) (*Process, bool)) (int, error) {
	var ws unix.WaitStatus
	reaped := 0

	for {
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			if err == unix.ECHILD {
				return reaped, nil
			}
			return reaped, err
		}
		if pid <= 0 {
			return reaped, nil
		}

		reaped++

		p, ok := findByPID(pid)
		if !ok {
			logging.Warnf("supervisor: reaped untracked pid %d", pid)
			continue
		}

		switch {
		case ws.Exited():
			p.markTerminal(Exit, ws.ExitStatus())
		case ws.Signaled():
			p.markTerminal(Kill, int(ws.Signal()))
		default:
			// stopped/continued notifications can't reach us under
			// WNOHANG-only reaping without WUNTRACED/WCONTINUED
			logging.Warnf("supervisor: pid %d reaped with unexpected status %v", pid, ws)
		}
	}
}
