// Package constants collects the default tuning values used across the
// daemon and client, kept in one place rather than scattered as magic
// numbers through each package.
package constants

import "time"

// Buffer sizing for the non-blocking stdout/stderr readers. A read is
// performed into a buffer of at least this size; data larger than this
// simply arrives as more DATA events.
const ReadBufferSize = 4096

// MaxFrameSize is the largest single wire frame either side will send
// or accept, matching procd.MaxFrameSize. Duplicated here (rather than
// imported) to keep this package free of a dependency on the root
// package, since it is imported from both daemon- and client-adjacent
// internal packages.
const MaxFrameSize = 64 * 1024

// Retransmissionless transport: procd's unixpacket transport doesn't
// retry, so there's no retransmission timeout to tune. What remains
// tunable is how long the daemon waits for udev-free in-process state
// transitions and how aggressively it polls during graceful shutdown.
const (
	// SessionAcceptBacklog is a listen(2) backlog value for the daemon's
	// unixpacket listener. The daemon binds through net.ListenUnix,
	// which applies the system default backlog; nothing reads this value.
	SessionAcceptBacklog = 16

	// ShutdownDrainTimeout is a bound for letting in-flight dispatch
	// settle after a shutdown request. Nothing reads it: the daemon's
	// serve loop and Reactor.MainLoop return as soon as the shutdown
	// flag is seen, with no drain period.
	ShutdownDrainTimeout = 2 * time.Second

	// SignalDrainRetry is a delay before retrying select(2) after EINTR.
	// Reactor.Run does not read it; it retries EINTR immediately.
	SignalDrainRetry = time.Millisecond

	// ReactorPollInterval bounds how long a single reactor cycle blocks
	// before returning to check for a pending signal drain. Go delivers
	// signals to a side channel rather than interrupting an in-flight
	// select(2) in another goroutine, so the daemon's main loop can't
	// rely on EINTR to wake it and must poll instead.
	ReactorPollInterval = 50 * time.Millisecond
)
