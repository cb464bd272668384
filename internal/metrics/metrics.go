// Package metrics holds the daemon's lifetime counters: one atomic
// field per thing worth counting, no locks, a single instance handed
// around by reference and updated from the accept loop, the
// supervisor's spawn/reap paths, and a session's data forwarding path.
package metrics

import "sync/atomic"

// Metrics is a set of atomic counters updated from the daemon's accept
// loop, the supervisor's spawn/reap paths, and a session's data
// forwarding path. Safe for concurrent use; every field is read with a
// plain atomic load for snapshots.
type Metrics struct {
	SessionsAccepted atomic.Uint64
	SessionsActive   atomic.Int64

	ProcessesSpawned atomic.Uint64
	ProcessesActive  atomic.Int64

	BytesInStdin  atomic.Uint64
	BytesOutStdout atomic.Uint64
	BytesOutStderr atomic.Uint64

	SignalsHandled atomic.Uint64
}

// New returns a zeroed Metrics.
func New() *Metrics {
	return &Metrics{}
}

// SessionAccepted records a newly accepted connection.
func (m *Metrics) SessionAccepted() {
	m.SessionsAccepted.Add(1)
	m.SessionsActive.Add(1)
}

// SessionClosed records a session's disconnect.
func (m *Metrics) SessionClosed() {
	m.SessionsActive.Add(-1)
}

// ProcessSpawned records a successful Spawn.
func (m *Metrics) ProcessSpawned() {
	m.ProcessesSpawned.Add(1)
	m.ProcessesActive.Add(1)
}

// ProcessReaped records a process reaching a terminal status.
func (m *Metrics) ProcessReaped() {
	m.ProcessesActive.Add(-1)
}

// BytesIn records bytes written to a process's stdin.
func (m *Metrics) BytesIn(n int) {
	m.BytesInStdin.Add(uint64(n))
}

// BytesOutStdoutAdd records bytes read from a process's stdout.
func (m *Metrics) BytesOutStdoutAdd(n int) {
	m.BytesOutStdout.Add(uint64(n))
}

// BytesOutStderrAdd records bytes read from a process's stderr.
func (m *Metrics) BytesOutStderrAdd(n int) {
	m.BytesOutStderr.Add(uint64(n))
}

// SignalHandled records one drained signal-trampoline call.
func (m *Metrics) SignalHandled() {
	m.SignalsHandled.Add(1)
}

// Snapshot is a point-in-time copy of every counter, suitable for
// logging or a future stats command.
type Snapshot struct {
	SessionsAccepted uint64
	SessionsActive   int64
	ProcessesSpawned uint64
	ProcessesActive  int64
	BytesInStdin     uint64
	BytesOutStdout   uint64
	BytesOutStderr   uint64
	SignalsHandled   uint64
}

// Snapshot takes a consistent-enough snapshot of m for reporting.
// Individual fields may be read at slightly different instants under
// concurrent updates; this is a monitoring aid, not a transactional
// view.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		SessionsAccepted: m.SessionsAccepted.Load(),
		SessionsActive:   m.SessionsActive.Load(),
		ProcessesSpawned: m.ProcessesSpawned.Load(),
		ProcessesActive:  m.ProcessesActive.Load(),
		BytesInStdin:     m.BytesInStdin.Load(),
		BytesOutStdout:   m.BytesOutStdout.Load(),
		BytesOutStderr:   m.BytesOutStderr.Load(),
		SignalsHandled:   m.SignalsHandled.Load(),
	}
}
