package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionAcceptedAndClosed(t *testing.T) {
	m := New()
	m.SessionAccepted()
	m.SessionAccepted()
	m.SessionClosed()

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.SessionsAccepted)
	assert.Equal(t, int64(1), snap.SessionsActive)
}

func TestProcessSpawnedAndReaped(t *testing.T) {
	m := New()
	m.ProcessSpawned()
	m.ProcessReaped()

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.ProcessesSpawned)
	assert.Equal(t, int64(0), snap.ProcessesActive)
}

func TestByteCounters(t *testing.T) {
	m := New()
	m.BytesIn(10)
	m.BytesOutStdoutAdd(20)
	m.BytesOutStderrAdd(5)

	snap := m.Snapshot()
	assert.Equal(t, uint64(10), snap.BytesInStdin)
	assert.Equal(t, uint64(20), snap.BytesOutStdout)
	assert.Equal(t, uint64(5), snap.BytesOutStderr)
}

func TestSignalHandledIncrements(t *testing.T) {
	m := New()
	m.SignalHandled()
	m.SignalHandled()
	assert.Equal(t, uint64(2), m.Snapshot().SignalsHandled)
}
