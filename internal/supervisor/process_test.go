package supervisor

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/procd"
	"github.com/behrlich/procd/internal/errs"
	"github.com/behrlich/procd/internal/reactor"
)

type fakeConsumer struct {
	mu     sync.Mutex
	data   []procd.Channel
	bytes  [][]byte
	status []Status
	codes  []int
}

func (c *fakeConsumer) OnData(ch procd.Channel, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, ch)
	cp := append([]byte(nil), b...)
	c.bytes = append(c.bytes, cp)
}

func (c *fakeConsumer) OnStatus(st Status, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = append(c.status, st)
	c.codes = append(c.codes, code)
}

func (c *fakeConsumer) statusCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.status)
}

// pumpUntil drives the reactor and reaps p's pid (as SIGCHLD delivery
// would) until cond is satisfied or the deadline passes.
func pumpUntil(t *testing.T, r *reactor.Reactor, p *Process, cond func() bool) {
	t.Helper()
	pid := p.PID()
	findByPID := func(want int) (*Process, bool) {
		if want == pid {
			return p, true
		}
		return nil, false
	}

	deadline := time.Now().Add(2 * time.Second)
	timeout := 20 * time.Millisecond
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		require.NoError(t, r.Run(&timeout))
		if _, err := Reap(findByPID); err != nil {
			require.NoError(t, err)
		}
	}
	t.Fatal("condition never became true")
}

func TestSpawnRunsToCleanExit(t *testing.T) {
	r := reactor.New()
	p, err := Spawn(context.Background(), r, "/bin/echo", []string{"echo", "hello"}, nil)
	require.NoError(t, err)
	require.NotZero(t, p.PID())

	c := &fakeConsumer{}
	p.Attach(c)

	pumpUntil(t, r, p, func() bool { return c.statusCount() > 0 })

	st, code := p.Status()
	require.Equal(t, Exit, st)
	require.Equal(t, 0, code)
}

func TestSpawnRejectsNonExecutable(t *testing.T) {
	r := reactor.New()
	_, err := Spawn(context.Background(), r, "/etc/hostname", nil, nil)
	require.Error(t, err)
}

func TestKillProducesKillStatus(t *testing.T) {
	r := reactor.New()
	p, err := Spawn(context.Background(), r, "/bin/sleep", []string{"sleep", "10"}, nil)
	require.NoError(t, err)

	c := &fakeConsumer{}
	p.Attach(c)

	require.NoError(t, p.Kill(syscall.SIGKILL))

	pumpUntil(t, r, p, func() bool { return c.statusCount() > 0 })

	st, code := p.Status()
	require.Equal(t, Kill, st)
	require.Equal(t, int(syscall.SIGKILL), code)
}

func TestAttachToTerminalProcessDeliversStatusImmediately(t *testing.T) {
	r := reactor.New()
	p, err := Spawn(context.Background(), r, "/bin/true", []string{"true"}, nil)
	require.NoError(t, err)

	first := &fakeConsumer{}
	p.Attach(first)
	pumpUntil(t, r, p, func() bool { return first.statusCount() > 0 })

	second := &fakeConsumer{}
	p.Attach(second)
	require.Equal(t, 1, second.statusCount())
}

func TestKillOnReapedProcessIsNotRunning(t *testing.T) {
	r := reactor.New()
	p, err := Spawn(context.Background(), r, "/bin/true", []string{"true"}, nil)
	require.NoError(t, err)

	c := &fakeConsumer{}
	p.Attach(c)
	pumpUntil(t, r, p, func() bool { return c.statusCount() > 0 })

	require.True(t, errs.IsCode(p.Kill(syscall.SIGTERM), errs.CodeNotRunning))
}

func TestWriteStdinDeliversToChild(t *testing.T) {
	r := reactor.New()
	p, err := Spawn(context.Background(), r, "/bin/cat", []string{"cat"}, nil)
	require.NoError(t, err)

	c := &fakeConsumer{}
	p.Attach(c)

	require.NoError(t, p.WriteStdin([]byte("ping\n")))
	require.NoError(t, p.CloseStdin())

	pumpUntil(t, r, p, func() bool { return c.statusCount() > 0 })

	c.mu.Lock()
	var got []byte
	for _, b := range c.bytes {
		got = append(got, b...)
	}
	c.mu.Unlock()
	require.Contains(t, string(got), "ping")
}
