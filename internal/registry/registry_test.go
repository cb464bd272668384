package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/procd/internal/reactor"
	"github.com/behrlich/procd/internal/supervisor"
)

func spawnTrue(t *testing.T, r *reactor.Reactor) *supervisor.Process {
	t.Helper()
	p, err := supervisor.Spawn(context.Background(), r, "/bin/true", []string{"true"}, nil)
	require.NoError(t, err)
	return p
}

func TestRegisterAndLookup(t *testing.T) {
	r := reactor.New()
	reg := New()

	p := spawnTrue(t, r)
	reg.Register(p)

	got, ok := reg.Lookup(p.ID)
	require.True(t, ok)
	require.Same(t, p, got)
}

func TestLookupMissingReturnsFalse(t *testing.T) {
	reg := New()
	_, ok := reg.Lookup("nonexistent:1")
	require.False(t, ok)
}

func TestFindByPID(t *testing.T) {
	r := reactor.New()
	reg := New()

	p := spawnTrue(t, r)
	reg.Register(p)

	got, ok := reg.FindByPID(p.PID())
	require.True(t, ok)
	require.Same(t, p, got)
}

func TestRemoveDropsEntry(t *testing.T) {
	r := reactor.New()
	reg := New()

	p := spawnTrue(t, r)
	reg.Register(p)
	reg.Remove(p.ID)

	_, ok := reg.Lookup(p.ID)
	require.False(t, ok)
}

func TestListReturnsAllRegistered(t *testing.T) {
	r := reactor.New()
	reg := New()

	p1 := spawnTrue(t, r)
	p2 := spawnTrue(t, r)
	reg.Register(p1)
	reg.Register(p2)

	all := reg.List()
	require.Len(t, all, 2)
}
