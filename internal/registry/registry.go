// Package registry is the process directory: a lookup from process id
// (and pid) to the running *supervisor.Process, shared by the daemon's
// command handlers and the supervisor's reaper.
package registry

import (
	"sync"

	"github.com/behrlich/procd/internal/supervisor"
)

// Registry maps process ids to Processes. Everything here runs on the
// single reactor goroutine today, but the lock stays: a bare map read
// from two call sites with no lock is the kind of thing that breaks
// silently the moment a second goroutine touches it.
type Registry struct {
	mu   sync.Mutex
	byID map[string]*supervisor.Process
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[string]*supervisor.Process)}
}

// Register adds p under p.ID. p.ID is expected to already be unique
// (supervisor.Spawn mints it from path+pid); Register does not check.
func (r *Registry) Register(p *supervisor.Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[p.ID] = p
}

// Remove drops id from the directory.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// Lookup finds a process by id.
func (r *Registry) Lookup(id string) (*supervisor.Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	return p, ok
}

// FindByPID does a linear scan for the process currently running as
// pid. The directory is expected to stay small (one entry per attached
// child), so a scan is simpler than maintaining a second index and
// keeping it in sync across reaps.
func (r *Registry) FindByPID(pid int) (*supervisor.Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.byID {
		if p.PID() == pid {
			return p, true
		}
	}
	return nil, false
}

// List returns a snapshot of every registered process.
func (r *Registry) List() []*supervisor.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*supervisor.Process, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	return out
}
