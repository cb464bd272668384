// Package reactor implements a select(2)-based readiness multiplexer: a
// single-threaded event loop that watches a set of file descriptors for
// read/write readiness and dispatches to a per-descriptor callback.
package reactor

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/procd/internal/logging"
)

// HandlerFunc is invoked once per readiness event on a descriptor.
// writable is false for a read-readiness callback, true for write. A
// handler returning unix.EAGAIN is treated as a spurious wakeup and
// swallowed; any other error aborts the current Run cycle.
type HandlerFunc func(fd int, writable bool) error

// Descriptor is one watched fd. The list is intrusive and
// reentrant-safe: Remove unlinks a descriptor from the list but leaves
// its next pointer intact, so a handler iterating the list (via Remove
// called from within a callback invoked by Run) never loses its place.
type Descriptor struct {
	fd        int
	wantRead  bool
	wantWrite bool
	active    bool
	handler   HandlerFunc
	next      *Descriptor
}

// Reactor owns the set of watched descriptors and runs the select loop.
type Reactor struct {
	head *Descriptor
}

// New returns an empty Reactor.
func New() *Reactor {
	return &Reactor{}
}

// Register adds fd to the descriptor list with the given read/write
// interest and handler, and returns a handle usable with SetInterest
// and Remove.
func (r *Reactor) Register(fd int, read, write bool, handler HandlerFunc) *Descriptor {
	d := &Descriptor{
		fd:        fd,
		wantRead:  read,
		wantWrite: write,
		active:    true,
		handler:   handler,
		next:      r.head,
	}
	r.head = d
	return d
}

// SetInterest changes the read/write interest of an already-registered
// descriptor.
func (r *Reactor) SetInterest(d *Descriptor, read, write bool) {
	d.wantRead = read
	d.wantWrite = write
}

// Remove unlinks d from the descriptor list if still active. Safe to
// call from within a handler invoked during Run: d.next is left
// untouched, so an in-progress traversal started before the removal
// continues correctly past the removed node.
func (r *Reactor) Remove(d *Descriptor) {
	if !d.active {
		return
	}
	d.active = false

	if r.head == d {
		r.head = d.next
		return
	}
	for cur := r.head; cur != nil; cur = cur.next {
		if cur.next == d {
			cur.next = d.next
			return
		}
	}
}

// build constructs the read/write fd_sets and returns the maximum fd
// seen, or -1 if no descriptor is registered.
func (r *Reactor) build() (rset, wset *unix.FdSet, maxFd int) {
	rset, wset = &unix.FdSet{}, &unix.FdSet{}
	maxFd = -1

	for d := r.head; d != nil; d = d.next {
		if !d.active {
			continue
		}
		if d.fd > maxFd {
			maxFd = d.fd
		}
		if d.wantRead {
			fdSet(rset, d.fd)
		}
		if d.wantWrite {
			fdSet(wset, d.fd)
		}
	}
	return rset, wset, maxFd
}

// dispatch walks the descriptor list once, invoking handlers for every
// fd the kernel reported ready. Traversal tolerates the current
// descriptor being removed by its own handler (Remove preserves
// d.next), but a handler that removes a *different*, not-yet-visited
// descriptor will cause that descriptor to be skipped this cycle —
// harmless, since it will be reconsidered on the next Run.
func (r *Reactor) dispatch(rset, wset *unix.FdSet) error {
	for d := r.head; d != nil; d = d.next {
		if !d.active {
			continue
		}
		if fdIsSet(rset, d.fd) {
			if err := r.invoke(d, false); err != nil {
				return err
			}
		}
		if d.active && fdIsSet(wset, d.fd) {
			if err := r.invoke(d, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reactor) invoke(d *Descriptor, writable bool) error {
	err := d.handler(d.fd, writable)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

// Run performs one select(2) cycle and dispatches all ready
// descriptors. A nil timeout blocks indefinitely; EINTR is retried
// transparently.
func (r *Reactor) Run(timeout *time.Duration) error {
	rset, wset, maxFd := r.build()
	if maxFd < 0 {
		return nil
	}

	var tv *unix.Timeval
	if timeout != nil {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	for {
		_, err := unix.Select(maxFd+1, rset, wset, nil, tv)
		if err == nil {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}

	return r.dispatch(rset, wset)
}

// MainLoop repeats Run(nil) until shutdown is non-zero or Run returns a
// fatal error. shutdown is read without synchronization between
// iterations; callers set it from a signal handler drained on the same
// goroutine that calls MainLoop.
func (r *Reactor) MainLoop(shutdown *int32) error {
	for *shutdown == 0 {
		if err := r.Run(nil); err != nil {
			logging.Errorf("reactor: run failed: %v", err)
			return err
		}
	}
	return nil
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
