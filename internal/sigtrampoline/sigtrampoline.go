// Package sigtrampoline delivers OS signals to application code outside
// of signal-handler context. Go already runs the actual signal handler
// in the runtime (see os/signal); what this package reproduces is the
// original design's split between a minimal, always-safe counter bump
// and a later, synchronous drain that does the real work. Here the
// "signal-handler context" is a dedicated goroutine fed by
// signal.Notify, restricted to incrementing an atomic counter, and
// Drain is called from the reactor's main loop to run the registered
// handler once per pending call.
package sigtrampoline

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"github.com/behrlich/procd/internal/logging"
)

// Handler is invoked once per delivered signal, synchronously, from
// whatever goroutine calls Drain.
type Handler func() error

type registration struct {
	sig     os.Signal
	handler Handler
	ncalls  int64
}

// Trampoline is a registry of installed signal handlers plus the
// async-signal-safe counters that bridge delivery to drain. It is not
// package-level state: each value returned by New holds its own
// handlers and counters, and its owner keeps it and calls Drain.
type Trampoline struct {
	mu     sync.Mutex
	regs   []*registration
	ch     chan os.Signal
	total  int64
	cancel func()
}

// New returns an empty Trampoline. Call Install for each signal of
// interest, then Start to begin receiving.
func New() *Trampoline {
	return &Trampoline{ch: make(chan os.Signal, 16)}
}

// Install registers handler to run (via Drain) whenever sig is
// delivered. Must be called before Start.
func (t *Trampoline) Install(sig os.Signal, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regs = append(t.regs, &registration{sig: sig, handler: handler})
}

// Start begins listening for every installed signal and launches the
// counting goroutine. Safe to call once.
func (t *Trampoline) Start() {
	t.mu.Lock()
	sigs := make([]os.Signal, len(t.regs))
	for i, r := range t.regs {
		sigs[i] = r.sig
	}
	t.mu.Unlock()

	signal.Notify(t.ch, sigs...)
	t.cancel = func() { signal.Stop(t.ch) }

	go t.count()
}

// Stop stops signal delivery. signal.Stop does not close the channel,
// so the count goroutine stays blocked on it rather than exiting;
// Drain remains safe to call afterward to flush any already-counted
// signals.
func (t *Trampoline) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// count is the only code that ever reads from the signal channel: it
// does the minimum possible amount of work, exactly mirroring the
// original's bare increment-and-return handler.
func (t *Trampoline) count() {
	for sig := range t.ch {
		t.mu.Lock()
		found := false
		for _, r := range t.regs {
			if r.sig == sig {
				atomic.AddInt64(&r.ncalls, 1)
				found = true
				break
			}
		}
		t.mu.Unlock()

		if found {
			atomic.AddInt64(&t.total, 1)
		} else {
			logging.Warnf("sigtrampoline: unregistered signal: %v", sig)
		}
	}
}

// Pending reports whether any signal is awaiting a Drain, so a reactor
// can take the fast path and skip Drain entirely most cycles.
func (t *Trampoline) Pending() bool {
	return atomic.LoadInt64(&t.total) > 0
}

// Drain runs each registered handler once per outstanding call,
// synchronously, in registration order. Returns the number of
// handler invocations, or the first error a handler returns (in which
// case remaining pending calls are left for the next Drain).
func (t *Trampoline) Drain() (int, error) {
	if !t.Pending() {
		return 0, nil
	}

	count := 0
	for _, r := range t.regs {
		for atomic.LoadInt64(&r.ncalls) > 0 {
			atomic.AddInt64(&r.ncalls, -1)
			atomic.AddInt64(&t.total, -1)
			count++

			if err := r.handler(); err != nil {
				return count, err
			}
		}
	}
	return count, nil
}
