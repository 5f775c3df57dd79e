// Package batchflush coalesces repeated flush requests into at most one
// running flush plus one pending re-run. A burst of writes therefore costs
// two flushes at most: the one in flight when the burst starts, and one more
// that observes everything the burst wrote. The guard is an explicit
// three-state machine so the "at most one extra run" guarantee is visible in
// the type rather than buried in callback chaining.
package batchflush

import (
	"context"
	"sync"
	"sync/atomic"
)

// State is the flusher's scheduling state.
type State uint8

const (
	// StateIdle means no flush is running or queued.
	StateIdle State = iota

	// StateRunning means a flush is in flight and nothing is queued
	// behind it.
	StateRunning

	// StateRunPending means a flush is in flight and exactly one more
	// has been requested. Further requests collapse into this state.
	StateRunPending
)

// String returns the stable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateRunPending:
		return "run_pending"
	default:
		return "unknown"
	}
}

// Flusher runs a flush function on a background goroutine, collapsing
// concurrent requests per the state machine above.
type Flusher struct {
	started atomic.Bool
	stopped atomic.Bool

	flush func(context.Context) error

	mu    sync.Mutex
	state State

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewFlusher creates a flusher around the given flush function. Flush errors
// are logged; the flusher itself never gives up, since the next Request will
// try again.
func NewFlusher(flush func(context.Context) error) *Flusher {
	return &Flusher{
		flush: flush,
		quit:  make(chan struct{}),
	}
}

// Start marks the flusher ready to accept requests.
func (f *Flusher) Start() error {
	if !f.started.CompareAndSwap(false, true) {
		return nil
	}

	return nil
}

// Stop waits for any in-flight flush to finish and rejects further requests.
// A pending re-run that has not started yet is abandoned.
func (f *Flusher) Stop() error {
	if !f.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(f.quit)
	f.wg.Wait()

	return nil
}

// State returns the current scheduling state.
func (f *Flusher) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state
}

// Request asks for a flush. If none is running one starts immediately; if
// one is running, at most one re-run is queued behind it no matter how many
// times Request is called in the meantime.
func (f *Flusher) Request() {
	if f.stopped.Load() {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateIdle:
		f.state = StateRunning
		f.wg.Add(1)
		go f.run()

	case StateRunning:
		f.state = StateRunPending

	case StateRunPending:
		// Already queued, collapse.
	}
}

// run executes flushes until no re-run is pending, then parks the machine
// back in idle.
func (f *Flusher) run() {
	defer f.wg.Done()

	for {
		select {
		case <-f.quit:
			f.mu.Lock()
			f.state = StateIdle
			f.mu.Unlock()
			return
		default:
		}

		if err := f.flush(context.Background()); err != nil {
			log.Errorf("Flush failed: %v", err)
		}

		f.mu.Lock()
		if f.state == StateRunPending {
			f.state = StateRunning
			f.mu.Unlock()
			continue
		}
		f.state = StateIdle
		f.mu.Unlock()

		return
	}
}
