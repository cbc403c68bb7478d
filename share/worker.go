package chshare

import (
	"errors"
	"time"

	"github.com/sammck-go/logger"
)

// WorkerState is one of the five states of the Worker state machine
// (spec.md §4.2). There is no separate Stopping state: a stop request is
// recorded in Worker.stopRequested, and the worker moves to Stopped once
// any pending or running work has finished.
type WorkerState int

const (
	// WorkerStopped is the initial/terminal state: no thread is running
	WorkerStopped WorkerState = iota
	// WorkerStarting is entered by Start() until the worker thread reaches Idle
	WorkerStarting
	// WorkerIdle means the worker thread is parked waiting for a wake or
	// (if configured) its periodic timeout
	WorkerIdle
	// WorkerSignaled means a Wake() has been recorded and is pending a run
	WorkerSignaled
	// WorkerBusy means the worker's body function is currently executing
	WorkerBusy
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStopped:
		return "Stopped"
	case WorkerStarting:
		return "Starting"
	case WorkerIdle:
		return "Idle"
	case WorkerSignaled:
		return "Signaled"
	case WorkerBusy:
		return "Busy"
	default:
		return "Unknown"
	}
}

// ErrWorkerInvalid is returned by Wake/WaitIdle when the worker is not
// in a state that can honor the request (not started, or stopping in a
// way that can no longer run pending work)
var ErrWorkerInvalid = errors.New("worker: invalid state for requested operation")

// WorkerFunc is the body a Worker runs each time it is woken (or, with
// PeriodicWake set, each time its idle wait times out)
type WorkerFunc func()

// Worker encapsulates a single goroutine that runs a user-supplied
// function on demand, coalescing concurrent wake requests into at most
// one pending re-run (spec.md §4.2). Corresponds to the teacher's
// pattern of a goroutine managed via a lock-protected state machine
// (share/shutdown_helper.go's ShutdownHelper), generalized here to an
// explicit five-state machine (Stopped, Starting, Idle, Signaled, Busy);
// stopping is tracked by the stopRequested flag rather than by a state.
type Worker struct {
	Log           logger.Logger
	cond          *RWCond
	fn            WorkerFunc
	periodicWake  time.Duration
	state         WorkerState
	stopRequested bool
	doneCh        chan struct{}
}

// NewWorker creates a Worker that will run fn on demand. If periodicWake
// is non-zero, the worker also runs fn at least once every periodicWake
// while idle (spec.md §4.2, Testable Property 7).
func NewWorker(log logger.Logger, fn WorkerFunc, periodicWake time.Duration) *Worker {
	return &Worker{
		Log:          log,
		cond:         NewRWCond(),
		fn:           fn,
		periodicWake: periodicWake,
		state:        WorkerStopped,
	}
}

// Start transitions Stopped -> Starting -> Idle. Idempotent while the
// worker is not Stopped.
func (w *Worker) Start() error {
	w.cond.Lock()
	if w.state != WorkerStopped {
		w.cond.Unlock()
		return nil
	}
	w.state = WorkerStarting
	w.stopRequested = false
	w.doneCh = make(chan struct{})
	w.cond.Unlock()

	go w.run()

	w.cond.Lock()
	for w.state == WorkerStarting {
		w.cond.WaitExclusive()
	}
	w.cond.Unlock()
	return nil
}

// State returns the worker's current state (non-blocking query)
func (w *Worker) State() WorkerState {
	w.cond.Lock()
	defer w.cond.Unlock()
	return w.state
}

// IsIdle returns true iff the worker is currently Idle
func (w *Worker) IsIdle() bool {
	return w.State() == WorkerIdle
}

// Wake requests that the worker's body run. If the worker is Idle, it
// transitions to Signaled and runs promptly. If the worker is already
// Busy, the request is coalesced into a single additional run after the
// current one finishes (Testable Property 6). Returns ErrWorkerInvalid
// if the worker has not been started, or has progressed past the point
// where pending work can run.
func (w *Worker) Wake() error {
	w.cond.Lock()
	defer w.cond.Unlock()
	switch w.state {
	case WorkerStopped, WorkerStarting:
		return ErrWorkerInvalid
	case WorkerIdle:
		w.state = WorkerSignaled
		w.cond.Broadcast()
	case WorkerBusy:
		w.state = WorkerSignaled
	case WorkerSignaled:
		// already pending; coalesce
	}
	return nil
}

// WaitIdle blocks until the worker reaches Idle. Returns ErrWorkerInvalid
// if the worker is not running.
func (w *Worker) WaitIdle() error {
	w.cond.Lock()
	defer w.cond.Unlock()
	for w.state != WorkerIdle {
		if w.state == WorkerStopped {
			return ErrWorkerInvalid
		}
		w.cond.WaitExclusive()
	}
	return nil
}

// Join requests that the worker stop, and blocks until its thread has
// exited. If a wake is currently pending (Signaled) or in progress
// (Busy), that work is allowed to run to completion before the worker
// stops. After Join returns, the worker is Stopped and Start may be
// called again.
func (w *Worker) Join() error {
	w.cond.Lock()
	if w.state == WorkerStopped {
		w.cond.Unlock()
		return nil
	}
	w.stopRequested = true
	doneCh := w.doneCh
	w.cond.Broadcast()
	w.cond.Unlock()

	<-doneCh
	return nil
}

// run is the worker's goroutine body
func (w *Worker) run() {
	w.cond.Lock()
	w.state = WorkerIdle
	w.cond.Broadcast()

	for {
		switch w.state {
		case WorkerIdle:
			if w.stopRequested {
				w.finishStopLocked()
				return
			}
			if w.periodicWake > 0 {
				woken := w.cond.WaitTimeoutExclusive(w.periodicWake)
				if w.stopRequested && w.state == WorkerIdle {
					w.finishStopLocked()
					return
				}
				if !woken && w.state == WorkerIdle {
					w.runBodyLocked()
				}
			} else {
				w.cond.WaitExclusive()
				if w.stopRequested && w.state == WorkerIdle {
					w.finishStopLocked()
					return
				}
			}
		case WorkerSignaled:
			w.runBodyLocked()
		case WorkerBusy:
			// The only way to observe Busy here is a logic error; body
			// execution always happens with the lock released.
			w.cond.WaitExclusive()
		case WorkerStopped, WorkerStarting:
			w.cond.Unlock()
			return
		}
	}
}

// runBodyLocked transitions Signaled/Idle -> Busy, runs the body with
// the lock released, then transitions back to Idle -- unless another
// Wake() coalesced in while busy, in which case it loops and runs again
// without going idle in between. Caller must hold the exclusive lock;
// it is held again on return.
func (w *Worker) runBodyLocked() {
	w.state = WorkerBusy
	w.cond.Unlock()

	w.fn()

	w.cond.Lock()
	if w.state == WorkerSignaled {
		// a Wake() arrived while we were running; run again immediately
		w.Log.DLogf("worker: wake coalesced during run, running again")
		return
	}
	w.state = WorkerIdle
	w.cond.Broadcast()
}

// finishStopLocked transitions to Stopped and wakes Join(). Caller must
// hold the exclusive lock; it is released on return.
func (w *Worker) finishStopLocked() {
	w.Log.DLogf("worker: stopping")
	w.state = WorkerStopped
	doneCh := w.doneCh
	w.cond.Broadcast()
	w.cond.Unlock()
	close(doneCh)
}
