package chshare

import (
	"fmt"
	"sync"
)

// ThreadFunc is the body a Thread runs in its own goroutine. Its return
// value becomes the result later retrieved via Thread.Join.
type ThreadFunc func() error

// ThreadOption configures a Thread at construction time
type ThreadOption func(*Thread)

// WithStackSize records a requested stack size in bytes. Go's runtime
// grows goroutine stacks dynamically and provides no per-goroutine sizing
// knob, so this is a documented no-op carried only so a config surface
// ported from a platform with real fixed-size threads has somewhere to
// land, per spec.md §9's guidance to document platform limits rather
// than fake them.
func WithStackSize(bytes int) ThreadOption {
	return func(t *Thread) {
		t.stackSizeHint = bytes
	}
}

// Thread is a joinable goroutine: Start launches fn in a new goroutine,
// and Join blocks until it returns, yielding its error. Grounded on the
// teacher's pattern of launching a worker goroutine from ShutdownHelper's
// HandleOnceShutdown and synchronizing on it via a done channel
// (share/shutdown_helper.go), generalized here into a standalone,
// reusable primitive per spec.md's component table.
type Thread struct {
	name          string
	stackSizeHint int
	fn            ThreadFunc

	startOnce sync.Once
	doneCh    chan struct{}
	err       error
}

// NewThread creates a Thread that will run fn when Start is called.
// name is used only for diagnostics (panic messages, log lines).
func NewThread(name string, fn ThreadFunc, opts ...ThreadOption) *Thread {
	t := &Thread{
		name:   name,
		fn:     fn,
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the thread's goroutine. It is safe to call Start more
// than once; only the first call has effect.
func (t *Thread) Start() {
	t.startOnce.Do(func() {
		go t.run()
	})
}

func (t *Thread) run() {
	defer close(t.doneCh)
	defer func() {
		if r := recover(); r != nil {
			t.err = fmt.Errorf("thread %q panicked: %v", t.name, r)
		}
	}()
	t.err = t.fn()
}

// Join blocks until the thread's goroutine has returned, then yields its
// result. Safe to call multiple times and from multiple goroutines; all
// callers observe the same result.
func (t *Thread) Join() error {
	<-t.doneCh
	return t.err
}

// DoneChan returns a channel that is closed when the thread has finished,
// for use in select statements alongside other shutdown signals.
func (t *Thread) DoneChan() <-chan struct{} {
	return t.doneCh
}

// Name returns the thread's diagnostic name
func (t *Thread) Name() string {
	return t.name
}
