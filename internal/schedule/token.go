// Package schedule debounces navigation work. Each caller owns its Token, so
// two sessions never gate each other's work.
package schedule

import (
	"context"
	"sync"
	"time"
)

// DefaultQuiet is the debounce window used when none is given.
const DefaultQuiet = 300 * time.Millisecond

// Token runs the most recently scheduled function once the quiet period
// passes without another Schedule call. Starting new work cancels the
// context of work that is still running.
type Token struct {
	quiet time.Duration

	mu        sync.Mutex
	cond      *sync.Cond
	timer     *time.Timer
	gen       uint64
	running   int
	cancelRun context.CancelFunc
}

func New(quiet time.Duration) *Token {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	t := &Token{quiet: quiet}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Schedule replaces any pending work with fn. It reports whether pending
// work was dropped.
func (t *Token) Schedule(fn func(context.Context)) bool {
	if t == nil || fn == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := t.timer != nil && t.timer.Stop()
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.quiet, func() {
		t.fire(gen, fn)
	})
	return dropped
}

// Cancel drops pending work and cancels the context of running work.
func (t *Token) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.cancelRun != nil {
		t.cancelRun()
		t.cancelRun = nil
	}
	t.cond.Broadcast()
}

// InFlight reports whether work is pending or running.
func (t *Token) InFlight() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil || t.running > 0
}

// Wait blocks until no work is pending or running.
func (t *Token) Wait() {
	if t == nil {
		return
	}
	t.mu.Lock()
	for t.timer != nil || t.running > 0 {
		t.cond.Wait()
	}
	t.mu.Unlock()
}

func (t *Token) fire(gen uint64, fn func(context.Context)) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	if t.cancelRun != nil {
		t.cancelRun()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancelRun = cancel
	t.running++
	t.mu.Unlock()

	defer func() {
		cancel()
		t.mu.Lock()
		t.running--
		if t.gen == gen {
			t.cancelRun = nil
		}
		t.cond.Broadcast()
		t.mu.Unlock()
	}()
	fn(ctx)
}
