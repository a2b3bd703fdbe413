package launch

import (
	"sync/atomic"
	"time"
)

// OneShot is an arm-once timer. The first Arm wins; once armed the callback
// WILL run after the delay — no handle exists to stop it, deliberately. The
// daemon's self-termination must not be cancelable by anything that happens
// after the operator confirmed a reset.
type OneShot struct {
	armed atomic.Bool
	fn    func()
}

// NewOneShot returns a timer that runs fn when it fires. fn executes on the
// timer goroutine; keep it short or hand off.
func NewOneShot(fn func()) *OneShot {
	return &OneShot{fn: fn}
}

// Arm schedules the callback after d. It reports false when the timer was
// already armed; the original schedule is kept.
func (t *OneShot) Arm(d time.Duration) bool {
	if !t.armed.CompareAndSwap(false, true) {
		return false
	}
	time.AfterFunc(d, t.fn)
	return true
}

// Armed reports whether Arm has succeeded before.
func (t *OneShot) Armed() bool { return t.armed.Load() }
