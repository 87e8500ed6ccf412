// Package sched defines the cooperative execution contract used by every
// asynchronous operation: yield control once, or drive a computation to
// completion from non-cooperative code.
package sched

import (
	"runtime"
	"time"
)

// Scheduler suspends the calling task between completion polls.
type Scheduler interface {
	// Yield lets other tasks run before the caller resumes.
	Yield()
	// BlockOn runs fn to completion from a non-cooperative context, such as
	// program teardown, and returns its result.
	BlockOn(fn func() error) error
}

// OS yields through the Go runtime scheduler.
type OS struct{}

var _ Scheduler = OS{}

// Yield calls runtime.Gosched.
func (OS) Yield() {
	runtime.Gosched()
}

// BlockOn runs fn on the calling goroutine.
func (OS) BlockOn(fn func() error) error {
	if fn == nil {
		return nil
	}
	return fn()
}

// Sleep yields by parking the goroutine for a fixed interval. It trades
// latency for CPU when completions arrive from the network.
type Sleep struct {
	Interval time.Duration
}

var _ Scheduler = Sleep{}

// Yield sleeps for the configured interval, or yields to the runtime when the
// interval is not positive.
func (s Sleep) Yield() {
	if s.Interval <= 0 {
		runtime.Gosched()
		return
	}
	time.Sleep(s.Interval)
}

// BlockOn runs fn on the calling goroutine.
func (s Sleep) BlockOn(fn func() error) error {
	if fn == nil {
		return nil
	}
	return fn()
}

// Default returns the scheduler used when none is configured.
func Default() Scheduler {
	return OS{}
}
