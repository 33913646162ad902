// Package schedule provides the timer abstraction used for pending-command
// timeouts, with a wall-clock implementation and a manually advanced fake.
package schedule

import "time"

// Timer is a scheduled callback that can be stopped before it fires.
// Stop reports whether it prevented the callback from running.
type Timer interface {
	Stop() bool
}

// Scheduler hands out one-shot timers and the current time.
type Scheduler interface {
	Now() time.Time
	// AfterFunc runs f on its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Wall is a Scheduler backed by the runtime timer heap. Durations are
// measured on the monotonic clock.
type Wall struct{}

// NewWall returns the wall-clock scheduler.
func NewWall() Wall { return Wall{} }

func (Wall) Now() time.Time { return time.Now() }

func (Wall) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
