package pending

import "time"

// Timer is the cancel handle of a one-shot scheduled callback.
// Stop must be safe to call after the callback fired.
type Timer interface {
	Stop() bool
}

// Scheduler registers one-shot callbacks.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// WallClock schedules on the runtime timer heap.
type WallClock struct{}

func (WallClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
