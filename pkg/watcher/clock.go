package watcher

import "time"

// Clock abstracts timer creation so the debounce state machine is testable
// without wall-clock waits.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of time.Timer the debouncer needs.
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration) bool
	Stop() bool
}

type realClock struct{}

// NewClock returns a Clock backed by the system clock.
func NewClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{timer: time.NewTimer(d)}
}

type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) C() <-chan time.Time {
	return t.timer.C
}

func (t *realTimer) Reset(d time.Duration) bool {
	return t.timer.Reset(d)
}

func (t *realTimer) Stop() bool {
	return t.timer.Stop()
}
