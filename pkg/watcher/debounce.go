package watcher

import (
	"time"

	"questsync/pkg/proto"
)

// debounceState tracks where a project's buffer is in its flush cycle.
type debounceState int

const (
	stateIdle debounceState = iota
	stateBuffering
)

// debouncer is the per-project timer state machine: idle until the first
// event arrives, buffering while the flush timer keeps getting pushed back,
// and back to idle after a flush. Correctness requires only that the final
// state within the window is delivered, not per-keystroke fidelity, so every
// new event restarts the timer and exactly one batch leaves per quiet period.
//
// The debouncer is not goroutine-safe; the owning project loop is its only
// caller.
type debouncer struct {
	window time.Duration
	timer  Timer
	state  debounceState
	buf    []proto.FileChange
}

func newDebouncer(clock Clock, window time.Duration) *debouncer {
	// The timer must exist before the first event so the project loop can
	// select on it; start it stopped.
	timer := clock.NewTimer(window)
	if !timer.Stop() {
		// Drain a fire that slipped in between NewTimer and Stop.
		select {
		case <-timer.C():
		default:
		}
	}
	return &debouncer{
		window: window,
		timer:  timer,
	}
}

// add buffers one event and restarts the flush timer.
func (d *debouncer) add(ev proto.FileChange) {
	d.buf = append(d.buf, ev)
	d.timer.Reset(d.window)
	d.state = stateBuffering
}

// c exposes the flush timer's channel for the project loop's select.
func (d *debouncer) c() <-chan time.Time {
	return d.timer.C()
}

// flush returns the buffered events in arrival order and resets to idle.
// Returns nil when nothing is buffered.
func (d *debouncer) flush() []proto.FileChange {
	if d.state != stateBuffering {
		return nil
	}
	batch := d.buf
	d.buf = nil
	d.state = stateIdle
	return batch
}

// discard drops the buffer without emitting, used on stopWatching.
func (d *debouncer) discard() {
	if d.timer.Stop() {
		// Timer was armed; nothing buffered fires now.
	}
	d.buf = nil
	d.state = stateIdle
}

func (d *debouncer) pending() int {
	return len(d.buf)
}
