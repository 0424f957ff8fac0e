package client

import (
	"sync"
	"time"
)

// DefaultCursorInterval is the quiet period before a cursor position is broadcast.
const DefaultCursorInterval = 100 * time.Millisecond

// Debouncer runs at most one pending task. Scheduling a new task cancels the
// pending one, so only the last task of a burst runs.
type Debouncer struct {
	interval time.Duration

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// NewDebouncer creates a debouncer with the given quiet interval.
func NewDebouncer(interval time.Duration) *Debouncer {
	if interval <= 0 {
		interval = DefaultCursorInterval
	}
	return &Debouncer{interval: interval}
}

// Schedule cancels any pending task and runs fn after the quiet interval.
func (d *Debouncer) Schedule(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		// A timer that fired while being replaced must not run.
		current := gen == d.gen
		if current {
			d.timer = nil
		}
		d.mu.Unlock()
		if current {
			fn()
		}
	})
}

// Pending reports whether a task is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Cancel drops the pending task, if any.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

func (d *Debouncer) cancelLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}
