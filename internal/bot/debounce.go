package bot

import "time"

// debouncer coalesces a burst of messages into one reply trigger. It is
// owned by the daemon loop and never touched from another goroutine.
//
// Stop and Reset rely on the timer semantics of Go 1.23 and later: once
// they return, no value from an earlier schedule is delivered on C.
type debouncer struct {
	wait    time.Duration
	timer   *time.Timer
	pending bool
}

func newDebouncer(wait time.Duration) *debouncer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &debouncer{wait: wait, timer: t}
}

// Reset cancels any pending trigger and schedules a new one.
func (d *debouncer) Reset() {
	d.timer.Reset(d.wait)
	d.pending = true
}

// Cancel drops the pending trigger, if any.
func (d *debouncer) Cancel() {
	d.timer.Stop()
	d.pending = false
}

// C delivers one value per burst.
func (d *debouncer) C() <-chan time.Time {
	return d.timer.C
}

// Fired must be called by the loop after receiving from C.
func (d *debouncer) Fired() {
	d.pending = false
}

// Pending reports whether a trigger is scheduled.
func (d *debouncer) Pending() bool {
	return d.pending
}
