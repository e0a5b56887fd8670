package utils

import (
	"time"
)

type (
	// Timer is a reusable timer that is safe to Reset and Stop without
	// reading C, unlike a bare time.Timer. The close handshake reuses one
	// across its two wait phases.
	Timer struct {
		C     <-chan time.Time
		inner *time.Timer
	}
)

// NewTimer create an idle timer; it starts counting at the first Reset.
func NewTimer() *Timer {
	return new(Timer)
}

// Reset (re)arm the timer for d from now, draining a pending fire first.
func (t *Timer) Reset(d time.Duration) {
	if t.inner == nil {
		t.inner = time.NewTimer(d)
	} else {
		t.drain()
		t.inner.Reset(d)
	}
	t.C = t.inner.C
}

// Stop disarm the timer.
func (t *Timer) Stop() {
	if t.inner == nil {
		return
	}
	t.drain()
	t.C = nil
}

func (t *Timer) drain() {
	if !t.inner.Stop() {
		select {
		case <-t.inner.C:
		default:
		}
	}
}
