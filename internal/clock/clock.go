// Package clock provides the time source and the delay primitive used by
// dispatch units.
package clock

import (
	"context"
	"time"
)

// Clock is the time source. Real code uses System; tests substitute a clock
// whose timers they control.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of *time.Timer the delay primitive needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type systemClock struct{}

// System is the wall clock.
var System Clock = systemClock{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer(d time.Duration) Timer {
	return realTimer{t: time.NewTimer(d)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool         { return r.t.Stop() }

// Until returns the time left until target, clamped at zero.
func Until(c Clock, target time.Time) time.Duration {
	d := target.Sub(c.Now())
	if d < 0 {
		return 0
	}
	return d
}

// SleepUntil blocks the calling goroutine until target. It returns nil
// immediately when target is not in the future and ctx.Err() if ctx ends
// first.
func SleepUntil(ctx context.Context, c Clock, target time.Time) error {
	return Sleep(ctx, c, Until(c, target))
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := c.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
