// Package clock is the single source of time for intakeflow. Production code
// uses Real(); tests inject k8s.io/utils/clock/testing.FakeClock and step it.
package clock

import (
	"context"
	"time"

	k8sclock "k8s.io/utils/clock"
)

// Clock is the time source every time-dependent component takes.
type Clock = k8sclock.WithTickerAndDelayedExecution

// Real returns the wall clock.
func Real() Clock {
	return k8sclock.RealClock{}
}

// OrReal returns c, or the wall clock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}

// Sleep blocks for d on c. It returns early with ctx.Err() when ctx is done.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

// UTC converts t to UTC truncated to microseconds.
func UTC(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Now returns c.Now() normalized with UTC.
func Now(c Clock) time.Time {
	return UTC(c.Now())
}
