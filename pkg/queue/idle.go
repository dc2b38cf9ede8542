package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/intakeflow/pkg/clock"
)

// idleWatch cancels a consumption cycle once nothing was received for
// longer than the configured wait, so the subscriber reopens its session.
type idleWatch struct {
	clock clock.Clock
	last  atomic.Int64
}

func newIdleWatch(c clock.Clock) *idleWatch {
	w := &idleWatch{clock: c}
	w.touch()
	return w
}

func (w *idleWatch) touch() {
	w.last.Store(w.clock.Now().UnixNano())
}

func (w *idleWatch) idleFor() time.Duration {
	return w.clock.Since(time.Unix(0, w.last.Load()))
}

// run calls expire once idle exceeds wait and returns; it also returns
// when ctx is done. wait <= 0 disables the watch.
func (w *idleWatch) run(ctx context.Context, wait time.Duration, expire func()) {
	if wait <= 0 {
		return
	}
	period := wait / 4
	if period < 100*time.Millisecond {
		period = 100 * time.Millisecond
	}
	t := w.clock.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			if w.idleFor() > wait {
				expire()
				return
			}
		}
	}
}
