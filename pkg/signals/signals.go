// Package signals turns SIGINT and SIGTERM into context cancellation.
package signals

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Shutdown is the set of signals that stop the process.
var Shutdown = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// NotifyContext returns a context cancelled by the first shutdown signal.
// onStop runs exactly once, on the signal or on the returned stop func,
// whichever comes first. A nil onStop is allowed.
func NotifyContext(parent context.Context, onStop func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, Shutdown...)

	var once sync.Once
	fire := func() {
		once.Do(func() {
			signal.Stop(ch)
			cancel()
			if onStop != nil {
				onStop()
			}
		})
	}

	go func() {
		select {
		case <-ch:
			fire()
		case <-ctx.Done():
			signal.Stop(ch)
		}
	}()
	return ctx, fire
}
