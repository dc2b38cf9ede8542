package batcher

import "sync"

// Ack tracks the events produced from one upstream message. Its callback
// fires exactly once: with nil after Seal once every event was flushed, or
// with the first flush error.
type Ack struct {
	mu      sync.Mutex
	pending int
	sealed  bool
	fired   bool
	err     error
	done    chan struct{}
	onDone  func(error)
}

// NewAck creates an ack group. onDone may be nil.
func NewAck(onDone func(error)) *Ack {
	return &Ack{onDone: onDone, done: make(chan struct{})}
}

// Seal declares that no more events will be added. An empty sealed group
// completes immediately.
func (a *Ack) Seal() {
	a.mu.Lock()
	a.sealed = true
	fire := !a.fired && a.pending == 0
	if fire {
		a.fired = true
	}
	a.mu.Unlock()
	if fire {
		a.finish(nil)
	}
}

// Fail completes the group with err unless it already completed.
func (a *Ack) Fail(err error) {
	a.mu.Lock()
	fire := !a.fired
	a.fired = true
	a.mu.Unlock()
	if fire {
		a.finish(err)
	}
}

// Done is closed once the group completed.
func (a *Ack) Done() <-chan struct{} {
	return a.done
}

// Err is the completion error, valid after Done is closed.
func (a *Ack) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *Ack) add(n int) {
	a.mu.Lock()
	a.pending += n
	a.mu.Unlock()
}

func (a *Ack) complete(n int, err error) {
	a.mu.Lock()
	a.pending -= n
	fire := !a.fired && (err != nil || (a.sealed && a.pending == 0))
	if fire {
		a.fired = true
	}
	a.mu.Unlock()
	if fire {
		a.finish(err)
	}
}

func (a *Ack) finish(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	close(a.done)
	if a.onDone != nil {
		a.onDone(err)
	}
}
