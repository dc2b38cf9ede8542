package queue

import (
	"fmt"
	"sync"
)

// State is the lifecycle position of a subscriber.
type State int32

const (
	StateIdle State = iota
	StateSubscribing
	StateReceiving
	StateProcessing
	StateAcking
	StateShuttingDown
	StateClosed
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StateSubscribing:  "subscribing",
	StateReceiving:    "receiving",
	StateProcessing:   "processing",
	StateAcking:       "acking",
	StateShuttingDown: "shutting_down",
	StateClosed:       "closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var transitions = map[State][]State{
	StateIdle:         {StateSubscribing},
	StateSubscribing:  {StateReceiving, StateIdle},
	StateReceiving:    {StateReceiving, StateProcessing, StateAcking, StateSubscribing},
	StateProcessing:   {StateAcking, StateReceiving},
	StateAcking:       {StateReceiving},
	StateShuttingDown: {StateClosed},
}

// machine guards state changes. Any state may move to ShuttingDown.
type machine struct {
	mu    sync.Mutex
	state State
}

func (m *machine) get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// to moves to next, returning an error when the transition is not allowed.
func (m *machine) to(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next == StateShuttingDown && m.state != StateClosed {
		m.state = next
		return nil
	}
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid subscriber transition %s -> %s", m.state, next)
}

// shutdown moves through ShuttingDown to Closed; it reports false when
// already closed.
func (m *machine) shutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return false
	}
	m.state = StateClosed
	return true
}
