package p2p

import (
	"fmt"
	"sync"
)

// ConnState is the connection lifecycle of a host or client.
type ConnState int

const (
	StateIdle ConnState = iota
	StateAdvertising
	StateDiscovering
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAdvertising:
		return "advertising"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// transitions lists the legal successors of each state.
// Any state may also return to Idle when the role is stopped.
var transitions = map[ConnState][]ConnState{
	StateIdle:         {StateAdvertising, StateDiscovering},
	StateAdvertising:  {StateConnecting},
	StateDiscovering:  {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected},
	StateConnected:    {StateDisconnected},
	StateDisconnected: {StateAdvertising, StateDiscovering},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to ConnState) bool {
	if to == StateIdle {
		return from != StateIdle
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stateMachine holds a ConnState and notifies an observer on every change.
type stateMachine struct {
	mu       sync.Mutex
	state    ConnState
	onChange func(from, to ConnState)
}

func (m *stateMachine) get() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// set moves to the given state, or returns an error if the move is illegal.
// Setting the current state again is a no-op.
func (m *stateMachine) set(to ConnState) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	m.state = to
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil {
		onChange(from, to)
	}
	return nil
}

// walk applies a sequence of transitions, stopping at the first illegal one.
func (m *stateMachine) walk(states ...ConnState) error {
	for _, s := range states {
		if err := m.set(s); err != nil {
			return err
		}
	}
	return nil
}
