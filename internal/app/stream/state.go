package stream

import (
	"sync"
)

// State is the lifecycle position of the private stream connection.
type State int32

const (
	// Disconnected means no transport exists.
	Disconnected State = iota
	// Connecting means the transport is being dialled.
	Connecting
	// Authenticating means the auth frame was sent and its response is awaited.
	Authenticating
	// Subscribing means active topics are being replayed.
	Subscribing
	// Live means data frames flow to the dispatch loop.
	Live
	// Closing means Stop is tearing the connection down.
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Authenticating:
		return "Authenticating"
	case Subscribing:
		return "Subscribing"
	case Live:
		return "Live"
	case Closing:
		return "Closing"
	default:
		return "Unknown"
	}
}

var transitions = map[State][]State{
	Disconnected:   {Connecting, Closing},
	Connecting:     {Authenticating, Disconnected, Closing},
	Authenticating: {Subscribing, Disconnected, Closing},
	Subscribing:    {Live, Disconnected, Closing},
	Live:           {Disconnected, Closing},
	Closing:        {Disconnected},
}

// CanTransition reports whether from -> to is a defined edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stateMachine holds the single connection state value.
type stateMachine struct {
	mu       sync.Mutex
	state    State
	observer func(from, to State)
}

func newStateMachine(observer func(from, to State)) *stateMachine {
	return &stateMachine{state: Disconnected, observer: observer}
}

func (m *stateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to the target state when the edge exists and reports success.
func (m *stateMachine) transition(to State) bool {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return true
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return false
	}
	m.state = to
	observer := m.observer
	m.mu.Unlock()
	if observer != nil {
		observer(from, to)
	}
	return true
}
