package gateway

import (
	"fmt"
	"slices"
	"sync"
)

// State is a connection's lifecycle state.
type State string

const (
	Unbound State = "UNBOUND"
	Bound   State = "BOUND"
	Closed  State = "CLOSED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Unbound: {Bound, Closed},
	Bound:   {Closed},
	Closed:  {},
}

// Machine tracks and enforces one connection's state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
}

// NewMachine creates a new state machine starting in Unbound state.
func NewMachine() *Machine {
	return &Machine{current: Unbound}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	m.current = to
	return nil
}
