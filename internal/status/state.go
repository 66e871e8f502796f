package status

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrInvalidTransition is returned when a connection cannot move to the
// requested state.
var ErrInvalidTransition = errors.New("invalid state transition")

// State is the lifecycle state of one client connection.
type State string

const (
	Anonymous  State = "ANONYMOUS"
	Identified State = "IDENTIFIED"
	Closed     State = "CLOSED"
)

// validTransitions defines allowed state transitions. Closed is terminal.
var validTransitions = map[State][]State{
	Anonymous:  {Identified, Closed},
	Identified: {Closed},
	Closed:     {},
}

// Machine tracks and enforces the state of one connection.
type Machine struct {
	mu       sync.RWMutex
	current  State
	onChange func(Change)
}

// NewMachine creates a machine in Anonymous. onChange, if set, is called
// after every successful transition while the machine is locked.
func NewMachine(onChange func(Change)) *Machine {
	return &Machine{
		current:  Anonymous,
		onChange: onChange,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the machine is in s.
func (m *Machine) Is(s State) bool {
	return m.Current() == s
}

// Transition attempts to move to a new state.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("%w from %s to %s", ErrInvalidTransition, m.current, to)
	}
	from := m.current
	m.current = to
	if m.onChange != nil {
		m.onChange(Change{From: from, To: to})
	}
	return nil
}

// Change describes one transition.
type Change struct {
	From State
	To   State
}
