// Package rstate provides a small guarded state machine for the engine's
// protection lifecycle.
package rstate

import (
	"fmt"
	"sync"
)

type State interface {
	comparable
	fmt.Stringer
}

// Transition defines a valid state transition.
type Transition[S State] struct {
	From S
	To   S
	Name string
}

type edge[S State] struct {
	From, To S
}

// TransitionError reports a move the table does not allow.
type TransitionError struct {
	From, To string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// Machine enforces valid state transitions.
type Machine[S State] struct {
	mu      sync.RWMutex
	current S

	allowed  map[edge[S]]string
	onChange func(from, to S, name string)
}

// New creates a state machine starting at the given state.
func New[S State](initial S, transitions []Transition[S], on func(from, to S, name string)) *Machine[S] {
	sm := &Machine[S]{
		current:  initial,
		allowed:  make(map[edge[S]]string, len(transitions)),
		onChange: on,
	}
	for _, t := range transitions {
		sm.allowed[edge[S]{From: t.From, To: t.To}] = t.Name
	}
	return sm
}

func (sm *Machine[S]) lookLocked(to S) (string, error) {
	name, ok := sm.allowed[edge[S]{From: sm.current, To: to}]
	if !ok {
		return "", &TransitionError{From: sm.current.String(), To: to.String()}
	}
	return name, nil
}

// CanTransitionTo checks if a transition to the target state is valid.
func (sm *Machine[S]) CanTransitionTo(to S) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, err := sm.lookLocked(to)
	return err == nil
}

// TransitionTo attempts to transition to a new state.
func (sm *Machine[S]) TransitionTo(to S) error {
	return sm.TransitionWith(to, nil)
}

// TransitionWith checks the move, runs fn, and commits the move only if fn
// returns nil. The machine stays locked while fn runs, so fn must not call
// back into the machine.
func (sm *Machine[S]) TransitionWith(to S, fn func() error) error {
	sm.mu.Lock()
	from := sm.current
	name, err := sm.lookLocked(to)
	if err != nil {
		sm.mu.Unlock()
		return err
	}
	if fn != nil {
		if err := fn(); err != nil {
			sm.mu.Unlock()
			return err
		}
	}
	sm.current = to
	sm.mu.Unlock()

	if sm.onChange != nil {
		sm.onChange(from, to, name)
	}
	return nil
}

// Reset forces the machine into s without consulting the table. Used when
// persisted state is reloaded.
func (sm *Machine[S]) Reset(s S) {
	sm.mu.Lock()
	sm.current = s
	sm.mu.Unlock()
}

// Current returns the current state.
func (sm *Machine[S]) Current() S {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}
