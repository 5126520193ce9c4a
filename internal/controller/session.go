package controller

import (
	"fmt"
	"slices"
	"sync"

	"github.com/RehanRiaz5383/lmsinbox/internal/bus"
)

// State is the conversation-session state.
type State string

const (
	// StateIdle means no conversation is open.
	StateIdle State = "IDLE"
	// StateLoading means a timeline fetch is in flight.
	StateLoading State = "LOADING"
	// StateReady means the timeline is loaded and channel listeners are
	// active. Sends are allowed only here.
	StateReady State = "READY"
)

// validTransitions defines allowed session state transitions. Loading to
// Loading covers switching conversations while a fetch is in flight.
var validTransitions = map[State][]State{
	StateIdle:    {StateLoading},
	StateLoading: {StateLoading, StateReady, StateIdle},
	StateReady:   {StateLoading, StateIdle},
}

// sessionMachine tracks and enforces the conversation-session state.
type sessionMachine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

func newSessionMachine(b *bus.Bus) *sessionMachine {
	return &sessionMachine{current: StateIdle, bus: b}
}

func (m *sessionMachine) state() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *sessionMachine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid session transition %s -> %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:    bus.KindSessionStateChanged,
			Payload: StateChange{From: from, To: to},
		})
	}
	return nil
}

// StateChange is the payload of session.state_changed events.
type StateChange struct {
	From State
	To   State
}
