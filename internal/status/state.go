package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/carechat/carechat/internal/bus"
)

// State represents the realtime connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected, Reconnecting},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions. Every accepted
// transition is published as a bus.KindConnection event, in the order the
// transitions happened.
type Machine struct {
	mu         sync.RWMutex
	current    State
	queue      []StatusChange
	publishing bool
	bus        *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsConnected reports whether the stream is live.
func (m *Machine) IsConnected() bool {
	return m.Current() == Connected
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Events are published outside the lock so handlers may query the machine
// or transition it again. Only one caller publishes at a time; changes made
// meanwhile are queued and published by that caller in order.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	if m.bus == nil {
		m.mu.Unlock()
		return nil
	}
	m.queue = append(m.queue, StatusChange{From: from, To: to})
	if m.publishing {
		m.mu.Unlock()
		return nil
	}
	m.publishing = true
	for len(m.queue) > 0 {
		change := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.bus.Publish(bus.Event{
			Kind:      bus.KindConnection,
			Timestamp: time.Now(),
			Payload:   change,
		})

		m.mu.Lock()
	}
	m.publishing = false
	m.mu.Unlock()
	return nil
}

// StatusChange is the payload for connection events.
type StatusChange struct {
	From State
	To   State
}

// Dropped reports whether the change ends a live connection.
func (c StatusChange) Dropped() bool {
	return c.From == Connected && c.To != Connected
}
