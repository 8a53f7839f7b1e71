package status

import (
	"sync"
	"testing"

	"github.com/carechat/carechat/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want disconnected", m.Current())
	}
	if m.IsConnected() {
		t.Error("IsConnected() = true on a fresh machine")
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connecting, Disconnected},
		{Connecting, Reconnecting},
		{Connected, Reconnecting},
		{Connected, Disconnected},
		{Reconnecting, Connecting},
		{Reconnecting, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(disconnected -> connected) should fail; must go through connecting")
	}
	if m.Current() != Disconnected {
		t.Errorf("state = %s, want disconnected (unchanged)", m.Current())
	}
}

func TestTransitionEmitsConnectionEvent(t *testing.T) {
	b := bus.New(nil)
	var changes []StatusChange
	b.On(bus.KindConnection, func(e bus.Event) {
		changes = append(changes, e.Payload.(StatusChange))
	})

	m := NewMachine(b)
	walkTo(t, m, Connected)
	if err := m.Transition(Reconnecting); err != nil {
		t.Fatal(err)
	}

	if len(changes) != 3 {
		t.Fatalf("got %d events, want 3", len(changes))
	}
	last := changes[2]
	if last.From != Connected || last.To != Reconnecting {
		t.Errorf("last change = %v -> %v, want connected -> reconnecting", last.From, last.To)
	}
	if !last.Dropped() {
		t.Error("Dropped() = false for connected -> reconnecting")
	}
	if changes[1].Dropped() {
		t.Error("Dropped() = true for connecting -> connected")
	}
}

// Handlers run after the lock is released, so querying from inside one
// must not deadlock.
func TestHandlerCanQueryMachine(t *testing.T) {
	b := bus.New(nil)
	m := NewMachine(b)
	var seen State
	b.On(bus.KindConnection, func(bus.Event) { seen = m.Current() })

	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}
	if seen != Connecting {
		t.Errorf("handler saw %s, want connecting", seen)
	}
}

func TestHandlerTransitionIsPublishedAfterCurrentEvent(t *testing.T) {
	b := bus.New(nil)
	m := NewMachine(b)
	var got []StatusChange
	b.On(bus.KindConnection, func(e bus.Event) {
		c := e.Payload.(StatusChange)
		got = append(got, c)
		if c.To == Connected {
			_ = m.Transition(Reconnecting)
		}
	})
	b.On(bus.KindConnection, func(e bus.Event) {
		got = append(got, e.Payload.(StatusChange))
	})

	walkTo(t, m, Connected)

	want := []StatusChange{
		{Disconnected, Connecting}, {Disconnected, Connecting},
		{Connecting, Connected}, {Connecting, Connected},
		{Connected, Reconnecting}, {Connected, Reconnecting},
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestConcurrentTransitionsPublishInOrder(t *testing.T) {
	b := bus.New(nil)
	m := NewMachine(b)
	var (
		mu  sync.Mutex
		got []StatusChange
	)
	b.On(bus.KindConnection, func(e bus.Event) {
		mu.Lock()
		got = append(got, e.Payload.(StatusChange))
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				for _, s := range []State{Connecting, Connected, Reconnecting, Disconnected} {
					_ = m.Transition(s)
				}
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatal("no events published")
	}
	if got[0].From != Disconnected {
		t.Errorf("first event from %s, want disconnected", got[0].From)
	}
	for i := 1; i < len(got); i++ {
		if got[i].From != got[i-1].To {
			t.Fatalf("event %d %v does not follow %v", i, got[i], got[i-1])
		}
	}
	if last := got[len(got)-1].To; last != m.Current() {
		t.Errorf("last event to %s, machine is %s", last, m.Current())
	}
}

// TestDropReconnectCycle verifies the reconnect loop:
// connected → reconnecting → connecting → connected
func TestDropReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connected)

	for _, s := range []State{Reconnecting, Connecting, Connected} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if !m.IsConnected() {
		t.Errorf("final state = %s, want connected", m.Current())
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected: {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
		Reconnecting: {Connecting, Connected, Reconnecting},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
