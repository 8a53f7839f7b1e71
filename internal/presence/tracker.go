// Package presence keeps the process-wide set of online peers.
package presence

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/carechat/carechat/internal/bus"
	"github.com/carechat/carechat/internal/status"
	"github.com/carechat/carechat/internal/wire"
	"go.uber.org/zap"
)

// Emitter writes outbound events on the realtime stream.
type Emitter interface {
	Emit(ctx context.Context, event string, body any) error
}

// Changed is the payload of bus.KindPresenceChanged.
type Changed struct {
	UserID string
	Online bool
	// Reset is set when the whole set was cleared.
	Reset bool
}

// Tracker is fully event driven: joins and status changes mutate the set,
// and any connection state other than connected clears it.
type Tracker struct {
	bus    *bus.Bus
	emit   Emitter
	logger *zap.Logger

	mu     sync.RWMutex
	online map[string]struct{}
}

// NewTracker creates an empty tracker. emit may be nil if SetOwnStatus is unused.
func NewTracker(b *bus.Bus, emit Emitter, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		bus:    b,
		emit:   emit,
		logger: logger,
		online: make(map[string]struct{}),
	}
}

// Attach subscribes the tracker to presence and connection events.
func (t *Tracker) Attach() func() {
	offs := []func(){
		t.bus.On(wire.UserJoined, t.onPresence),
		t.bus.On(wire.UserLeft, t.onPresence),
		t.bus.On(wire.UserStatusChanged, t.onPresence),
		t.bus.On(bus.KindConnection, func(evt bus.Event) {
			if ch, ok := evt.Payload.(status.StatusChange); ok && ch.To != status.Connected {
				t.Clear()
			}
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (t *Tracker) onPresence(evt bus.Event) {
	p, ok := evt.Payload.(wire.PresencePayload)
	if !ok || p.UserID == "" {
		return
	}
	switch {
	case p.Kind == wire.UserJoined:
		t.set(p.UserID, true)
	case p.Kind == wire.UserLeft:
		t.set(p.UserID, false)
	case p.Status == wire.StatusOnline:
		t.set(p.UserID, true)
	case p.Status == wire.StatusOffline:
		t.set(p.UserID, false)
	default:
		t.logger.Debug("ignoring presence status", zap.String("user_id", p.UserID), zap.String("status", p.Status))
	}
}

func (t *Tracker) set(userID string, online bool) {
	t.mu.Lock()
	_, was := t.online[userID]
	if online {
		t.online[userID] = struct{}{}
	} else {
		delete(t.online, userID)
	}
	t.mu.Unlock()

	if was == online {
		return
	}
	t.bus.Publish(bus.Event{
		Kind:      bus.KindPresenceChanged,
		Timestamp: time.Now(),
		Payload:   Changed{UserID: userID, Online: online},
	})
}

// Clear empties the set. No stale presence survives a dropped connection.
func (t *Tracker) Clear() {
	t.mu.Lock()
	n := len(t.online)
	clear(t.online)
	t.mu.Unlock()

	if n == 0 {
		return
	}
	t.logger.Debug("presence cleared", zap.Int("peers", n))
	t.bus.Publish(bus.Event{
		Kind:      bus.KindPresenceChanged,
		Timestamp: time.Now(),
		Payload:   Changed{Reset: true},
	})
}

// IsOnline reports whether userID is currently online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// Online returns the online peers, sorted.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	t.mu.RUnlock()
	slices.Sort(out)
	return out
}

// SetOwnStatus announces the local user's status to the server.
func (t *Tracker) SetOwnStatus(ctx context.Context, s string) error {
	return t.emit.Emit(ctx, wire.SetOnlineStatus, wire.StatusRequest{Status: s})
}
