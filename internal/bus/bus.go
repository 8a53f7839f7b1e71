package bus

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Bus is an in-process publish/subscribe event bus. It serves two kinds of
// consumers: synchronous callbacks keyed by exact event kind (On), and
// buffered channels filtered by namespace prefix (Subscribe).
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*registration
	subs     map[int]*subscription
	next     int
	logger   *zap.Logger
}

type registration struct {
	fn      Handler
	removed atomic.Bool
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus. A nil logger discards subscriber failures.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[string][]*registration),
		subs:     make(map[int]*subscription),
		logger:   logger,
	}
}

// On registers fn for events of exactly the given kind. Handlers run in
// registration order. The returned function removes this registration only;
// it is safe to call more than once and from inside a handler.
func (b *Bus) On(kind string, fn Handler) func() {
	reg := &registration{fn: fn}
	b.mu.Lock()
	b.handlers[kind] = append(b.handlers[kind], reg)
	b.mu.Unlock()

	return func() {
		if reg.removed.Swap(true) {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.handlers[kind]
		for i, r := range list {
			if r == reg {
				// Copy so a snapshot held by an in-flight Publish is untouched.
				next := make([]*registration, 0, len(list)-1)
				next = append(next, list[:i]...)
				next = append(next, list[i+1:]...)
				b.handlers[kind] = next
				break
			}
		}
		if len(b.handlers[kind]) == 0 {
			delete(b.handlers, kind)
		}
	}
}

// Publish delivers evt synchronously to every handler registered for its
// kind, then offers it to every channel subscriber whose namespace is a
// prefix of the kind. A panicking handler is logged and skipped.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	snapshot := b.handlers[evt.Kind]
	b.mu.RUnlock()

	for _, reg := range snapshot {
		if reg.removed.Load() {
			continue
		}
		b.invoke(reg.fn, evt)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
}

func (b *Bus) invoke(fn Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", evt.Kind),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn(evt)
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// HandlerCount reports how many callbacks are registered for kind.
func (b *Bus) HandlerCount(kind string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}
