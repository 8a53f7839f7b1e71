// Package typing turns local keystrokes into debounced start/stop signals
// and aggregates remote typing signals per conversation.
package typing

import (
	"context"
	"sort"
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

// Options configures debounce and expiry.
type Options struct {
	// Idle is how long after the last keystroke a stop signal is sent.
	Idle time.Duration
	// MaxAge bounds how long a remote entry lives without a refresh.
	MaxAge time.Duration
	Now    func() time.Time
}

func (o *Options) defaults() {
	if o.Idle == 0 {
		o.Idle = time.Second
	}
	if o.MaxAge == 0 {
		o.MaxAge = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Entry is one remote peer typing in a conversation.
type Entry struct {
	ConversationID string
	UserID         string
	UserName       string
	ExpiresAt      time.Time
}

// Changed is the payload of bus.KindTypingChanged.
type Changed struct {
	ConversationID string
}

// Identity names the local user in outbound typing signals.
type Identity struct {
	UserID   string
	UserName string
}

// Coordinator owns both sides of typing state.
type Coordinator struct {
	opts   Options
	self   Identity
	emit   Emitter
	bus    *bus.Bus
	logger *zap.Logger

	mu         sync.Mutex
	localConv  string
	localOn    bool
	localTimer *time.Timer
	localGen   uint64
	remote     map[string]map[string]Entry

	cancel context.CancelFunc
}

// New creates a coordinator for the local user.
func New(self Identity, opts Options, emit Emitter, b *bus.Bus, logger *zap.Logger) *Coordinator {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		opts:   opts,
		self:   self,
		emit:   emit,
		bus:    b,
		logger: logger,
		remote: make(map[string]map[string]Entry),
	}
}

// Keystroke records the composer text for conversationID after an edit.
// The first non-empty text sends a start signal at once; a stop follows
// after Idle without edits or as soon as the text is empty again.
func (c *Coordinator) Keystroke(ctx context.Context, conversationID, text string) {
	var signals []wire.TypingPayload

	c.mu.Lock()
	if c.localOn && c.localConv != conversationID {
		signals = append(signals, c.stopLocked())
	}
	switch {
	case text == "":
		if c.localOn {
			signals = append(signals, c.stopLocked())
		}
	default:
		if !c.localOn {
			c.localOn = true
			c.localConv = conversationID
			signals = append(signals, c.signal(conversationID, true))
		}
		c.armLocked()
	}
	c.mu.Unlock()

	c.send(ctx, signals...)
}

// Reset ends local typing, sending a stop if a start was sent. Used when
// the message is sent or the conversation changes.
func (c *Coordinator) Reset(ctx context.Context) {
	c.mu.Lock()
	var signals []wire.TypingPayload
	if c.localOn {
		signals = append(signals, c.stopLocked())
	}
	c.mu.Unlock()

	c.send(ctx, signals...)
}

func (c *Coordinator) armLocked() {
	if c.localTimer != nil {
		c.localTimer.Stop()
	}
	c.localGen++
	gen := c.localGen
	c.localTimer = time.AfterFunc(c.opts.Idle, func() { c.idle(gen) })
}

func (c *Coordinator) idle(gen uint64) {
	c.mu.Lock()
	if gen != c.localGen || !c.localOn {
		c.mu.Unlock()
		return
	}
	sig := c.stopLocked()
	c.mu.Unlock()

	c.send(context.Background(), sig)
}

func (c *Coordinator) stopLocked() wire.TypingPayload {
	if c.localTimer != nil {
		c.localTimer.Stop()
		c.localTimer = nil
	}
	c.localGen++
	c.localOn = false
	return c.signal(c.localConv, false)
}

func (c *Coordinator) signal(conversationID string, on bool) wire.TypingPayload {
	return wire.TypingPayload{
		ConversationID: conversationID,
		IsTyping:       on,
		UserID:         c.self.UserID,
		UserName:       c.self.UserName,
	}
}

func (c *Coordinator) send(ctx context.Context, signals ...wire.TypingPayload) {
	for _, s := range signals {
		if err := c.emit.Emit(ctx, wire.Typing, s); err != nil {
			c.logger.Debug("typing signal not sent", zap.Error(err),
				zap.String("conversation_id", s.ConversationID), zap.Bool("is_typing", s.IsTyping))
		}
	}
}

// Attach subscribes to remote typing and connection events.
func (c *Coordinator) Attach() func() {
	offs := []func(){
		c.bus.On(wire.Typing, func(evt bus.Event) {
			if p, ok := evt.Payload.(wire.TypingPayload); ok {
				c.Apply(p)
			}
		}),
		c.bus.On(bus.KindConnection, func(evt bus.Event) {
			if ch, ok := evt.Payload.(status.StatusChange); ok && ch.To != status.Connected {
				c.dropAll()
			}
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// Apply records a remote typing signal. Own echoes are ignored.
func (c *Coordinator) Apply(p wire.TypingPayload) {
	if p.UserID == "" || p.UserID == c.self.UserID {
		return
	}

	c.mu.Lock()
	peers := c.remote[p.ConversationID]
	_, had := peers[p.UserID]
	switch {
	case p.IsTyping:
		if peers == nil {
			peers = make(map[string]Entry)
			c.remote[p.ConversationID] = peers
		}
		peers[p.UserID] = Entry{
			ConversationID: p.ConversationID,
			UserID:         p.UserID,
			UserName:       p.UserName,
			ExpiresAt:      c.opts.Now().Add(c.opts.MaxAge),
		}
	case had:
		delete(peers, p.UserID)
		if len(peers) == 0 {
			delete(c.remote, p.ConversationID)
		}
	}
	c.mu.Unlock()

	if had != p.IsTyping {
		c.changed(p.ConversationID)
	}
}

// Typing returns the peers currently typing in conversationID, by name.
func (c *Coordinator) Typing(conversationID string) []Entry {
	now := c.opts.Now()
	c.mu.Lock()
	var out []Entry
	for _, e := range c.remote[conversationID] {
		if now.Before(e.ExpiresAt) {
			out = append(out, e)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UserName != out[j].UserName {
			return out[i].UserName < out[j].UserName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Prune drops entries that expired before now, for peers whose stop
// signal never arrived.
func (c *Coordinator) Prune(now time.Time) int {
	c.mu.Lock()
	var touched []string
	n := 0
	for conv, peers := range c.remote {
		before := len(peers)
		for id, e := range peers {
			if !now.Before(e.ExpiresAt) {
				delete(peers, id)
			}
		}
		if removed := before - len(peers); removed > 0 {
			n += removed
			touched = append(touched, conv)
		}
		if len(peers) == 0 {
			delete(c.remote, conv)
		}
	}
	c.mu.Unlock()

	for _, conv := range touched {
		c.changed(conv)
	}
	return n
}

func (c *Coordinator) dropAll() {
	c.mu.Lock()
	convs := make([]string, 0, len(c.remote))
	for conv := range c.remote {
		convs = append(convs, conv)
	}
	clear(c.remote)
	if c.localOn {
		c.stopLocked()
	}
	c.mu.Unlock()

	for _, conv := range convs {
		c.changed(conv)
	}
}

// Start runs the expiry sweeper until ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(c.opts.MaxAge / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Prune(c.opts.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweeper and any pending idle timer.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.localTimer != nil {
		c.localTimer.Stop()
	}
	c.mu.Unlock()
}

func (c *Coordinator) changed(conversationID string) {
	c.bus.Publish(bus.Event{
		Kind:      bus.KindTypingChanged,
		Timestamp: time.Now(),
		Payload:   Changed{ConversationID: conversationID},
	})
}
