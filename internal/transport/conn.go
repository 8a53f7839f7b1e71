package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/carechat/carechat/internal/bus"
	"github.com/carechat/carechat/internal/status"
	"github.com/carechat/carechat/internal/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Emit when no live stream exists.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrReconnecting is returned by Connect while the reconnect loop owns the connection.
	ErrReconnecting = errors.New("transport: reconnect in progress")
)

// Options configures the realtime connection.
type Options struct {
	URL                      string
	PingInterval             time.Duration
	PongWait                 time.Duration
	WriteWait                time.Duration
	InitialReconnectInterval time.Duration
	MaxReconnectInterval     time.Duration
	SendQueueSize            int
	Dialer                   *websocket.Dialer
}

func (o *Options) defaults() {
	if o.PongWait == 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval == 0 {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait == 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.InitialReconnectInterval == 0 {
		o.InitialReconnectInterval = 500 * time.Millisecond
	}
	if o.MaxReconnectInterval == 0 {
		o.MaxReconnectInterval = 30 * time.Second
	}
	if o.SendQueueSize == 0 {
		o.SendQueueSize = 256
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// ErrorEvent is the payload of bus.KindError events raised by the transport.
type ErrorEvent struct {
	Err     error
	Attempt int
}

// Conn owns the single duplex event stream of a user session. Inbound
// frames are decoded into wire payloads and published on the bus under
// their event name; lifecycle changes go through the status machine.
type Conn struct {
	opts    Options
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	dialMu sync.Mutex // serialises dials so concurrent Connect calls share one handle

	mu          sync.Mutex
	token       string
	handle      *Handle
	closing     bool
	reconnectFn context.CancelFunc
}

// New creates a transport connection. Nothing is dialled until Connect.
func New(opts Options, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Conn {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		opts:    opts,
		bus:     b,
		machine: machine,
		logger:  logger,
	}
}

// Connect opens the stream authenticated by token. If a stream is already
// open its handle is returned and no second stream is created. When the
// initial dial fails the error is published, returned, and the reconnect
// loop takes over.
func (c *Conn) Connect(ctx context.Context, token string) (*Handle, error) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	if c.handle != nil {
		h := c.handle
		c.mu.Unlock()
		return h, nil
	}
	if c.reconnectFn != nil {
		c.mu.Unlock()
		return nil, ErrReconnecting
	}
	c.token = token
	c.closing = false
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connecting)
	h, err := c.dial(ctx)
	if err != nil {
		c.publishError(err, 0)
		_ = c.machine.Transition(status.Reconnecting)
		c.startReconnect()
		return nil, err
	}
	return h, nil
}

// Disconnect closes the stream intentionally. Frames already accepted by
// Emit are flushed first, bounded by WriteWait. No reconnect follows.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.closing = true
	if c.reconnectFn != nil {
		c.reconnectFn()
		c.reconnectFn = nil
	}
	h := c.handle
	c.handle = nil
	c.mu.Unlock()

	if h != nil {
		h.shutdown(c.opts.WriteWait)
		c.logger.Info("realtime stream closed", zap.String("handle", h.ID))
	}
	if c.machine.Current() != status.Disconnected {
		_ = c.machine.Transition(status.Disconnected)
	}
}

// Connected reports whether a live stream exists.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle != nil
}

// Handle returns the live handle, or nil.
func (c *Conn) Handle() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Emit queues an outbound event on the live stream. It does not wait for
// the frame to be written; a failed write surfaces as a dropped connection.
func (c *Conn) Emit(ctx context.Context, event string, body any) error {
	frame, err := wire.Encode(event, body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()
	if h == nil {
		return ErrNotConnected
	}
	select {
	case h.send <- frame:
		return nil
	case <-h.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) dial(ctx context.Context) (*Handle, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	h := &Handle{
		ID:          uuid.New().String(),
		ConnectedAt: time.Now(),
		ws:          ws,
		send:        make(chan []byte, c.opts.SendQueueSize),
		done:        make(chan struct{}),
		drain:       make(chan struct{}),
		flushed:     make(chan struct{}),
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		h.close(websocket.CloseNormalClosure)
		return nil, ErrNotConnected
	}
	c.handle = h
	c.mu.Unlock()

	go c.writePump(h)
	go c.readPump(h)

	c.logger.Info("realtime stream connected", zap.String("handle", h.ID), zap.String("url", c.opts.URL))
	_ = c.machine.Transition(status.Connected)
	return h, nil
}

func (c *Conn) readPump(h *Handle) {
	defer c.dropped(h)

	h.ws.SetReadLimit(1 << 20)
	_ = h.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	h.ws.SetPongHandler(func(string) error {
		return h.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := h.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("realtime stream read failed", zap.Error(err), zap.String("handle", h.ID))
			}
			return
		}
		_ = h.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		payload, err := wire.Decode(env)
		if err != nil {
			c.logger.Debug("discarding frame", zap.Error(err))
			continue
		}
		c.bus.Publish(bus.Event{Kind: env.Event, Timestamp: time.Now(), Payload: payload})
	}
}

func (c *Conn) writePump(h *Handle) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	defer close(h.flushed)

	for {
		select {
		case frame := <-h.send:
			if !c.write(h, frame) {
				return
			}
		case <-h.drain:
			for {
				select {
				case frame := <-h.send:
					if !c.write(h, frame) {
						return
					}
				default:
					return
				}
			}
		case <-ticker.C:
			_ = h.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := h.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.close(websocket.CloseAbnormalClosure)
				return
			}
		case <-h.done:
			return
		}
	}
}

func (c *Conn) write(h *Handle, frame []byte) bool {
	_ = h.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := h.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Warn("realtime stream write failed", zap.Error(err), zap.String("handle", h.ID))
		h.close(websocket.CloseAbnormalClosure)
		return false
	}
	return true
}

// dropped runs when the read loop of h exits. Stale handles and intentional
// closes are ignored; anything else hands over to the reconnect loop.
func (c *Conn) dropped(h *Handle) {
	h.close(websocket.CloseAbnormalClosure)

	c.mu.Lock()
	if c.handle != h || c.closing {
		c.mu.Unlock()
		return
	}
	c.handle = nil
	c.mu.Unlock()

	c.logger.Warn("realtime stream dropped", zap.String("handle", h.ID))
	_ = c.machine.Transition(status.Reconnecting)
	c.startReconnect()
}

func (c *Conn) startReconnect() {
	c.mu.Lock()
	if c.closing || c.reconnectFn != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.reconnectFn = cancel
	c.mu.Unlock()

	go c.reconnect(ctx)
}

// reconnect re-dials with the session token until it succeeds or the
// connection is closed on purpose.
func (c *Conn) reconnect(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.InitialReconnectInterval
	policy.MaxInterval = c.opts.MaxReconnectInterval
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err := c.machine.Transition(status.Connecting); err != nil {
			return backoff.Permanent(err)
		}
		c.dialMu.Lock()
		_, err := c.dial(ctx)
		c.dialMu.Unlock()
		if err != nil {
			if errors.Is(err, ErrNotConnected) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			_ = c.machine.Transition(status.Reconnecting)
			return err
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("reconnect attempt failed",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retry_in", next))
		c.publishError(err, attempt)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify)

	c.mu.Lock()
	c.reconnectFn = nil
	c.mu.Unlock()
	if err != nil {
		c.logger.Info("reconnect loop stopped", zap.Error(err))
		return
	}
	c.logger.Info("realtime stream re-established", zap.Int("attempts", attempt))
}

func (c *Conn) publishError(err error, attempt int) {
	c.bus.Publish(bus.Event{
		Kind:      bus.KindError,
		Timestamp: time.Now(),
		Payload:   ErrorEvent{Err: err, Attempt: attempt},
	})
}

// Handle identifies one live stream. A new handle is created on every
// successful (re)connect.
type Handle struct {
	ID          string
	ConnectedAt time.Time

	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	drain     chan struct{} // asks the write pump to flush send and exit
	flushed   chan struct{} // closed when the write pump exits
	drainOnce sync.Once
	closeOnce sync.Once
}

// Done is closed when this stream ends.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// shutdown lets the write pump flush queued frames, then closes normally.
// It gives up on the flush after wait.
func (h *Handle) shutdown(wait time.Duration) {
	h.drainOnce.Do(func() { close(h.drain) })
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-h.flushed:
	case <-h.done:
	case <-timer.C:
	}
	h.close(websocket.CloseNormalClosure)
}

func (h *Handle) close(code int) {
	h.closeOnce.Do(func() {
		close(h.done)
		_ = h.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
		_ = h.ws.Close()
	})
}
