package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/weiawesome/derma-console/internal/config"
	"github.com/weiawesome/derma-console/internal/domain"
	"github.com/weiawesome/derma-console/pkg/jwt"
	"github.com/weiawesome/derma-console/pkg/log"
)

var (
	ErrNotConnected     = errors.New("realtime: not connected")
	ErrClosed           = errors.New("realtime: connection closed")
	ErrAuthRejected     = errors.New("realtime: authentication rejected")
	ErrSendBufferFull   = errors.New("realtime: send buffer full")
	ErrPayloadNotObject = errors.New("realtime: payload must encode to a JSON object")
	ErrRetriesExhausted = errors.New("realtime: reconnect attempts exhausted")
)

// sendBufferSize matches the hub client queue on the server side.
const sendBufferSize = 256

// Handler receives the data of a pushed frame or a local event.
type Handler func(data json.RawMessage)

type handlerEntry struct {
	id uint64
	fn Handler
}

// Option configures a Conn.
type Option func(*Conn)

// WithClock replaces the clock used for client timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Conn) { c.now = now }
}

// Conn is one authenticated real-time session to the backend, optionally
// scoped to a room. It reconnects on its own until closed and re-joins
// its room after every successful handshake.
type Conn struct {
	cfg    config.RealtimeConfig
	token  string
	roomID string
	dialer *websocket.Dialer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.RWMutex
	state    domain.ConnState
	attempts int
	started  bool
	log      zerolog.Logger
	ws       *websocket.Conn // active transport, nil while down
	dialing  *websocket.Conn // transport still in handshake
	send     chan []byte
	stop     chan struct{}
	handlers map[string][]handlerEntry
	nextID   uint64
}

// New creates an unconnected Conn. roomID may be empty for the global
// notification channel.
func New(cfg config.RealtimeConfig, token, roomID string, opts ...Option) *Conn {
	cfg = withDefaults(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		cfg:    cfg,
		token:  jwt.Sanitize(token),
		roomID: roomID,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    domain.ConnUninitialized,
		log:      log.L(),
		handlers: make(map[string][]handlerEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func withDefaults(cfg config.RealtimeConfig) config.RealtimeConfig {
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 << 10
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.Reconnect.InitialInterval <= 0 {
		cfg.Reconnect.InitialInterval = time.Second
	}
	if cfg.Reconnect.MaxInterval <= 0 {
		cfg.Reconnect.MaxInterval = 30 * time.Second
	}
	if cfg.Reconnect.Multiplier < 1 {
		cfg.Reconnect.Multiplier = 2
	}
	return cfg
}

// State returns the current lifecycle state.
func (c *Conn) State() domain.ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// RoomID is the room joined after every handshake, empty for the global
// channel.
func (c *Conn) RoomID() string { return c.roomID }

// Connected reports whether a transport is up.
func (c *Conn) Connected() bool { return c.State() == domain.ConnConnected }

// Attempts returns the number of consecutive failed reconnect attempts.
func (c *Conn) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// Connect starts the connection and waits for the first handshake to
// finish. A transport failure is returned but the connection keeps
// retrying in the background; ErrAuthRejected is final. Connect on an
// already started Conn returns nil immediately.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == domain.ConnClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.log = log.Ctx(ctx).With().Str(log.FieldRoomID, c.roomID).Logger()
	c.mu.Unlock()

	first := make(chan error, 1)
	go c.run(first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the connection stopped for good, either through
// Close, an auth rejection or exhausted retries.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Listen registers fn for event. Handlers for the same event accumulate;
// the returned func removes only this registration.
func (c *Conn) Listen(event string, fn Handler) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == domain.ConnClosed {
		return func() {}
	}
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { c.removeHandler(event, id) })
	}
}

func (c *Conn) removeHandler(event string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.handlers[event]
	for i, e := range entries {
		if e.id == id {
			c.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(c.handlers[event]) == 0 {
		delete(c.handlers, event)
	}
}

// Emit queues a frame for the server. Object payloads get a
// client_timestamp in unix milliseconds.
func (c *Conn) Emit(event string, payload any) error {
	data, err := stamp(payload, c.now())
	if err != nil {
		return err
	}
	b, err := json.Marshal(domain.Frame{Type: event, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	c.mu.RLock()
	send, stop, state := c.send, c.stop, c.state
	c.mu.RUnlock()

	if state == domain.ConnClosed {
		return ErrClosed
	}
	if send == nil {
		return ErrNotConnected
	}
	select {
	case <-stop:
		return ErrNotConnected
	default:
	}
	select {
	case send <- b:
		return nil
	case <-stop:
		return ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

func stamp(payload any, now time.Time) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		if string(raw) != "null" {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, ErrPayloadNotObject
			}
		}
	}
	ts, _ := json.Marshal(now.UnixMilli())
	fields["client_timestamp"] = ts
	return json.Marshal(fields)
}

// Close removes every listener, then closes the transport and stops
// reconnecting. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == domain.ConnClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = domain.ConnClosed
	c.handlers = make(map[string][]handlerEntry)
	ws, dialing, started, l := c.ws, c.dialing, c.started, c.log
	c.ws, c.dialing = nil, nil
	c.send, c.stop = nil, nil
	c.mu.Unlock()

	c.cancel()
	for _, conn := range []*websocket.Conn{ws, dialing} {
		if conn == nil {
			continue
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
		conn.Close()
	}
	if !started {
		close(c.done)
	}
	l.Debug().Msg("realtime connection closed")
	return nil
}

func (c *Conn) setState(s domain.ConnState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == domain.ConnClosed {
		return false
	}
	c.state = s
	return true
}

// dispatch runs the handlers registered for event in registration order.
func (c *Conn) dispatch(event string, data json.RawMessage) {
	c.mu.RLock()
	entries := c.handlers[event]
	snapshot := make([]handlerEntry, len(entries))
	copy(snapshot, entries)
	c.mu.RUnlock()

	for _, e := range snapshot {
		e.fn(data)
	}
}

func (c *Conn) dispatchLocal(event string, v any) {
	var data json.RawMessage
	if v != nil {
		data, _ = json.Marshal(v)
	}
	c.dispatch(event, data)
}
