package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/derma-console/internal/alert"
	"github.com/weiawesome/derma-console/internal/api"
	"github.com/weiawesome/derma-console/internal/domain"
	"github.com/weiawesome/derma-console/internal/realtime"
	"github.com/weiawesome/derma-console/pkg/log"
)

var (
	ErrNoSession = errors.New("notification: no active session")
	ErrNotFound  = errors.New("notification: not found")
	ErrMissingID = errors.New("notification: payload has no id")
	// ErrFetchDeferred is returned while a failed fetch waits out its
	// retry delay.
	ErrFetchDeferred = errors.New("notification: fetch deferred")
)

// DefaultEvents are the push names treated as "new notification".
var DefaultEvents = []string{"new_notification", "notification", "appointment_notification"}

// Backend serves and acknowledges notifications.
type Backend interface {
	ListNotifications(ctx context.Context) ([]domain.NotificationPayload, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// Socket is the room-less real-time connection feeding pushes.
type Socket interface {
	Connect(ctx context.Context) error
	Listen(event string, fn realtime.Handler) func()
	State() domain.ConnState
	Close() error
}

// DialFunc opens the global socket for a token.
type DialFunc func(token string) Socket

// TokenSource reports the current session token, empty when signed out.
type TokenSource interface {
	Token() string
}

type Options struct {
	Events       []string
	PublicRoutes []string
	AckTimeout   time.Duration
	// RetryInitial and RetryMax bound the delay between failed fetches.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Aggregator is the process-wide alert list of one signed-in session.
type Aggregator struct {
	backend Backend
	tokens  TokenSource
	dial    DialFunc
	alerter alert.Alerter
	opts    Options
	now     func() time.Time

	// boot guards the fields below it and is never held across I/O.
	boot     sync.Mutex
	conn     Socket
	unsubs   []func()
	fetched  bool
	fetchErr error
	retryAt  time.Time
	retry    *backoff.ExponentialBackOff
	log      zerolog.Logger

	fetches singleflight.Group

	// gen changes on every Close; pushes and fetches from an older
	// generation are discarded.
	gen atomic.Uint64

	mu    sync.RWMutex
	items []*domain.Notification
	seen  map[string]*domain.Notification

	acks sync.WaitGroup
}

func NewAggregator(backend Backend, tokens TokenSource, dial DialFunc, alerter alert.Alerter, opts Options) *Aggregator {
	if len(opts.Events) == 0 {
		opts.Events = DefaultEvents
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 2 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = time.Minute
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = opts.RetryInitial
	retry.MaxInterval = opts.RetryMax
	retry.Reset()
	return &Aggregator{
		retry:   retry,
		backend: backend,
		tokens:  tokens,
		dial:    dial,
		alerter: alerter,
		opts:    opts,
		now:     time.Now,
		log:     log.L(),
		seen:    make(map[string]*domain.Notification),
	}
}

// IsPublic reports whether route is reachable without a session.
func (a *Aggregator) IsPublic(route string) bool {
	for _, p := range a.opts.PublicRoutes {
		p = strings.TrimRight(p, "/")
		if p == "" {
			continue
		}
		if route == p || strings.HasPrefix(route, p+"/") {
			return true
		}
	}
	return false
}

// Bootstrap opens the global socket and fetches existing notifications
// once per session. Public routes and signed-out calls do nothing. A
// failed fetch is retried on a later call once its backoff delay has
// passed; the socket is kept.
func (a *Aggregator) Bootstrap(ctx context.Context, route string) error {
	if a.IsPublic(route) {
		return nil
	}
	token := a.tokens.Token()
	if token == "" {
		return ErrNoSession
	}

	if conn, l, fresh := a.ensureConn(ctx, token); fresh {
		if err := conn.Connect(ctx); err != nil {
			l.Warn().Err(err).Msg("notification channel not connected yet")
		}
	}
	return a.fetchOnce(ctx)
}

// ensureConn creates the socket and its listeners the first time. fresh
// tells the caller to connect it.
func (a *Aggregator) ensureConn(ctx context.Context, token string) (Socket, zerolog.Logger, bool) {
	a.boot.Lock()
	defer a.boot.Unlock()
	if a.conn != nil {
		return a.conn, a.log, false
	}

	l := log.Ctx(ctx).With().Str(log.FieldComponent, "notification").Logger()
	a.log = l
	gen := a.gen.Load()
	conn := a.dial(token)
	push := func(data json.RawMessage) { a.handlePush(l, gen, data) }
	for _, ev := range a.opts.Events {
		a.unsubs = append(a.unsubs, conn.Listen(ev, push))
	}
	a.conn = conn
	return conn, l, true
}

func (a *Aggregator) fetchOnce(ctx context.Context) error {
	a.boot.Lock()
	if a.fetched {
		a.boot.Unlock()
		return nil
	}
	if wait := a.retryAt.Sub(a.now()); wait > 0 {
		last := a.fetchErr
		a.boot.Unlock()
		return fmt.Errorf("%w for %s: %v", ErrFetchDeferred, wait.Round(time.Millisecond), last)
	}
	gen := a.gen.Load()
	a.boot.Unlock()

	// Shared by concurrent callers; outlives any one caller's cancellation.
	_, err, _ := a.fetches.Do("list", func() (any, error) {
		list, err := a.backend.ListNotifications(context.WithoutCancel(ctx))

		a.boot.Lock()
		defer a.boot.Unlock()
		if a.gen.Load() != gen {
			return nil, nil
		}
		if err != nil {
			a.fetchErr = err
			a.retryAt = a.now().Add(a.retry.NextBackOff())
			return nil, err
		}
		a.retry.Reset()
		a.fetchErr = nil
		a.retryAt = time.Time{}
		a.mergeFetched(gen, list)
		a.fetched = true
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("fetch notifications: %w", err)
	}
	return nil
}

// Bootstrapped reports whether the initial fetch completed.
func (a *Aggregator) Bootstrapped() bool {
	a.boot.Lock()
	defer a.boot.Unlock()
	return a.fetched
}

func (a *Aggregator) mergeFetched(gen uint64, list []domain.NotificationPayload) {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen.Load() != gen {
		return
	}
	for i := range list {
		if list[i].ID == "" {
			continue
		}
		if _, dup := a.seen[list[i].ID]; dup {
			continue
		}
		n := list[i].ToDomain(now)
		a.items = append(a.items, &n)
		a.seen[n.ID] = &n
	}
}

func (a *Aggregator) handlePush(l zerolog.Logger, gen uint64, data json.RawMessage) {
	n, err := decodePush(data, a.now())
	if err != nil {
		l.Warn().Err(err).Msg("dropping notification push")
		return
	}

	a.mu.Lock()
	if a.gen.Load() != gen {
		a.mu.Unlock()
		l.Debug().Str(log.FieldNotificationID, n.ID).Msg("push from a closed session ignored")
		return
	}
	if _, dup := a.seen[n.ID]; dup {
		a.mu.Unlock()
		l.Debug().Str(log.FieldNotificationID, n.ID).Msg("duplicate notification ignored")
		return
	}
	a.items = append([]*domain.Notification{&n}, a.items...)
	a.seen[n.ID] = &n
	a.mu.Unlock()

	if a.alerter != nil {
		t := alert.New(alert.LevelInfo, alert.SourceNotification, n.Title, n.Message)
		t.RefID = n.ID
		a.alerter.Raise(log.WithLogger(context.Background(), l), t)
	}
}

// decodePush normalizes an enveloped or bare push payload.
func decodePush(data json.RawMessage, now time.Time) (domain.Notification, error) {
	var p domain.NotificationPayload
	if err := api.Decode(data, &p); err != nil {
		return domain.Notification{}, err
	}
	if strings.TrimSpace(p.ID) == "" {
		return domain.Notification{}, ErrMissingID
	}
	return p.ToDomain(now), nil
}

// MarkAsRead flips the local flag and acknowledges in the background.
// Marking an already read notification does nothing.
func (a *Aggregator) MarkAsRead(ctx context.Context, id string) error {
	a.mu.Lock()
	n, ok := a.seen[id]
	if !ok {
		a.mu.Unlock()
		return ErrNotFound
	}
	if n.Read {
		a.mu.Unlock()
		return nil
	}
	n.Read = true
	a.mu.Unlock()

	a.ack(ctx, func(ctx context.Context) error { return a.backend.MarkNotificationRead(ctx, id) }, id)
	return nil
}

// MarkAllAsRead flips every unread notification and sends one ack. It
// returns how many changed.
func (a *Aggregator) MarkAllAsRead(ctx context.Context) int {
	a.mu.Lock()
	changed := 0
	for _, n := range a.items {
		if !n.Read {
			n.Read = true
			changed++
		}
	}
	a.mu.Unlock()

	if changed > 0 {
		a.ack(ctx, a.backend.MarkAllNotificationsRead, "")
	}
	return changed
}

// ack runs fn detached from the caller. Failures are logged, never
// rolled back.
func (a *Aggregator) ack(ctx context.Context, fn func(context.Context) error, id string) {
	a.acks.Add(1)
	go func() {
		defer a.acks.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.AckTimeout)
		defer cancel()
		if err := fn(actx); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldNotificationID, id).Msg("read acknowledgement failed")
		}
	}()
}

// UnreadCount is derived from the list on every call.
func (a *Aggregator) UnreadCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	count := 0
	for _, n := range a.items {
		if !n.Read {
			count++
		}
	}
	return count
}

// List returns a most-recent-first copy.
func (a *Aggregator) List() []domain.Notification {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]domain.Notification, len(a.items))
	for i, n := range a.items {
		out[i] = *n
	}
	return out
}

// State is the global socket state.
func (a *Aggregator) State() domain.ConnState {
	a.boot.Lock()
	conn := a.conn
	a.boot.Unlock()
	if conn == nil {
		return domain.ConnUninitialized
	}
	return conn.State()
}

// Close tears the session down: listeners first, then the socket, then
// the list. A later Bootstrap starts over.
func (a *Aggregator) Close() error {
	a.boot.Lock()
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil
	conn := a.conn
	a.conn = nil
	a.fetched = false
	a.fetchErr = nil
	a.retryAt = time.Time{}
	a.retry.Reset()
	a.gen.Add(1)
	a.boot.Unlock()

	a.mu.Lock()
	a.items = nil
	a.seen = make(map[string]*domain.Notification)
	a.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Wait blocks until pending acknowledgements finish.
func (a *Aggregator) Wait() { a.acks.Wait() }
