package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/derma-console/internal/alert"
	"github.com/weiawesome/derma-console/internal/api"
	"github.com/weiawesome/derma-console/internal/audit"
	"github.com/weiawesome/derma-console/internal/chat"
	"github.com/weiawesome/derma-console/internal/config"
	"github.com/weiawesome/derma-console/internal/domain"
	"github.com/weiawesome/derma-console/internal/notification"
	"github.com/weiawesome/derma-console/internal/realtime"
	"github.com/weiawesome/derma-console/internal/roster"
	"github.com/weiawesome/derma-console/internal/session"
	"github.com/weiawesome/derma-console/pkg/log"
)

var (
	ErrNoSession   = errors.New("no active session")
	ErrViewNotOpen = errors.New("conversation is not open")
)

// Backend is the REST surface the console calls.
type Backend interface {
	chat.Backend
	roster.Backend
	notification.Backend
	EndChat(ctx context.Context, chatID string) error
}

// RoomConn is one real-time connection. An empty room id is the global
// notification channel.
type RoomConn interface {
	Connect(ctx context.Context) error
	Listen(event string, fn realtime.Handler) func()
	Emit(event string, payload any) error
	State() domain.ConnState
	Close() error
}

// DialRoomFunc opens a connection for token, joined to roomID.
type DialRoomFunc func(token, roomID string) RoomConn

type Options struct {
	Chat               config.ChatConfig
	MessageEvent       string
	NotificationEvents []string
	PublicRoutes       []string
	Location           *time.Location
}

// consoleImpl implements Console.
type consoleImpl struct {
	sessions *session.Manager
	backend  Backend
	dialRoom DialRoomFunc
	alerter  alert.Alerter
	opts     Options
	echo     chat.EchoPolicy

	mu     sync.Mutex
	active *activeSession
}

// activeSession is everything that lives exactly as long as one sign-in.
type activeSession struct {
	specialistID string
	store        *chat.Store
	notes        *notification.Aggregator
	roster       *roster.Roster
	listed       atomic.Bool

	mu     sync.Mutex
	view   *mountedView
	drafts map[string]string
}

type mountedView struct {
	chatID string
	conn   RoomConn
	unsub  func()
	detach func()
}

// unmount drops listeners and the emitter before closing the socket so
// nothing fires into a view that is gone.
func (v *mountedView) unmount() {
	if v == nil {
		return
	}
	v.unsub()
	v.detach()
	v.conn.Close()
}

// NewConsole wires the console to a session manager. Sign-out from any
// cause tears the active session down.
func NewConsole(sessions *session.Manager, backend Backend, dial DialRoomFunc, alerter alert.Alerter, opts Options) (Console, error) {
	echo, err := chat.ParseEchoPolicy(opts.Chat.EchoPolicy)
	if err != nil {
		return nil, err
	}
	if opts.MessageEvent == "" {
		opts.MessageEvent = domain.FrameNewMessage
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if alerter == nil {
		alerter = alert.LogAlerter{}
	}

	c := &consoleImpl{
		sessions: sessions,
		backend:  backend,
		dialRoom: dial,
		alerter:  alerter,
		opts:     opts,
		echo:     echo,
	}
	sessions.OnLogout(c.onLogout)
	return c, nil
}

func (c *consoleImpl) Login(ctx context.Context, req session.LoginRequest) (*session.Session, error) {
	s, err := c.sessions.Login(ctx, req)
	if err != nil {
		return nil, err
	}
	c.start(ctx, s)
	audit.Log(ctx, audit.ActionLogin, s.SpecialistID, "", "specialist signed in")
	return s, nil
}

func (c *consoleImpl) Resume(ctx context.Context) (*session.Session, error) {
	s, err := c.sessions.Restore(ctx)
	if err != nil {
		return nil, err
	}
	c.start(ctx, s)
	return s, nil
}

func (c *consoleImpl) Logout(ctx context.Context) error {
	return c.sessions.Logout(ctx)
}

func (c *consoleImpl) Session() *session.Session {
	return c.sessions.Current()
}

func (c *consoleImpl) start(ctx context.Context, s *session.Session) {
	c.mu.Lock()
	if c.active != nil && c.active.specialistID == s.SpecialistID {
		c.mu.Unlock()
		return
	}
	old := c.active
	c.active = c.newActive(s.SpecialistID)
	c.mu.Unlock()

	if old != nil {
		old.close(ctx)
	}
}

func (c *consoleImpl) newActive(specialistID string) *activeSession {
	a := &activeSession{
		specialistID: specialistID,
		roster:       roster.New(c.backend),
		drafts:       make(map[string]string),
	}
	a.store = chat.NewStore(c.backend, chat.Options{
		SpecialistID: specialistID,
		EchoPolicy:   c.echo,
		EchoWindow:   c.opts.Chat.EchoWindow,
		TimeLayout:   c.opts.Chat.TimeLayout,
		Location:     c.opts.Location,
		SendTimeout:  c.opts.Chat.SendTimeout,
		OnDelivery:   c.onDelivery(specialistID),
	})
	dial := func(token string) notification.Socket { return c.dialRoom(token, "") }
	a.notes = notification.NewAggregator(c.backend, c.sessions, dial, c.alerter, notification.Options{
		Events:       c.opts.NotificationEvents,
		PublicRoutes: c.opts.PublicRoutes,
	})
	return a
}

func (a *activeSession) close(ctx context.Context) {
	a.mu.Lock()
	v := a.view
	a.view = nil
	a.mu.Unlock()
	v.unmount()

	if err := a.notes.Close(); err != nil {
		l := log.Ctx(ctx)
		l.Debug().Err(err).Msg("notification channel close")
	}
}

func (c *consoleImpl) onLogout(ctx context.Context, reason string) {
	c.mu.Lock()
	a := c.active
	c.active = nil
	c.mu.Unlock()
	if a == nil {
		return
	}

	if reason == session.ReasonUnauthorized {
		// The rejected call may still hold a lock close needs.
		go a.close(context.WithoutCancel(ctx))
		audit.Log(ctx, audit.ActionForcedLogout, a.specialistID, "", "session rejected by backend")
		c.alerter.Raise(ctx, alert.New(alert.LevelWarning, alert.SourceSession, "Signed out", "Your session has expired. Please sign in again."))
		return
	}
	a.close(ctx)
	audit.Log(ctx, audit.ActionLogout, a.specialistID, "", "specialist signed out")
}

// onDelivery reports settled sends. Failures raise an alert so the line's
// failed state is noticed.
func (c *consoleImpl) onDelivery(specialistID string) func(domain.Message, error) {
	return func(msg domain.Message, err error) {
		ctx := context.Background()
		if err == nil {
			audit.Log(ctx, audit.ActionSendMessage, specialistID, msg.ID, "message delivered")
			return
		}
		audit.LogWithDetail(ctx, audit.ActionSendFailed, specialistID, msg.ClientID, err.Error(), "message not delivered")
		a := alert.New(alert.LevelError, alert.SourceChat, "Message not delivered", msg.Text)
		a.RefID = msg.ClientID
		c.alerter.Raise(ctx, a)
	}
}

func (c *consoleImpl) current() (*activeSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil, ErrNoSession
	}
	return c.active, nil
}

func (c *consoleImpl) Bootstrap(ctx context.Context, route string) {
	a, err := c.current()
	if err != nil {
		return
	}
	if err := a.notes.Bootstrap(ctx, route); err != nil {
		l := log.Ctx(ctx)
		if errors.Is(err, notification.ErrFetchDeferred) {
			l.Debug().Err(err).Msg("notification fetch waiting to retry")
			return
		}
		l.Warn().Err(err).Msg("notification bootstrap incomplete")
	}
}

func (c *consoleImpl) Conversations(ctx context.Context, refresh bool) ([]domain.PatientSummary, error) {
	a, err := c.current()
	if err != nil {
		return nil, err
	}
	if refresh || !a.listed.Load() {
		if err := a.roster.Refresh(ctx); err != nil {
			return nil, err
		}
		a.listed.Store(true)
	}
	return a.roster.List(), nil
}

func (c *consoleImpl) Open(ctx context.Context, chatID string) (*ChatView, error) {
	if chatID == "" {
		return nil, chat.ErrNoConversation
	}
	a, err := c.current()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.view != nil && a.view.chatID == chatID {
		a.mu.Unlock()
		return c.render(a, chatID), nil
	}
	old := a.view
	a.view = nil
	a.mu.Unlock()
	old.unmount()

	token := c.sessions.Token()
	if token == "" {
		return nil, ErrNoSession
	}

	l := log.Ctx(ctx).With().Str(log.FieldRoomID, chatID).Logger()
	v := &mountedView{chatID: chatID, conn: c.dialRoom(token, chatID)}
	v.unsub = v.conn.Listen(c.opts.MessageEvent, func(data json.RawMessage) {
		c.onMessage(a, chatID, l, data)
	})
	v.detach = a.store.Attach(chatID, v.conn)

	a.mu.Lock()
	raced := a.view
	a.view = v
	a.mu.Unlock()
	raced.unmount()

	a.roster.MarkViewed(chatID)
	if row, ok := a.roster.Get(chatID); ok && !row.SessionActive {
		a.store.EndSession(chatID)
	}

	if err := v.conn.Connect(ctx); err != nil {
		if errors.Is(err, realtime.ErrAuthRejected) {
			l.Warn().Err(err).Msg("chat channel rejected")
		} else {
			l.Info().Err(err).Msg("chat channel not connected yet")
		}
	}

	loadErr := a.store.Load(ctx, chatID)
	return c.render(a, chatID), loadErr
}

func (c *consoleImpl) onMessage(a *activeSession, chatID string, l zerolog.Logger, data json.RawMessage) {
	var m domain.ChatMessage
	if err := api.Decode(data, &m); err != nil {
		l.Warn().Err(err).Msg("dropping malformed message push")
		return
	}
	if !a.store.Receive(chatID, m) {
		return
	}
	a.roster.ApplyMessage(m.ToDomain(chatID, a.specialistID, c.opts.Chat.TimeLayout, c.opts.Location))
}

func (c *consoleImpl) CloseView() {
	a, err := c.current()
	if err != nil {
		return
	}
	a.mu.Lock()
	v := a.view
	a.view = nil
	a.mu.Unlock()
	v.unmount()
	a.roster.MarkViewed("")
}

func (c *consoleImpl) View(chatID string) (*ChatView, error) {
	a, err := c.current()
	if err != nil {
		return nil, err
	}
	return c.render(a, chatID), nil
}

func (c *consoleImpl) render(a *activeSession, chatID string) *ChatView {
	state, loadErr := a.store.State(chatID)
	v := &ChatView{
		ChatID:    chatID,
		Messages:  a.store.Messages(chatID),
		LoadState: state,
		Ended:     a.store.Ended(chatID),
		Socket:    domain.ConnUninitialized,
	}
	if loadErr != nil {
		v.LoadError = loadErr.Error()
	}
	if row, ok := a.roster.Get(chatID); ok {
		v.Patient = &row
	}
	a.mu.Lock()
	v.Draft = a.drafts[chatID]
	if a.view != nil && a.view.chatID == chatID {
		v.Socket = a.view.conn.State()
	}
	a.mu.Unlock()
	return v
}

// MarkConversationRead flags every line of chatID read.
func (c *consoleImpl) MarkConversationRead(chatID string) (int, error) {
	a, err := c.current()
	if err != nil {
		return 0, err
	}
	n := a.store.MarkRead(chatID)
	if a.roster.Viewing() == chatID {
		a.roster.MarkViewed(chatID)
	}
	return n, nil
}

func (c *consoleImpl) SetDraft(chatID, text string) error {
	if chatID == "" {
		return chat.ErrNoConversation
	}
	a, err := c.current()
	if err != nil {
		return err
	}
	a.mu.Lock()
	if text == "" {
		delete(a.drafts, chatID)
	} else {
		a.drafts[chatID] = text
	}
	a.mu.Unlock()
	return nil
}

func (c *consoleImpl) Draft(chatID string) string {
	a, err := c.current()
	if err != nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.drafts[chatID]
}

// SendDraft sends the buffered input and clears it once the line is
// accepted. A rejected send leaves the buffer untouched.
func (c *consoleImpl) SendDraft(ctx context.Context, chatID string) (domain.Message, error) {
	a, err := c.current()
	if err != nil {
		return domain.Message{}, err
	}
	a.mu.Lock()
	text := a.drafts[chatID]
	a.mu.Unlock()

	msg, err := c.send(ctx, a, chatID, text)
	if err != nil {
		return msg, err
	}
	a.mu.Lock()
	if a.drafts[chatID] == text {
		delete(a.drafts, chatID)
	}
	a.mu.Unlock()
	return msg, nil
}

func (c *consoleImpl) Send(ctx context.Context, chatID, text string) (domain.Message, error) {
	a, err := c.current()
	if err != nil {
		return domain.Message{}, err
	}
	return c.send(ctx, a, chatID, text)
}

func (c *consoleImpl) send(ctx context.Context, a *activeSession, chatID, text string) (domain.Message, error) {
	msg, err := a.store.Send(ctx, chatID, text)
	if err != nil {
		return msg, err
	}
	a.roster.ApplyMessage(msg)
	return msg, nil
}

func (c *consoleImpl) Retry(ctx context.Context, chatID, clientID string) (domain.Message, error) {
	a, err := c.current()
	if err != nil {
		return domain.Message{}, err
	}
	msg, err := a.store.Retry(ctx, chatID, clientID)
	if err != nil {
		return msg, err
	}
	audit.Log(ctx, audit.ActionRetryMessage, a.specialistID, clientID, "message retried")
	return msg, nil
}

// EndSession closes the consultation on the backend first; local state
// only changes once the backend agreed.
func (c *consoleImpl) EndSession(ctx context.Context, chatID string) error {
	if chatID == "" {
		return chat.ErrNoConversation
	}
	a, err := c.current()
	if err != nil {
		return err
	}
	if err := c.backend.EndChat(ctx, chatID); err != nil {
		return err
	}
	a.store.EndSession(chatID)
	if err := a.roster.SetEnded(chatID); err != nil {
		l := log.Ctx(ctx)
		l.Debug().Err(err).Str(log.FieldConversationID, chatID).Msg("ended chat not in roster")
	}
	audit.Log(ctx, audit.ActionEndSession, a.specialistID, chatID, "consultation ended")
	return nil
}

func (c *consoleImpl) Notifications() ([]domain.Notification, int, error) {
	a, err := c.current()
	if err != nil {
		return nil, 0, err
	}
	return a.notes.List(), a.notes.UnreadCount(), nil
}

func (c *consoleImpl) MarkNotificationRead(ctx context.Context, id string) error {
	a, err := c.current()
	if err != nil {
		return err
	}
	if err := a.notes.MarkAsRead(ctx, id); err != nil {
		return err
	}
	audit.Log(ctx, audit.ActionReadNotice, a.specialistID, id, "notification read")
	return nil
}

func (c *consoleImpl) MarkAllNotificationsRead(ctx context.Context) (int, error) {
	a, err := c.current()
	if err != nil {
		return 0, err
	}
	n := a.notes.MarkAllAsRead(ctx)
	if n > 0 {
		audit.Log(ctx, audit.ActionReadAllNotices, a.specialistID, "", "all notifications read")
	}
	return n, nil
}

func (c *consoleImpl) Status() Status {
	a, err := c.current()
	if err != nil {
		return Status{Notifications: domain.ConnUninitialized}
	}
	st := Status{
		SignedIn:      true,
		SpecialistID:  a.specialistID,
		Notifications: a.notes.State(),
		Unread:        a.notes.UnreadCount(),
	}
	a.mu.Lock()
	if a.view != nil {
		st.OpenChat = a.view.chatID
		st.ChatSocket = a.view.conn.State()
	}
	a.mu.Unlock()
	return st
}

// Shutdown closes connections and waits for in-flight sends and acks.
func (c *consoleImpl) Shutdown() {
	c.mu.Lock()
	a := c.active
	c.active = nil
	c.mu.Unlock()
	if a == nil {
		return
	}
	a.close(context.Background())
	a.store.Wait()
	a.notes.Wait()
}
