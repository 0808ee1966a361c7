package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/weiawesome/derma-console/internal/alert"
	"github.com/weiawesome/derma-console/internal/domain"
	"github.com/weiawesome/derma-console/internal/realtime"
)

type fakeSocket struct {
	mu        sync.Mutex
	handlers  map[string][]realtime.Handler
	connected bool
	closed    bool
}

func (f *fakeSocket) Connect(context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) Listen(event string, fn realtime.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string][]realtime.Handler)
	}
	f.handlers[event] = append(f.handlers[event], fn)
	i := len(f.handlers[event]) - 1
	return func() {
		f.mu.Lock()
		f.handlers[event][i] = nil
		f.mu.Unlock()
	}
}

func (f *fakeSocket) State() domain.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.closed:
		return domain.ConnClosed
	case f.connected:
		return domain.ConnConnected
	}
	return domain.ConnUninitialized
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) push(event, raw string) {
	f.mu.Lock()
	hs := append([]realtime.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h(json.RawMessage(raw))
		}
	}
}

type fakeBackend struct {
	mu       sync.Mutex
	list     []domain.NotificationPayload
	listErr  error
	listGate chan struct{}
	fetches  int
	readIDs  []string
	readAlls int
	ackErr   error
}

func (f *fakeBackend) ListNotifications(context.Context) ([]domain.NotificationPayload, error) {
	f.mu.Lock()
	f.fetches++
	gate := f.listGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.list, nil
}

func (f *fakeBackend) MarkNotificationRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readIDs = append(f.readIDs, id)
	return f.ackErr
}

func (f *fakeBackend) MarkAllNotificationsRead(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readAlls++
	return f.ackErr
}

type token string

func (t token) Token() string { return string(t) }

type toasts struct {
	mu  sync.Mutex
	got []alert.Alert
}

func (t *toasts) Raise(_ context.Context, a alert.Alert) {
	t.mu.Lock()
	t.got = append(t.got, a)
	t.mu.Unlock()
}

type fixture struct {
	agg     *Aggregator
	backend *fakeBackend
	sockets []*fakeSocket
	toasts  *toasts
}

func newFixture(tok string, list ...domain.NotificationPayload) *fixture {
	f := &fixture{backend: &fakeBackend{list: list}, toasts: &toasts{}}
	dial := func(string) Socket {
		s := &fakeSocket{}
		f.sockets = append(f.sockets, s)
		return s
	}
	f.agg = NewAggregator(f.backend, token(tok), dial, f.toasts, Options{PublicRoutes: []string{"/login", "/register/"}})
	return f
}

func checkUnread(t *testing.T, a *Aggregator) {
	t.Helper()
	want := 0
	for _, n := range a.List() {
		if !n.Read {
			want++
		}
	}
	if got := a.UnreadCount(); got != want {
		t.Errorf("UnreadCount = %d, list says %d", got, want)
	}
}

func TestBootstrapOncePerSession(t *testing.T) {
	f := newFixture("tok", domain.NotificationPayload{ID: "n1", Title: "Old"})
	ctx := context.Background()

	if err := f.agg.Bootstrap(ctx, "/dashboard"); err != nil {
		t.Fatal(err)
	}
	if err := f.agg.Bootstrap(ctx, "/chat/c1"); err != nil {
		t.Fatal(err)
	}
	if len(f.sockets) != 1 || f.backend.fetches != 1 {
		t.Errorf("sockets = %d fetches = %d", len(f.sockets), f.backend.fetches)
	}
	if f.agg.State() != domain.ConnConnected {
		t.Errorf("state = %s", f.agg.State())
	}
	if got := f.agg.List(); len(got) != 1 || got[0].ID != "n1" {
		t.Errorf("list = %+v", got)
	}
}

func TestBootstrapSkipsPublicRoutesAndAnonymous(t *testing.T) {
	f := newFixture("tok")
	for _, route := range []string{"/login", "/register", "/register/verify"} {
		if err := f.agg.Bootstrap(context.Background(), route); err != nil {
			t.Fatalf("%s: %v", route, err)
		}
	}
	if len(f.sockets) != 0 || f.backend.fetches != 0 {
		t.Errorf("bootstrapped on a public route")
	}
	if f.agg.State() != domain.ConnUninitialized {
		t.Errorf("state = %s", f.agg.State())
	}

	anon := newFixture("")
	if err := anon.agg.Bootstrap(context.Background(), "/dashboard"); !errors.Is(err, ErrNoSession) {
		t.Errorf("err = %v", err)
	}
}

func TestBootstrapRetriesFailedFetchAfterBackoff(t *testing.T) {
	f := newFixture("tok", domain.NotificationPayload{ID: "n1"})
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	f.agg.now = func() time.Time { return now }
	f.backend.listErr = errors.New("boom")

	if err := f.agg.Bootstrap(context.Background(), "/"); err == nil || errors.Is(err, ErrFetchDeferred) {
		t.Fatalf("first err = %v", err)
	}
	f.backend.mu.Lock()
	f.backend.listErr = nil
	f.backend.mu.Unlock()

	if err := f.agg.Bootstrap(context.Background(), "/"); !errors.Is(err, ErrFetchDeferred) {
		t.Fatalf("err inside backoff = %v", err)
	}
	if f.backend.fetches != 1 {
		t.Errorf("fetches inside backoff = %d", f.backend.fetches)
	}

	now = now.Add(5 * time.Second)
	if err := f.agg.Bootstrap(context.Background(), "/"); err != nil {
		t.Fatal(err)
	}
	if len(f.sockets) != 1 || f.backend.fetches != 2 {
		t.Errorf("sockets = %d fetches = %d", len(f.sockets), f.backend.fetches)
	}
	if !f.agg.Bootstrapped() || len(f.agg.List()) != 1 {
		t.Errorf("list = %+v", f.agg.List())
	}
}

func TestSlowFetchDoesNotBlockReaders(t *testing.T) {
	f := newFixture("tok", domain.NotificationPayload{ID: "n1"})
	gate := make(chan struct{})
	f.backend.listGate = gate
	ctx := context.Background()

	errs := make(chan error, 2)
	go func() { errs <- f.agg.Bootstrap(ctx, "/") }()
	deadline := time.Now().Add(time.Second)
	for {
		f.backend.mu.Lock()
		started := f.backend.fetches
		f.backend.mu.Unlock()
		if started > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("fetch never started")
		}
		time.Sleep(time.Millisecond)
	}
	go func() { errs <- f.agg.Bootstrap(ctx, "/") }()

	read := make(chan struct{})
	go func() {
		f.agg.State()
		f.agg.Bootstrapped()
		close(read)
	}()
	select {
	case <-read:
	case <-time.After(time.Second):
		t.Fatal("State blocked behind the fetch")
	}

	close(gate)
	for range 2 {
		if err := <-errs; err != nil {
			t.Errorf("Bootstrap: %v", err)
		}
	}
	if f.backend.fetches != 1 {
		t.Errorf("fetches = %d, want 1", f.backend.fetches)
	}
}

func TestPushesArePrependedAndToasted(t *testing.T) {
	f := newFixture("tok", domain.NotificationPayload{ID: "n1", Title: "Old"})
	f.agg.Bootstrap(context.Background(), "/")
	s := f.sockets[0]

	s.push("new_notification", `{"id":"n2","title":"Lab result","message":"ready","type":"system"}`)
	s.push("appointment_notification", `{"data":{"id":"n3","title":"Booked","type":"appointment"}}`)
	s.push("notification", `{"resultData":{"id":"n4","title":"Chat","type":"chat"}}`)

	got := f.agg.List()
	ids := ""
	for _, n := range got {
		ids += n.ID
	}
	if ids != "n4n3n2n1" {
		t.Errorf("order = %s", ids)
	}
	if got[1].Type != domain.NotificationAppointment {
		t.Errorf("type = %q", got[1].Type)
	}
	if len(f.toasts.got) != 3 || f.toasts.got[0].Title != "Lab result" || f.toasts.got[0].RefID != "n2" {
		t.Errorf("toasts = %+v", f.toasts.got)
	}
	checkUnread(t, f.agg)
	if f.agg.UnreadCount() != 4 {
		t.Errorf("unread = %d", f.agg.UnreadCount())
	}
}

func TestDuplicatePushIDsAreDeduplicated(t *testing.T) {
	f := newFixture("tok")
	f.agg.Bootstrap(context.Background(), "/")
	s := f.sockets[0]

	s.push("notification", `{"id":"n7","title":"second copy arrives first"}`)
	s.push("new_notification", `{"id":"n7","title":"original"}`)

	if got := f.agg.List(); len(got) != 1 || got[0].Title != "second copy arrives first" {
		t.Errorf("list = %+v", got)
	}
	if len(f.toasts.got) != 1 {
		t.Errorf("toasts = %d", len(f.toasts.got))
	}
}

func TestMalformedPushIsDropped(t *testing.T) {
	f := newFixture("tok")
	f.agg.Bootstrap(context.Background(), "/")
	s := f.sockets[0]

	s.push("notification", `{"title":"no id"}`)
	s.push("notification", `null`)
	s.push("notification", `"text"`)

	if n := len(f.agg.List()); n != 0 {
		t.Errorf("list length = %d", n)
	}
}

func TestMarkAsReadIsIdempotent(t *testing.T) {
	f := newFixture("tok",
		domain.NotificationPayload{ID: "n1"},
		domain.NotificationPayload{ID: "n2"},
	)
	ctx := context.Background()
	f.agg.Bootstrap(ctx, "/")

	if err := f.agg.MarkAsRead(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	if err := f.agg.MarkAsRead(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	f.agg.Wait()

	list := f.agg.List()
	if len(list) != 2 {
		t.Fatalf("len = %d", len(list))
	}
	read := 0
	for _, n := range list {
		if n.ID == "n1" && n.Read {
			read++
		}
	}
	if read != 1 {
		t.Errorf("n1 read entries = %d", read)
	}
	if f.agg.UnreadCount() != 1 {
		t.Errorf("unread = %d", f.agg.UnreadCount())
	}
	checkUnread(t, f.agg)
	if len(f.backend.readIDs) != 1 {
		t.Errorf("acks = %v", f.backend.readIDs)
	}

	if err := f.agg.MarkAsRead(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestMarkAllAsReadKeepsLocalStateOnAckFailure(t *testing.T) {
	f := newFixture("tok", domain.NotificationPayload{ID: "n1"}, domain.NotificationPayload{ID: "n2", Read: true})
	f.backend.ackErr = errors.New("offline")
	ctx := context.Background()
	f.agg.Bootstrap(ctx, "/")
	f.sockets[0].push("notification", `{"id":"n3"}`)

	if n := f.agg.MarkAllAsRead(ctx); n != 2 {
		t.Errorf("changed = %d", n)
	}
	f.agg.Wait()
	if f.agg.UnreadCount() != 0 {
		t.Errorf("unread = %d", f.agg.UnreadCount())
	}
	if f.backend.readAlls != 1 {
		t.Errorf("read-all acks = %d", f.backend.readAlls)
	}
	if n := f.agg.MarkAllAsRead(ctx); n != 0 {
		t.Errorf("second pass changed = %d", n)
	}
	f.agg.Wait()
	if f.backend.readAlls != 1 {
		t.Errorf("read-all acks = %d after no-op", f.backend.readAlls)
	}
	checkUnread(t, f.agg)
}

func TestCloseTearsDown(t *testing.T) {
	f := newFixture("tok", domain.NotificationPayload{ID: "n1"})
	f.agg.Bootstrap(context.Background(), "/")
	s := f.sockets[0]

	if err := f.agg.Close(); err != nil {
		t.Fatal(err)
	}
	s.push("notification", `{"id":"late"}`)

	if !s.closed {
		t.Error("socket not closed")
	}
	if n := len(f.agg.List()); n != 0 {
		t.Errorf("list length = %d", n)
	}
	if f.agg.State() != domain.ConnUninitialized {
		t.Errorf("state = %s", f.agg.State())
	}

	f.agg.Bootstrap(context.Background(), "/")
	if len(f.sockets) != 2 || f.backend.fetches != 2 {
		t.Errorf("re-bootstrap sockets = %d fetches = %d", len(f.sockets), f.backend.fetches)
	}
}

func TestPushInFlightDuringCloseIsDropped(t *testing.T) {
	f := newFixture("tok")
	ctx := context.Background()
	f.agg.Bootstrap(ctx, "/")
	s := f.sockets[0]

	s.mu.Lock()
	inflight := s.handlers["notification"][0]
	s.mu.Unlock()

	f.agg.Close()
	inflight(json.RawMessage(`{"id":"stale"}`))

	if n := len(f.agg.List()); n != 0 {
		t.Errorf("list after close = %d", n)
	}
	f.agg.Bootstrap(ctx, "/")
	for _, n := range f.agg.List() {
		if n.ID == "stale" {
			t.Error("old session push leaked into the next session")
		}
	}
}
