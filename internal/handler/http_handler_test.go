package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/derma-console/internal/alert"
	"github.com/weiawesome/derma-console/internal/api"
	"github.com/weiawesome/derma-console/internal/chat"
	"github.com/weiawesome/derma-console/internal/domain"
	"github.com/weiawesome/derma-console/internal/service"
	"github.com/weiawesome/derma-console/internal/session"
	"github.com/weiawesome/derma-console/pkg/middleware"
)

type stubConsole struct {
	mu         sync.Mutex
	signedIn   bool
	bootRoutes []string
	sendErr    error
	endErr     error
	openErr    error
	draft      string
	sentText   string
}

func (s *stubConsole) Login(_ context.Context, req session.LoginRequest) (*session.Session, error) {
	if req.Token == "expired" {
		return nil, session.ErrTokenExpired
	}
	s.signedIn = true
	return &session.Session{SpecialistID: "doc1", DisplayName: "Dr. Lin"}, nil
}
func (s *stubConsole) Logout(context.Context) error { s.signedIn = false; return nil }
func (s *stubConsole) Resume(context.Context) (*session.Session, error) {
	return nil, session.ErrNoSession
}
func (s *stubConsole) Session() *session.Session {
	if !s.signedIn {
		return nil
	}
	return &session.Session{SpecialistID: "doc1"}
}
func (s *stubConsole) Bootstrap(_ context.Context, route string) {
	s.mu.Lock()
	s.bootRoutes = append(s.bootRoutes, route)
	s.mu.Unlock()
}
func (s *stubConsole) Conversations(context.Context, bool) ([]domain.PatientSummary, error) {
	return []domain.PatientSummary{{ID: "c1", Name: "Ana"}}, nil
}
func (s *stubConsole) Open(_ context.Context, id string) (*service.ChatView, error) {
	return &service.ChatView{ChatID: id, LoadState: chat.LoadFailed}, s.openErr
}
func (s *stubConsole) CloseView()                                  {}
func (s *stubConsole) View(id string) (*service.ChatView, error) { return &service.ChatView{ChatID: id}, nil }
func (s *stubConsole) MarkConversationRead(string) (int, error)  { return 2, nil }
func (s *stubConsole) SetDraft(_, text string) error              { s.draft = text; return nil }
func (s *stubConsole) Draft(string) string                        { return s.draft }
func (s *stubConsole) SendDraft(ctx context.Context, id string) (domain.Message, error) {
	return s.Send(ctx, id, s.draft)
}
func (s *stubConsole) Send(_ context.Context, id, text string) (domain.Message, error) {
	if s.sendErr != nil {
		return domain.Message{}, s.sendErr
	}
	if strings.TrimSpace(text) == "" {
		return domain.Message{}, chat.ErrBlankMessage
	}
	s.sentText = text
	return domain.Message{ID: "tmp-1", ConversationID: id, Sender: domain.SenderDoctor, Text: text, Read: true}, nil
}
func (s *stubConsole) Retry(context.Context, string, string) (domain.Message, error) {
	return domain.Message{}, chat.ErrNotRetryable
}
func (s *stubConsole) EndSession(context.Context, string) error { return s.endErr }
func (s *stubConsole) Notifications() ([]domain.Notification, int, error) {
	return []domain.Notification{{ID: "n1"}}, 1, nil
}
func (s *stubConsole) MarkNotificationRead(_ context.Context, id string) error {
	if id != "n1" {
		return errors.New("notification: not found")
	}
	return nil
}
func (s *stubConsole) MarkAllNotificationsRead(context.Context) (int, error) { return 1, nil }
func (s *stubConsole) Status() service.Status                              { return service.Status{SignedIn: s.signedIn} }
func (s *stubConsole) Shutdown()                                           {}

type stubIdentity struct{ console *stubConsole }

func (i stubIdentity) Identity() (middleware.Identity, bool) {
	if !i.console.signedIn {
		return middleware.Identity{}, false
	}
	return middleware.Identity{SpecialistID: "doc1"}, true
}

type recorder struct {
	mu  sync.Mutex
	got []alert.Alert
}

func (r *recorder) Raise(_ context.Context, a alert.Alert) {
	r.mu.Lock()
	r.got = append(r.got, a)
	r.mu.Unlock()
}

func setup(signedIn bool) (*gin.Engine, *stubConsole, *recorder, *alert.Broadcaster) {
	gin.SetMode(gin.TestMode)
	c := &stubConsole{signedIn: signedIn}
	rec := &recorder{}
	b := alert.NewBroadcaster()
	r := gin.New()
	NewHandler(c, stubIdentity{c}, b, rec).RegisterRoutes(r)
	return r, c, rec, b
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func do(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	r, c, _, _ := setup(false)
	w, env := do(t, r, http.MethodGet, "/api/v1/conversations", "")
	if w.Code != http.StatusUnauthorized || env.Error == nil || env.Error.Code != "UNAUTHORIZED" {
		t.Errorf("code = %d body = %s", w.Code, w.Body)
	}
	if len(c.bootRoutes) != 0 {
		t.Error("bootstrap ran for an anonymous request")
	}

	w, _ = do(t, r, http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Errorf("status code = %d", w.Code)
	}
}

func TestLoginThenBootstrap(t *testing.T) {
	r, c, _, _ := setup(false)

	w, _ := do(t, r, http.MethodPost, "/api/v1/session", `{"token":"expired"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expired login code = %d", w.Code)
	}
	w, _ = do(t, r, http.MethodPost, "/api/v1/session", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty login code = %d", w.Code)
	}
	w, _ = do(t, r, http.MethodPost, "/api/v1/session", `{"token":"abc"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login code = %d", w.Code)
	}

	w, env := do(t, r, http.MethodGet, "/api/v1/conversations", "")
	if w.Code != http.StatusOK || !strings.Contains(string(env.Data), `"Ana"`) {
		t.Errorf("code = %d body = %s", w.Code, w.Body)
	}
	if len(c.bootRoutes) != 1 || c.bootRoutes[0] != "/api/v1/conversations" {
		t.Errorf("boot routes = %v", c.bootRoutes)
	}
}

func TestSendRejectionsAreNotErrors(t *testing.T) {
	r, c, _, _ := setup(true)

	w, env := do(t, r, http.MethodPost, "/api/v1/conversations/c1/messages", `{"text":"   "}`)
	if w.Code != http.StatusOK || !strings.Contains(string(env.Data), `"reason":"blank"`) {
		t.Errorf("blank: code = %d body = %s", w.Code, w.Body)
	}

	c.sendErr = chat.ErrConversationEnded
	w, env = do(t, r, http.MethodPost, "/api/v1/conversations/c1/messages", `{"text":"hi"}`)
	if w.Code != http.StatusOK || !strings.Contains(string(env.Data), `"reason":"ended"`) {
		t.Errorf("ended: code = %d body = %s", w.Code, w.Body)
	}

	c.sendErr = nil
	w, env = do(t, r, http.MethodPost, "/api/v1/conversations/c1/messages", `{"text":"hello"}`)
	if w.Code != http.StatusAccepted || !strings.Contains(string(env.Data), `"sent":true`) {
		t.Errorf("send: code = %d body = %s", w.Code, w.Body)
	}
}

func TestDraftRoundTrip(t *testing.T) {
	r, c, _, _ := setup(true)
	do(t, r, http.MethodPut, "/api/v1/conversations/c1/draft", `{"text":"hello"}`)
	_, env := do(t, r, http.MethodGet, "/api/v1/conversations/c1/draft", "")
	if !strings.Contains(string(env.Data), "hello") {
		t.Errorf("draft = %s", env.Data)
	}
	w, _ := do(t, r, http.MethodPost, "/api/v1/conversations/c1/draft/send", "")
	if w.Code != http.StatusAccepted || c.sentText != "hello" {
		t.Errorf("code = %d sent = %q", w.Code, c.sentText)
	}
}

func TestBackendFailureRaisesAlert(t *testing.T) {
	r, c, rec, _ := setup(true)
	c.endErr = &api.APIError{Status: 500, Message: "boom"}

	w, env := do(t, r, http.MethodPost, "/api/v1/conversations/c1/end", "")
	if w.Code != http.StatusBadGateway || env.Error.Code != "UPSTREAM_ERROR" {
		t.Errorf("code = %d body = %s", w.Code, w.Body)
	}
	if len(rec.got) != 1 || rec.got[0].Level != alert.LevelError || rec.got[0].Source != alert.SourceAPI {
		t.Errorf("alerts = %+v", rec.got)
	}

	c.endErr = &api.APIError{Status: 401}
	w, _ = do(t, r, http.MethodPost, "/api/v1/conversations/c1/end", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("401 mapped to %d", w.Code)
	}
}

func TestOpenWithFailedLoadStillRendersView(t *testing.T) {
	r, c, rec, _ := setup(true)
	c.openErr = &api.APIError{Status: 503, Message: "down"}

	w, env := do(t, r, http.MethodPost, "/api/v1/conversations/c1/open", "")
	if w.Code != http.StatusOK || !strings.Contains(string(env.Data), `"load_state":"load_failed"`) {
		t.Errorf("code = %d body = %s", w.Code, w.Body)
	}
	if len(rec.got) != 1 {
		t.Errorf("alerts = %d", len(rec.got))
	}
}

func TestRetryNotRetryableConflicts(t *testing.T) {
	r, _, _, _ := setup(true)
	w, _ := do(t, r, http.MethodPost, "/api/v1/conversations/c1/messages/tmp-1/retry", "")
	if w.Code != http.StatusConflict {
		t.Errorf("code = %d", w.Code)
	}
}

func TestNotificationRoutes(t *testing.T) {
	r, _, _, _ := setup(true)
	_, env := do(t, r, http.MethodGet, "/api/v1/notifications", "")
	if !strings.Contains(string(env.Data), `"unread":1`) {
		t.Errorf("list = %s", env.Data)
	}
	w, _ := do(t, r, http.MethodPatch, "/api/v1/notifications/n1/read", "")
	if w.Code != http.StatusOK {
		t.Errorf("read code = %d", w.Code)
	}
	w, env = do(t, r, http.MethodPatch, "/api/v1/notifications/read-all", "")
	if w.Code != http.StatusOK || !strings.Contains(string(env.Data), `"changed":1`) {
		t.Errorf("read-all code = %d body = %s", w.Code, w.Body)
	}
}

func TestAlertStream(t *testing.T) {
	r, _, _, b := setup(true)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/alerts/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	for b.Subscribers() == 0 {
		if ctx.Err() != nil {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	b.Raise(ctx, alert.New(alert.LevelInfo, alert.SourceNotification, "Lab result", "ready"))

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		lines = append(lines, line)
		if strings.HasPrefix(line, "data:") && strings.Contains(line, "Lab result") {
			break
		}
	}
	joined := strings.Join(lines, "\n")
	if !strings.HasPrefix(joined, "event:ready") {
		t.Errorf("stream did not open with ready: %q", joined)
	}
	if !strings.Contains(joined, "event:alert") || !strings.Contains(joined, "Lab result") {
		t.Errorf("stream = %q", joined)
	}
}
