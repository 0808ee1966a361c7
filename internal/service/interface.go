package service

import (
	"context"

	"github.com/weiawesome/derma-console/internal/chat"
	"github.com/weiawesome/derma-console/internal/domain"
	"github.com/weiawesome/derma-console/internal/session"
)

// Console is the specialist dashboard as the UI shell drives it.
type Console interface {
	Login(ctx context.Context, req session.LoginRequest) (*session.Session, error)
	Logout(ctx context.Context) error
	// Resume restores a stored session, if any, after a restart.
	Resume(ctx context.Context) (*session.Session, error)
	Session() *session.Session

	// Bootstrap brings up the per-session notification channel when the
	// shell navigates to route.
	Bootstrap(ctx context.Context, route string)

	Conversations(ctx context.Context, refresh bool) ([]domain.PatientSummary, error)
	// Open mounts the chat view on chatID, replacing any other.
	Open(ctx context.Context, chatID string) (*ChatView, error)
	// CloseView unmounts the chat view.
	CloseView()
	View(chatID string) (*ChatView, error)
	MarkConversationRead(chatID string) (int, error)

	SetDraft(chatID, text string) error
	Draft(chatID string) string
	SendDraft(ctx context.Context, chatID string) (domain.Message, error)
	Send(ctx context.Context, chatID, text string) (domain.Message, error)
	Retry(ctx context.Context, chatID, clientID string) (domain.Message, error)
	EndSession(ctx context.Context, chatID string) error

	Notifications() ([]domain.Notification, int, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) (int, error)

	Status() Status
	// Shutdown closes every connection but keeps the stored session.
	Shutdown()
}

// ChatView is the open conversation as rendered.
type ChatView struct {
	ChatID    string                 `json:"chat_id"`
	Patient   *domain.PatientSummary `json:"patient,omitempty"`
	Messages  []domain.Message       `json:"messages"`
	LoadState chat.LoadState         `json:"load_state"`
	LoadError string                 `json:"load_error,omitempty"`
	Ended     bool                   `json:"ended"`
	Socket    domain.ConnState       `json:"socket"`
	Draft     string                 `json:"draft"`
}

// Status summarizes connectivity for the shell's header.
type Status struct {
	SignedIn      bool             `json:"signed_in"`
	SpecialistID  string           `json:"specialist_id,omitempty"`
	Notifications domain.ConnState `json:"notifications"`
	Unread        int              `json:"unread"`
	OpenChat      string           `json:"open_chat,omitempty"`
	ChatSocket    domain.ConnState `json:"chat_socket,omitempty"`
}
