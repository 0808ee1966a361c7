package alert

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Level is the visual weight of a toast.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Sources of alerts raised by the console.
const (
	SourceNotification = "notification"
	SourceChat         = "chat"
	SourceAPI          = "api"
	SourceSession      = "session"
)

// Alert is a transient visible message.
type Alert struct {
	ID       string    `json:"id"`
	Level    Level     `json:"level"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Source   string    `json:"source"`
	RefID    string    `json:"ref_id,omitempty"`
	RaisedAt time.Time `json:"raised_at"`
	// Origin names the process that raised the alert; relays use it to
	// drop their own echoes.
	Origin string `json:"origin,omitempty"`
}

// Alerter surfaces alerts. Implementations must not block the caller.
type Alerter interface {
	Raise(ctx context.Context, a Alert)
}

// New fills id and time.
func New(level Level, source, title, message string) Alert {
	return Alert{
		ID:       uuid.NewString(),
		Level:    level,
		Title:    title,
		Message:  message,
		Source:   source,
		RaisedAt: time.Now(),
	}
}

// Fanout raises every alert on each member in order.
type Fanout []Alerter

func (f Fanout) Raise(ctx context.Context, a Alert) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.RaisedAt.IsZero() {
		a.RaisedAt = time.Now()
	}
	for _, al := range f {
		if al != nil {
			al.Raise(ctx, a)
		}
	}
}
