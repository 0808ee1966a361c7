package domain

import "time"

// Notification types the backend is known to send. Any other string is
// accepted as-is.
const (
	NotificationAppointment = "appointment"
	NotificationChat        = "chat"
	NotificationSystem      = "system"
)

// Notification is one entry of the alert list.
type Notification struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Type       string    `json:"type"`
	Read       bool      `json:"read"`
	ReceivedAt time.Time `json:"received_at"`
}

// NotificationPayload is a notification as the backend serves it.
type NotificationPayload struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Message   string   `json:"message"`
	Type      string   `json:"type"`
	Read      bool     `json:"read"`
	IsRead    bool     `json:"isRead"`
	CreatedAt WireTime `json:"createdAt"`
}

// ToDomain normalizes a payload; now stands in for a missing timestamp.
func (p *NotificationPayload) ToDomain(now time.Time) Notification {
	at := p.CreatedAt.Time()
	if at.IsZero() {
		at = now
	}
	typ := p.Type
	if typ == "" {
		typ = NotificationSystem
	}
	return Notification{
		ID:         p.ID,
		Title:      p.Title,
		Message:    p.Message,
		Type:       typ,
		Read:       p.Read || p.IsRead,
		ReceivedAt: at,
	}
}
