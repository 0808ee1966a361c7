package domain

import "time"

// Sender is the role that authored a chat line.
type Sender string

const (
	SenderDoctor  Sender = "doctor"
	SenderPatient Sender = "patient"
)

// DeliveryStatus tracks an entry from optimistic append to server ack.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusConfirmed DeliveryStatus = "confirmed"
	StatusFailed    DeliveryStatus = "failed"
)

// Message is one line of a conversation log as the console shows it.
// Timestamp is the display string produced when the line was received;
// SentAt is kept only to reconcile echoes.
type Message struct {
	ID             string         `json:"id"`
	ClientID       string         `json:"client_id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	Sender         Sender         `json:"sender"`
	Text           string         `json:"text"`
	Timestamp      string         `json:"timestamp"`
	SentAt         time.Time      `json:"-"`
	Read           bool           `json:"read"`
	Status         DeliveryStatus `json:"status"`
}

// ChatMessage is a message as the backend serves it over REST and the
// socket. Both transports use the same field names.
type ChatMessage struct {
	ID        string   `json:"id"`
	ChatID    string   `json:"chatId,omitempty"`
	SenderID  string   `json:"senderId"`
	Message   string   `json:"message"`
	Timestamp WireTime `json:"timestamp"`
	// ClientID is echoed back by backends that track optimistic ids.
	ClientID string `json:"clientId,omitempty"`
}

// ToDomain maps a backend message into a display entry for the signed-in
// specialist. Lines not authored by specialistID are patient lines.
func (m *ChatMessage) ToDomain(conversationID, specialistID, layout string, loc *time.Location) Message {
	sender := SenderPatient
	read := false
	if specialistID != "" && m.SenderID == specialistID {
		sender = SenderDoctor
		read = true
	}
	if m.ChatID != "" {
		conversationID = m.ChatID
	}
	at := m.Timestamp.Time()
	if at.IsZero() {
		at = time.Now()
	}
	return Message{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: conversationID,
		Sender:         sender,
		Text:           m.Message,
		Timestamp:      FormatDisplayTime(at, layout, loc),
		SentAt:         at,
		Read:           read,
		Status:         StatusConfirmed,
	}
}

// SendMessageRequest is the body of POST /chats/{id}/messages.
type SendMessageRequest struct {
	Message  string `json:"message"`
	ClientID string `json:"clientId,omitempty"`
}

// FormatDisplayTime renders t in loc (local time when nil).
func FormatDisplayTime(t time.Time, layout string, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	if layout == "" {
		layout = DefaultTimeLayout
	}
	return t.In(loc).Format(layout)
}

// DefaultTimeLayout is the chat bubble time format.
const DefaultTimeLayout = "15:04"
