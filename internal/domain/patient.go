package domain

// Presence of a patient in the list pane.
type Presence string

const (
	PresenceOnline       Presence = "online"
	PresenceOffline      Presence = "offline"
	PresenceSessionEnded Presence = "session-ended"
)

// PatientSummary is one row of the conversation list. ID is the chat id,
// which doubles as the real-time room id.
type PatientSummary struct {
	ID            string   `json:"id"`
	PatientID     string   `json:"patient_id"`
	Name          string   `json:"name"`
	Presence      Presence `json:"presence"`
	LastMessage   string   `json:"last_message"`
	Unread        int      `json:"unread"`
	SessionActive bool     `json:"session_active"`
}

// ChatSummary is a GET /chats row.
type ChatSummary struct {
	ID            string `json:"id"`
	PatientID     string `json:"patientId"`
	PatientName   string `json:"patientName"`
	Online        bool   `json:"online"`
	Status        string `json:"status"`
	LastMessage   string `json:"lastMessage"`
	UnreadCount   int    `json:"unreadCount"`
	SessionActive *bool  `json:"sessionActive"`
}

// ToDomain maps a row. A chat whose status is "ended" or whose session
// flag is false is shown as session-ended.
func (c *ChatSummary) ToDomain() PatientSummary {
	active := c.Status != "ended"
	if c.SessionActive != nil {
		active = active && *c.SessionActive
	}

	presence := PresenceOffline
	switch {
	case !active:
		presence = PresenceSessionEnded
	case c.Online:
		presence = PresenceOnline
	}

	unread := c.UnreadCount
	if unread < 0 {
		unread = 0
	}

	return PatientSummary{
		ID:            c.ID,
		PatientID:     c.PatientID,
		Name:          c.PatientName,
		Presence:      presence,
		LastMessage:   c.LastMessage,
		Unread:        unread,
		SessionActive: active,
	}
}
