package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestWireTimeUnmarshal(t *testing.T) {
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"rfc3339", `"2024-01-01T00:00:00Z"`, want},
		{"unix ms number", `1704067200000`, want},
		{"unix ms string", `"1704067200000"`, want},
		{"null", `null`, time.Time{}},
		{"empty", `""`, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w WireTime
			if err := json.Unmarshal([]byte(tt.in), &w); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !w.Time().Equal(tt.want) {
				t.Errorf("got %v, want %v", w.Time(), tt.want)
			}
		})
	}
}

func TestWireTimeRejectsGarbage(t *testing.T) {
	var w WireTime
	if err := json.Unmarshal([]byte(`"yesterday"`), &w); err == nil {
		t.Fatal("expected error")
	}
}

func TestChatMessageToDomain(t *testing.T) {
	var m ChatMessage
	raw := `{"id":"1","senderId":"p1","message":"hi","timestamp":"2024-01-01T00:00:00Z"}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatal(err)
	}

	got := m.ToDomain("c1", "doc1", "", time.UTC)
	if got.Sender != SenderPatient || got.Read {
		t.Errorf("patient line mapped as %+v", got)
	}
	if got.ConversationID != "c1" || got.Text != "hi" || got.Status != StatusConfirmed {
		t.Errorf("unexpected %+v", got)
	}
	if got.Timestamp != "00:00" {
		t.Errorf("Timestamp = %q", got.Timestamp)
	}

	m.SenderID = "doc1"
	if got := m.ToDomain("c1", "doc1", "", time.UTC); got.Sender != SenderDoctor || !got.Read {
		t.Errorf("own line mapped as %+v", got)
	}
}

func TestChatSummaryToDomain(t *testing.T) {
	no := false
	tests := []struct {
		name string
		in   ChatSummary
		want Presence
	}{
		{"online", ChatSummary{ID: "c1", Online: true}, PresenceOnline},
		{"offline", ChatSummary{ID: "c1"}, PresenceOffline},
		{"ended status", ChatSummary{ID: "c1", Online: true, Status: "ended"}, PresenceSessionEnded},
		{"inactive flag", ChatSummary{ID: "c1", SessionActive: &no}, PresenceSessionEnded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.ToDomain(); got.Presence != tt.want {
				t.Errorf("presence = %s, want %s", got.Presence, tt.want)
			}
		})
	}

	if got := (&ChatSummary{UnreadCount: -3}).ToDomain(); got.Unread != 0 {
		t.Errorf("unread = %d, want 0", got.Unread)
	}
}
