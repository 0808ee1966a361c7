// Package roster keeps the patient list pane in sync with pushes.
package roster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/weiawesome/derma-console/internal/domain"
	"github.com/weiawesome/derma-console/pkg/log"
)

var ErrUnknownChat = errors.New("roster: unknown conversation")

// Backend lists the specialist's conversations.
type Backend interface {
	ListChats(ctx context.Context) ([]domain.ChatSummary, error)
}

// Roster is the conversation list in backend order.
type Roster struct {
	backend Backend

	mu      sync.RWMutex
	order   []string
	rows    map[string]*domain.PatientSummary
	viewing string
}

func New(backend Backend) *Roster {
	return &Roster{backend: backend, rows: make(map[string]*domain.PatientSummary)}
}

// Refresh replaces the list with the backend's. The chat being viewed
// keeps a zero unread count.
func (r *Roster) Refresh(ctx context.Context) error {
	chats, err := r.backend.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}

	order := make([]string, 0, len(chats))
	rows := make(map[string]*domain.PatientSummary, len(chats))
	for i := range chats {
		row := chats[i].ToDomain()
		if row.ID == "" {
			continue
		}
		if _, dup := rows[row.ID]; dup {
			continue
		}
		order = append(order, row.ID)
		rows[row.ID] = &row
	}

	r.mu.Lock()
	if row, ok := rows[r.viewing]; ok {
		row.Unread = 0
	}
	r.order, r.rows = order, rows
	r.mu.Unlock()

	l := log.Ctx(ctx)
	l.Debug().Int("count", len(order)).Msg("roster refreshed")
	return nil
}

// ApplyMessage updates the preview of msg's conversation. Patient lines
// count as unread unless that conversation is on screen.
func (r *Roster) ApplyMessage(msg domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[msg.ConversationID]
	if !ok {
		return
	}
	row.LastMessage = msg.Text
	if msg.Sender == domain.SenderPatient && !msg.Read && msg.ConversationID != r.viewing {
		row.Unread++
	}
}

// MarkViewed makes id the conversation on screen and clears its unread
// count. An empty id means nothing is on screen.
func (r *Roster) MarkViewed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.viewing = id
	if row, ok := r.rows[id]; ok {
		row.Unread = 0
	}
}

// SetEnded shows id as session-ended.
func (r *Roster) SetEnded(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return ErrUnknownChat
	}
	row.SessionActive = false
	row.Presence = domain.PresenceSessionEnded
	return nil
}

// Get returns one row.
func (r *Roster) Get(id string) (domain.PatientSummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[id]
	if !ok {
		return domain.PatientSummary{}, false
	}
	return *row, true
}

// List returns a copy in backend order.
func (r *Roster) List() []domain.PatientSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PatientSummary, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.rows[id])
	}
	return out
}

// Viewing returns the conversation on screen.
func (r *Roster) Viewing() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.viewing
}
