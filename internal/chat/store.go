package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/derma-console/internal/domain"
	"github.com/weiawesome/derma-console/pkg/log"
)

var (
	ErrBlankMessage      = errors.New("chat: message is blank")
	ErrNoConversation    = errors.New("chat: no active conversation")
	ErrConversationEnded = errors.New("chat: conversation has ended")
	ErrMessageNotFound   = errors.New("chat: message not found")
	ErrNotRetryable      = errors.New("chat: message is not in failed state")
)

// LoadState is the observable outcome of the last bulk fetch.
type LoadState string

const (
	LoadIdle    LoadState = "idle"
	LoadLoading LoadState = "loading"
	LoadLoaded  LoadState = "loaded"
	LoadFailed  LoadState = "load_failed"
)

// Backend persists and fetches conversation history.
type Backend interface {
	ListMessages(ctx context.Context, chatID string) ([]domain.ChatMessage, error)
	SendMessage(ctx context.Context, chatID string, req domain.SendMessageRequest) (*domain.ChatMessage, error)
}

// Emitter mirrors outgoing lines onto the real-time channel.
type Emitter interface {
	Emit(event string, payload any) error
}

type Options struct {
	SpecialistID string
	EchoPolicy   EchoPolicy
	EchoWindow   time.Duration
	TimeLayout   string
	Location     *time.Location
	SendTimeout  time.Duration
	// OnDelivery runs after each persist attempt settles, outside the lock.
	OnDelivery func(domain.Message, error)
}

type entry struct {
	msg    domain.Message
	seq    uint64
	echoed bool
}

type conversation struct {
	entries []*entry
	state   LoadState
	loadErr error
	ended   bool
}

// Store keeps one ordered message log per conversation. Insertion order
// is display order; nothing is ever sorted or removed mid-session.
type Store struct {
	backend Backend
	opts    Options
	now     func() time.Time
	newID   func() string

	mu       sync.Mutex
	convs    map[string]*conversation
	emitters map[string]Emitter
	seq      uint64

	loads    singleflight.Group
	inflight sync.WaitGroup
}

func NewStore(backend Backend, opts Options) *Store {
	if opts.EchoPolicy == "" {
		opts.EchoPolicy = EchoByContent
	}
	if opts.EchoWindow <= 0 {
		opts.EchoWindow = 10 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	return &Store{
		backend:  backend,
		opts:     opts,
		now:      time.Now,
		newID:    func() string { return "tmp-" + uuid.NewString() },
		convs:    make(map[string]*conversation),
		emitters: make(map[string]Emitter),
	}
}

// SpecialistID returns the identity lines are attributed to.
func (s *Store) SpecialistID() string { return s.opts.SpecialistID }

func (s *Store) conv(id string) *conversation {
	c, ok := s.convs[id]
	if !ok {
		c = &conversation{state: LoadIdle}
		s.convs[id] = c
	}
	return c
}

type page struct {
	messages []domain.ChatMessage
	startSeq uint64
}

// Load replaces the log of contextID with the backend history. Lines
// appended after the fetch started and unsettled local sends survive
// unless the page already holds them. On failure everything else is
// dropped and the state becomes LoadFailed. Concurrent loads of one
// conversation share a fetch.
func (s *Store) Load(ctx context.Context, contextID string) error {
	if contextID == "" {
		return ErrNoConversation
	}
	l := log.Ctx(ctx).With().Str(log.FieldConversationID, contextID).Logger()

	v, err, shared := s.loads.Do(contextID, func() (any, error) {
		s.mu.Lock()
		start := s.seq
		s.conv(contextID).state = LoadLoading
		s.mu.Unlock()

		msgs, err := s.backend.ListMessages(ctx, contextID)
		return page{messages: msgs, startSeq: start}, err
	})
	p, _ := v.(page)

	s.mu.Lock()
	c := s.conv(contextID)
	if err != nil {
		c.entries = newerThan(c.entries, p.startSeq)
		c.state = LoadFailed
		c.loadErr = err
		s.mu.Unlock()
		l.Warn().Err(err).Msg("message history load failed")
		return fmt.Errorf("load messages: %w", err)
	}
	c.entries = s.merge(contextID, p, c.entries)
	c.state = LoadLoaded
	c.loadErr = nil
	n := len(c.entries)
	s.mu.Unlock()

	l.Debug().Int("count", n).Bool("shared", shared).Msg("message history loaded")
	return nil
}

// merge builds the log from a fetched page and the live entries appended
// since the fetch began. Callers hold the lock.
func (s *Store) merge(contextID string, p page, live []*entry) []*entry {
	out := make([]*entry, 0, len(p.messages)+len(live))
	inPage := make(map[string]bool, len(p.messages))
	for i := range p.messages {
		msg := p.messages[i].ToDomain(contextID, s.opts.SpecialistID, s.opts.TimeLayout, s.opts.Location)
		if msg.ID != "" {
			inPage[msg.ID] = true
		}
		if msg.ClientID != "" {
			inPage[msg.ClientID] = true
		}
		out = append(out, &entry{msg: msg, seq: p.startSeq, echoed: true})
	}
	for _, e := range live {
		if !survives(e, p.startSeq) {
			continue
		}
		if inPage[e.msg.ID] || (e.msg.ClientID != "" && inPage[e.msg.ClientID]) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func newerThan(entries []*entry, seq uint64) []*entry {
	var out []*entry
	for _, e := range entries {
		if survives(e, seq) {
			out = append(out, e)
		}
	}
	return out
}

// survives reports whether a live entry outlives a reload started at seq:
// it arrived after the fetch began or is an unsettled local send.
func survives(e *entry, seq uint64) bool {
	return e.seq > seq || e.msg.Status == domain.StatusPending || e.msg.Status == domain.StatusFailed
}

// Append adds msg to the tail of its conversation log, subject to the
// echo policy. It reports whether a new line was added.
func (s *Store) Append(contextID string, msg domain.Message) bool {
	if msg.ConversationID == "" {
		msg.ConversationID = contextID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(contextID)
	if i := s.matchEcho(c, msg); i >= 0 {
		reconcile(c.entries[i], msg)
		return false
	}
	s.seq++
	c.entries = append(c.entries, &entry{msg: msg, seq: s.seq})
	return true
}

// Receive maps a pushed backend message and appends it.
func (s *Store) Receive(contextID string, m domain.ChatMessage) bool {
	msg := m.ToDomain(contextID, s.opts.SpecialistID, s.opts.TimeLayout, s.opts.Location)
	if m.Timestamp.Time().IsZero() {
		msg.SentAt = s.now()
		msg.Timestamp = domain.FormatDisplayTime(msg.SentAt, s.opts.TimeLayout, s.opts.Location)
	}
	return s.Append(msg.ConversationID, msg)
}

// Attach routes mirrored sends for contextID through e until the returned
// func is called.
func (s *Store) Attach(contextID string, e Emitter) (detach func()) {
	s.mu.Lock()
	s.emitters[contextID] = e
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if s.emitters[contextID] == e {
			delete(s.emitters, contextID)
		}
		s.mu.Unlock()
	}
}

// Send appends an optimistic line, mirrors it on the real-time channel
// and persists it in the background. Blank text, an empty context and an
// ended conversation are rejected without side effects.
func (s *Store) Send(ctx context.Context, contextID, text string) (domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Message{}, ErrBlankMessage
	}
	if contextID == "" {
		return domain.Message{}, ErrNoConversation
	}

	s.mu.Lock()
	c := s.conv(contextID)
	if c.ended {
		s.mu.Unlock()
		return domain.Message{}, ErrConversationEnded
	}
	now := s.now()
	clientID := s.newID()
	msg := domain.Message{
		ID:             clientID,
		ClientID:       clientID,
		ConversationID: contextID,
		Sender:         domain.SenderDoctor,
		Text:           text,
		Timestamp:      domain.FormatDisplayTime(now, s.opts.TimeLayout, s.opts.Location),
		SentAt:         now,
		Read:           true,
		Status:         domain.StatusPending,
	}
	s.seq++
	c.entries = append(c.entries, &entry{msg: msg, seq: s.seq})
	emitter := s.emitters[contextID]
	s.mu.Unlock()

	l := log.Ctx(ctx).With().
		Str(log.FieldConversationID, contextID).
		Str(log.FieldClientID, clientID).
		Logger()

	if emitter != nil {
		err := emitter.Emit(domain.FrameSendMessage, domain.SendMessageData{
			ChatID:   contextID,
			SenderID: s.opts.SpecialistID,
			Message:  text,
			ClientID: clientID,
		})
		if err != nil {
			l.Debug().Err(err).Msg("mirror skipped")
		}
	}

	s.persist(ctx, contextID, clientID, text)
	return msg, nil
}

// Retry persists a failed line again.
func (s *Store) Retry(ctx context.Context, contextID, clientID string) (domain.Message, error) {
	s.mu.Lock()
	c, ok := s.convs[contextID]
	if !ok {
		s.mu.Unlock()
		return domain.Message{}, ErrMessageNotFound
	}
	if c.ended {
		s.mu.Unlock()
		return domain.Message{}, ErrConversationEnded
	}
	e := findClient(c, clientID)
	if e == nil {
		s.mu.Unlock()
		return domain.Message{}, ErrMessageNotFound
	}
	if e.msg.Status != domain.StatusFailed {
		s.mu.Unlock()
		return domain.Message{}, ErrNotRetryable
	}
	e.msg.Status = domain.StatusPending
	msg := e.msg
	s.mu.Unlock()

	s.persist(ctx, contextID, clientID, msg.Text)
	return msg, nil
}

func (s *Store) persist(ctx context.Context, contextID, clientID, text string) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SendTimeout)
		defer cancel()
		l := log.Ctx(pctx)

		resp, err := s.backend.SendMessage(pctx, contextID, domain.SendMessageRequest{Message: text, ClientID: clientID})

		s.mu.Lock()
		var settled domain.Message
		if c, ok := s.convs[contextID]; ok {
			if e := findClient(c, clientID); e != nil {
				if err != nil {
					e.msg.Status = domain.StatusFailed
				} else {
					e.msg.Status = domain.StatusConfirmed
					if resp != nil && resp.ID != "" {
						e.msg.ID = resp.ID
					}
				}
				settled = e.msg
			}
		}
		s.mu.Unlock()

		if err != nil {
			l.Warn().Err(err).
				Str(log.FieldConversationID, contextID).
				Str(log.FieldClientID, clientID).
				Msg("message persist failed")
		} else {
			l.Debug().
				Str(log.FieldConversationID, contextID).
				Str(log.FieldMessageID, settled.ID).
				Msg("message persisted")
		}
		if s.opts.OnDelivery != nil && settled.ClientID != "" {
			s.opts.OnDelivery(settled, err)
		}
	}()
}

func findClient(c *conversation, clientID string) *entry {
	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].msg.ClientID == clientID {
			return c.entries[i]
		}
	}
	return nil
}

// EndSession flags the conversation ended. The log is kept.
func (s *Store) EndSession(contextID string) {
	s.mu.Lock()
	s.conv(contextID).ended = true
	s.mu.Unlock()
}

// Ended reports whether sends to contextID are rejected.
func (s *Store) Ended(contextID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[contextID]
	return ok && c.ended
}

// MarkRead flags every line of contextID read and returns how many
// changed.
func (s *Store) MarkRead(contextID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[contextID]
	if !ok {
		return 0
	}
	n := 0
	for _, e := range c.entries {
		if !e.msg.Read {
			e.msg.Read = true
			n++
		}
	}
	return n
}

// Messages returns a copy of the log in display order.
func (s *Store) Messages(contextID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[contextID]
	if !ok {
		return []domain.Message{}
	}
	out := make([]domain.Message, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.msg
	}
	return out
}

// State returns the load state and the last load error.
func (s *Store) State(contextID string) (LoadState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[contextID]
	if !ok {
		return LoadIdle, nil
	}
	return c.state, c.loadErr
}

// Wait blocks until every background persist has settled.
func (s *Store) Wait() {
	s.inflight.Wait()
}
