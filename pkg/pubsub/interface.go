package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrNoKind = errors.New("pubsub: envelope has no kind")

// Envelope is one event relayed between console processes of the same
// workstation. Origin names the publishing process.
type Envelope struct {
	Kind       string          `json:"kind"`
	Specialist string          `json:"specialist"`
	Origin     string          `json:"origin"`
	Body       json.RawMessage `json:"body"`
	SentAt     time.Time       `json:"sent_at"`
}

// Seal wraps body for publishing.
func Seal(kind, specialist, origin string, body any) (*Envelope, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("seal %s: %w", kind, err)
	}
	return &Envelope{
		Kind:       kind,
		Specialist: specialist,
		Origin:     origin,
		Body:       data,
		SentAt:     time.Now(),
	}, nil
}

// Parse decodes a wire payload.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Kind == "" {
		return nil, ErrNoKind
	}
	return &env, nil
}

// Open decodes the body into v.
func (e *Envelope) Open(v any) error {
	return json.Unmarshal(e.Body, v)
}

// From reports whether origin published e.
func (e *Envelope) From(origin string) bool {
	return origin != "" && e.Origin == origin
}

// Bus carries envelopes on named channels.
type Bus interface {
	Publish(ctx context.Context, channel string, env *Envelope) error
	Subscribe(ctx context.Context, channel string) (*Subscription, error)
	Close() error
}

// Subscription delivers envelopes on C until closed. C is closed once
// the subscription ends.
type Subscription struct {
	C <-chan *Envelope

	once   sync.Once
	cancel func() error
	err    error
}

func NewSubscription(c <-chan *Envelope, cancel func() error) *Subscription {
	return &Subscription{C: c, cancel: cancel}
}

// Close ends the subscription. Later calls return the first result.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.err = s.cancel()
		}
	})
	return s.err
}
