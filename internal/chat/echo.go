package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/weiawesome/derma-console/internal/domain"
)

// EchoPolicy decides what happens when the server pushes back a line the
// specialist sent from this console.
type EchoPolicy string

const (
	// EchoNone appends every push.
	EchoNone EchoPolicy = "none"
	// EchoByID drops a push whose id or client id is already in the log.
	EchoByID EchoPolicy = "id"
	// EchoByContent folds a self-sent push into the oldest unmatched
	// optimistic line with the same text inside the echo window.
	EchoByContent EchoPolicy = "content"
)

// ParseEchoPolicy maps a config value to a policy. Empty means content.
func ParseEchoPolicy(s string) (EchoPolicy, error) {
	switch p := EchoPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return EchoByContent, nil
	case EchoNone, EchoByID, EchoByContent:
		return p, nil
	default:
		return "", fmt.Errorf("unknown echo policy %q", s)
	}
}

// matchEcho returns the index of the log entry msg is an echo of, or -1.
// Callers hold the store lock.
func (s *Store) matchEcho(c *conversation, msg domain.Message) int {
	switch s.opts.EchoPolicy {
	case EchoByID:
		return matchByID(c, msg)
	case EchoByContent:
		// Backends that return the client id let us match exactly.
		if i := matchByID(c, msg); i >= 0 {
			return i
		}
		return s.matchByContent(c, msg)
	default:
		return -1
	}
}

func matchByID(c *conversation, msg domain.Message) int {
	for i, e := range c.entries {
		if msg.ID != "" && (e.msg.ID == msg.ID || e.msg.ClientID == msg.ID) {
			return i
		}
		if msg.ClientID != "" && e.msg.ClientID == msg.ClientID {
			return i
		}
	}
	return -1
}

func (s *Store) matchByContent(c *conversation, msg domain.Message) int {
	if msg.Sender != domain.SenderDoctor {
		return -1
	}
	// The server echoes in send order.
	for i := 0; i < len(c.entries); i++ {
		e := c.entries[i]
		if e.echoed || e.msg.ClientID == "" || e.msg.Sender != domain.SenderDoctor {
			continue
		}
		// Already confirmed under another server id.
		if msg.ID != "" && e.msg.ID != e.msg.ClientID && e.msg.ID != msg.ID {
			continue
		}
		if e.msg.Text != msg.Text {
			continue
		}
		if gap := absDuration(msg.SentAt.Sub(e.msg.SentAt)); gap > s.opts.EchoWindow {
			continue
		}
		return i
	}
	return -1
}

// reconcile folds an echo into the optimistic entry it matches. The
// server id and timestamp win.
func reconcile(e *entry, echo domain.Message) {
	e.echoed = true
	if echo.ID != "" && echo.ID != e.msg.ClientID {
		e.msg.ID = echo.ID
	}
	if echo.Timestamp != "" {
		e.msg.Timestamp = echo.Timestamp
		e.msg.SentAt = echo.SentAt
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
