package alert

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/weiawesome/derma-console/pkg/log"
)

const subscriberBuffer = 32

// Broadcaster hands every alert to all current subscribers. A subscriber
// whose buffer is full misses the alert; toasts are transient.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]chan Alert
	dropped atomic.Uint64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]chan Alert)}
}

// Subscribe returns a channel of alerts and a cancel func that closes it.
func (b *Broadcaster) Subscribe() (<-chan Alert, func()) {
	id := uuid.NewString()
	ch := make(chan Alert, subscriberBuffer)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) Raise(ctx context.Context, a Alert) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- a:
		default:
			b.dropped.Add(1)
			l := log.Ctx(ctx)
			l.Debug().Str("subscriber", id).Str("alert_id", a.ID).Msg("alert dropped for slow subscriber")
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }
