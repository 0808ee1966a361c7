package alert

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/weiawesome/derma-console/pkg/log"
	"github.com/weiawesome/derma-console/pkg/pubsub"
)

// Relay publishes alerts on a per-specialist Redis channel so other
// console processes on the workstation show the same toasts, and
// forwards theirs into a local sink.
type Relay struct {
	bus        pubsub.Bus
	prefix     string
	origin     string
	specialist func() string
}

// NewRelay creates a relay. specialist resolves the channel owner at
// publish time.
func NewRelay(bus pubsub.Bus, prefix string, specialist func() string) *Relay {
	return &Relay{
		bus:        bus,
		prefix:     prefix,
		origin:     uuid.NewString(),
		specialist: specialist,
	}
}

// Raise publishes a. Alerts that came from another process are not
// published again.
func (r *Relay) Raise(ctx context.Context, a Alert) {
	if a.Origin != "" && a.Origin != r.origin {
		return
	}
	a.Origin = r.origin
	sid := r.specialist()

	l := log.Ctx(ctx)
	env, err := pubsub.Seal(pubsub.KindToast, sid, r.origin, a)
	if err != nil {
		l.Warn().Err(err).Str("alert_id", a.ID).Msg("alert not relayable")
		return
	}
	if err := r.bus.Publish(ctx, pubsub.AlertsChannel(r.prefix, sid), env); err != nil {
		l.Warn().Err(err).Str("alert_id", a.ID).Msg("failed to relay alert")
	}
}

// Forward delivers alerts published by other processes for specialistID
// into sink until ctx is done.
func (r *Relay) Forward(ctx context.Context, specialistID string, sink Alerter) error {
	channel := pubsub.AlertsChannel(r.prefix, specialistID)
	sub, err := r.bus.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	defer sub.Close()

	l := log.Ctx(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.C:
			if !ok {
				return nil
			}
			if env.Kind != pubsub.KindToast || env.From(r.origin) {
				continue
			}
			var a Alert
			if err := env.Open(&a); err != nil {
				l.Warn().Err(err).Msg("dropping malformed relayed alert")
				continue
			}
			a.Origin = env.Origin
			sink.Raise(ctx, a)
		}
	}
}
