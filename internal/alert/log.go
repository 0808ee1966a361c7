package alert

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/weiawesome/derma-console/pkg/log"
)

// LogAlerter writes alerts to the context logger.
type LogAlerter struct{}

func (LogAlerter) Raise(ctx context.Context, a Alert) {
	l := log.Ctx(ctx)
	var ev *zerolog.Event
	switch a.Level {
	case LevelError:
		ev = l.Error()
	case LevelWarning:
		ev = l.Warn()
	default:
		ev = l.Info()
	}
	ev.Str("alert_id", a.ID).
		Str("source", a.Source).
		Str("title", a.Title).
		Str("ref_id", a.RefID).
		Msg(a.Message)
}
