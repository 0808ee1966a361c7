package audit

import (
	"context"

	"github.com/weiawesome/derma-console/pkg/log"
)

// Specialist actions recorded by the console.
const (
	ActionLogin          = "console.login"
	ActionLogout         = "console.logout"
	ActionForcedLogout   = "console.forced_logout"
	ActionSendMessage    = "console.send_message"
	ActionSendFailed     = "console.send_failed"
	ActionRetryMessage   = "console.retry_message"
	ActionEndSession     = "console.end_session"
	ActionReadNotice     = "console.read_notification"
	ActionReadAllNotices = "console.read_all_notifications"
)

const (
	FieldAction   = "action"
	FieldTargetID = "target_id"
	FieldDetail   = "detail"
)

// Log emits an audit entry through the context logger.
func Log(ctx context.Context, action, specialistID, targetID, msg string) {
	l := log.Ctx(ctx)
	e := l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldSpecialistID, specialistID)
	if targetID != "" {
		e = e.Str(FieldTargetID, targetID)
	}
	e.Msg(msg)
}

// LogWithDetail is Log with a free-form detail field, usually an error.
func LogWithDetail(ctx context.Context, action, specialistID, targetID, detail, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldSpecialistID, specialistID).
		Str(FieldTargetID, targetID).
		Str(FieldDetail, detail).
		Msg(msg)
}
