package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"
	FieldUpstream  = "upstream"

	// Actor (matches pkg/middleware keys)
	FieldSpecialistID = "specialist_id"
	FieldRole         = "role"

	// Realtime
	FieldRoomID  = "room_id"
	FieldState   = "state"
	FieldAttempt = "attempt"

	// Chat
	FieldConversationID = "conversation_id"
	FieldMessageID      = "message_id"
	FieldClientID       = "client_id"
	FieldNotificationID = "notification_id"

	FieldComponent = "component"

	// Log type (for audit log)
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
