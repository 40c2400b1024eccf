package logging

const (
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"
	FieldService   = "service"

	FieldUserID    = "user_id"
	FieldSessionID = "session_id"
	FieldMessageID = "message_id"
	FieldConnID    = "conn_id"
	FieldEvent     = "event"
	FieldPlatform  = "platform"

	FieldLogType = "log_type"
	LogTypeAudit = "audit"
	FieldAction  = "action"
)
