package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldRoute     = "route"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor, set by the auth middleware
	FieldUserID = "user_id"

	FieldComponent      = "component"
	FieldConversationID = "conversation_id"
	FieldCorrelationID  = "correlation_id"
	FieldMessageID      = "message_id"
)
