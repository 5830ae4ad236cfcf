package model

import "time"

// Error codes returned in API error responses.
const (
	ErrCodeInvalidInput    = "invalid_input"
	ErrCodeNotFound        = "not_found"
	ErrCodeConflict        = "conflict"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeInternalError   = "internal_error"
	ErrCodeSchemaViolation = "schema_violation"
)

// ResponseMeta is attached to every API response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// ErrorDetail describes one API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// RouteReplyType discriminates the router's response to a conversation
// message.
type RouteReplyType string

const (
	ReplyNoMatch    RouteReplyType = "no_match"
	ReplyAskParam   RouteReplyType = "ask_param"
	ReplyProcessing RouteReplyType = "processing"
	ReplyResults    RouteReplyType = "results"
	ReplyError      RouteReplyType = "error"
)

// RouteReply is the router's answer to one inbound conversation message.
type RouteReply struct {
	Type       RouteReplyType `json:"type"`
	Message    string         `json:"message,omitempty"`
	Template   string         `json:"template,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	Param      *MissingParam  `json:"param,omitempty"`
	Results    map[string]any `json:"results,omitempty"`
}
