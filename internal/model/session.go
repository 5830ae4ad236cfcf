package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the state of a per-conversation template session.
type SessionStatus string

const (
	SessionCollectingParams SessionStatus = "collecting_params"
	SessionProcessing       SessionStatus = "processing"
	SessionCompleted        SessionStatus = "completed"
	SessionFailed           SessionStatus = "failed"
)

// MissingParam is one still-unfilled required input, queued in declared order.
type MissingParam struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// TemplateSession is the per-conversation state machine record that drives
// multi-turn parameter collection. Keyed by conversation ID; created on
// first template match, destroyed when the instance reaches a terminal
// state or parameters are handed to execution and results are delivered.
type TemplateSession struct {
	ConversationID  string         `json:"conversation_id"`
	TemplateID      uuid.UUID      `json:"template_id"`
	TemplateName    string         `json:"template_name"`
	InstanceID      *uuid.UUID     `json:"instance_id,omitempty"`
	ExtractedParams map[string]any `json:"extracted_params"`
	MissingParams   []MissingParam `json:"missing_params"`
	// AskAttempts counts consecutive failed extractions for the head of
	// MissingParams. Reset to zero whenever a parameter is consumed.
	AskAttempts int           `json:"ask_attempts"`
	Status      SessionStatus `json:"status"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Clone returns a deep copy with an independent params map and missing queue.
func (s TemplateSession) Clone() TemplateSession {
	out := s
	out.ExtractedParams = make(map[string]any, len(s.ExtractedParams))
	for k, v := range s.ExtractedParams {
		out.ExtractedParams[k] = v
	}
	out.MissingParams = append([]MissingParam(nil), s.MissingParams...)
	return out
}

// NextMissing returns the head of the missing-parameter queue.
func (s TemplateSession) NextMissing() (MissingParam, bool) {
	if len(s.MissingParams) == 0 {
		return MissingParam{}, false
	}
	return s.MissingParams[0], true
}
