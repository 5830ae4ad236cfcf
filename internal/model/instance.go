package model

import (
	"time"

	"github.com/google/uuid"
)

// InstanceStatus is the lifecycle state of a decision instance.
type InstanceStatus string

const (
	InstancePending    InstanceStatus = "pending"
	InstanceInProgress InstanceStatus = "in_progress"
	InstanceCompleted  InstanceStatus = "completed"
	InstanceFailed     InstanceStatus = "failed"
)

// Terminal reports whether the status is completed or failed.
// Once terminal, all result fields of the instance are frozen.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed
}

// DecisionInstance is one execution record of a template against a
// specific parameter set. Incremental updates during execution are
// idempotent upserts keyed by ID; completed_at is set exactly once, on
// the first transition into a terminal state.
type DecisionInstance struct {
	ID                 uuid.UUID      `json:"id"`
	TemplateID         uuid.UUID      `json:"template_id"`
	ConversationID     string         `json:"conversation_id"`
	InputValues        map[string]any `json:"input_values"`
	OutputValues       map[string]any `json:"output_values,omitempty"`
	DeclarativeResults map[string]any `json:"declarative_results,omitempty"`
	AgenticResults     map[string]any `json:"agentic_results,omitempty"`
	Status             InstanceStatus `json:"status"`
	StartedAt          time.Time      `json:"started_at"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	ExecutionTimeMs    *int64         `json:"execution_time_ms,omitempty"`
	Error              *string        `json:"error,omitempty"`
	CreatedBy          string         `json:"created_by"`
}

// InstanceStatusView is the read-only polling projection of an instance.
// Results is populated only when Status is completed.
type InstanceStatusView struct {
	InstanceID uuid.UUID      `json:"instance_id"`
	Status     InstanceStatus `json:"status"`
	Results    map[string]any `json:"results,omitempty"`
	Error      *string        `json:"error,omitempty"`
}
