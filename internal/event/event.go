// Package event defines the typed, schema-validated contracts exchanged
// between pipeline stages. Every event is a flat, versioned, timestamped
// record with an event_type discriminant and an optional provenance block.
//
// The validation invariant is absolute: no payload with an unknown
// event_type or a schema violation propagates past Validate.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type is the discriminant carried in every event's event_type field.
type Type string

const (
	TypeForecastPublished     Type = "ForecastPublished"
	TypeForecastDeltaDetected Type = "ForecastDeltaDetected"
	TypePlanDeclared          Type = "PlanDeclared"
	TypeImplicationsDerived   Type = "ImplicationsDerived"
	TypeRecommendedActions    Type = "RecommendedActions"
	TypePlanVarianceDetected  Type = "PlanVarianceDetected"
	TypeSimulatedOutcome      Type = "SimulatedOutcome"
	TypePolicyViolationRisk   Type = "PolicyViolationRisk"
	TypeReplanRequested       Type = "ReplanRequested"
	TypeActionCommitted       Type = "ActionCommitted"
	TypeApprovalRequested     Type = "ApprovalRequested"
	TypeApprovalGranted       Type = "ApprovalGranted"
	TypeApprovalRejected      Type = "ApprovalRejected"
)

// Provenance records where an event's content came from.
type Provenance struct {
	Source              string   `json:"source"`
	Confidence          float64  `json:"confidence,omitempty"`
	SupportingDocuments []string `json:"supporting_documents,omitempty"`
}

// Header is embedded in every event contract.
type Header struct {
	EventType  Type        `json:"event_type"`
	Version    int         `json:"version"`
	OccurredAt time.Time   `json:"occurred_at"`
	Provenance *Provenance `json:"provenance,omitempty"`
}

// ForecastPublished announces a new forecast series.
type ForecastPublished struct {
	Header
	ForecastID string         `json:"forecast_id"`
	Horizon    string         `json:"horizon,omitempty"`
	Series     map[string]any `json:"series,omitempty"`
}

// Delta describes a forecast movement at a given aggregation level.
type Delta struct {
	Level  string  `json:"level"` // "sku", "region", or "global"
	Value  float64 `json:"value"` // signed fractional change, e.g. -0.09
	SKU    string  `json:"sku,omitempty"`
	Region string  `json:"region,omitempty"`
}

// ForecastDeltaDetected signals a material forecast movement.
type ForecastDeltaDetected struct {
	Header
	ForecastID string `json:"forecast_id"`
	Delta      Delta  `json:"delta"`
}

// PlanDeclared announces an operating plan derived from a forecast.
type PlanDeclared struct {
	Header
	PlanID     string         `json:"plan_id"`
	ForecastID string         `json:"forecast_id,omitempty"`
	Targets    map[string]any `json:"targets,omitempty"`
}

// ImplicationsDerived lists downstream consequences of a plan or delta.
type ImplicationsDerived struct {
	Header
	SourceEventID string   `json:"source_event_id,omitempty"`
	Implications  []string `json:"implications"`
}

// Action mirrors model.ActionDescriptor at the contract boundary.
type Action struct {
	Function string         `json:"function"`
	Type     string         `json:"type"`
	Params   map[string]any `json:"params"`
}

// RecommendedActions carries a playbook name and the actions a pipeline
// proposes. It is the input contract of the policy engine.
type RecommendedActions struct {
	Header
	Playbook   string    `json:"playbook"`
	Actions    []Action  `json:"actions"`
	InstanceID uuid.UUID `json:"instance_id,omitempty"`
	Rationale  string    `json:"rationale,omitempty"`
}

// PlanVarianceDetected signals actuals diverging from a declared plan.
type PlanVarianceDetected struct {
	Header
	PlanID      string  `json:"plan_id"`
	Metric      string  `json:"metric"`
	VariancePct float64 `json:"variance_pct"`
}

// SimulatedOutcome reports the projected effect of a candidate action set.
type SimulatedOutcome struct {
	Header
	ScenarioID string         `json:"scenario_id"`
	Outcome    map[string]any `json:"outcome"`
}

// PolicyViolationRisk flags that a proposed action set may breach policy.
type PolicyViolationRisk struct {
	Header
	Playbook string   `json:"playbook"`
	Risks    []string `json:"risks"`
}

// ReplanRequested asks for a plan revision cycle.
type ReplanRequested struct {
	Header
	PlanID string `json:"plan_id"`
	Reason string `json:"reason"`
}

// ActionCommitted records that bounded actions were committed.
type ActionCommitted struct {
	Header
	RequestID  uuid.UUID `json:"request_id,omitempty"`
	InstanceID uuid.UUID `json:"instance_id,omitempty"`
	Playbook   string    `json:"playbook"`
	Actions    []Action  `json:"actions"`
	ApprovedBy string    `json:"approved_by,omitempty"`
}

// ApprovalRequested holds bounded actions pending human approval.
type ApprovalRequested struct {
	Header
	RequestID     uuid.UUID `json:"request_id"`
	Playbook      string    `json:"playbook"`
	RequiredRoles []string  `json:"required_roles"`
	Actions       []Action  `json:"actions"`
	Rationale     string    `json:"rationale,omitempty"`
}

// ApprovalGranted resolves an approval request affirmatively.
type ApprovalGranted struct {
	Header
	RequestID  uuid.UUID `json:"request_id"`
	ApprovedBy string    `json:"approved_by"`
	Role       string    `json:"role,omitempty"`
}

// ApprovalRejected resolves an approval request negatively.
type ApprovalRejected struct {
	Header
	RequestID  uuid.UUID `json:"request_id"`
	RejectedBy string    `json:"rejected_by"`
	Reason     string    `json:"reason,omitempty"`
}

// NewHeader builds a header for an event emitted now.
func NewHeader(t Type) Header {
	return Header{
		EventType:  t,
		Version:    1,
		OccurredAt: time.Now().UTC(),
	}
}
