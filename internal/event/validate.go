package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// FieldError is one schema violation at a JSON path.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	return e.Path + ": " + e.Message
}

// ValidationError aggregates every violation found in a payload.
// Validation is a hard stop, not a warning.
type ValidationError struct {
	EventType Type
	Fields    []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.String()
	}
	return fmt.Sprintf("event: %s failed validation: %s", e.EventType, strings.Join(msgs, "; "))
}

// checker validates a decoded event and returns any violations.
type checker func(raw json.RawMessage) []FieldError

// registry maps every known event type to its schema check.
// An event_type absent from this map is rejected outright.
var registry = map[Type]checker{
	TypeForecastPublished:     checkForecastPublished,
	TypeForecastDeltaDetected: checkForecastDeltaDetected,
	TypePlanDeclared:          checkPlanDeclared,
	TypeImplicationsDerived:   checkImplicationsDerived,
	TypeRecommendedActions:    checkRecommendedActions,
	TypePlanVarianceDetected:  checkPlanVarianceDetected,
	TypeSimulatedOutcome:      checkSimulatedOutcome,
	TypePolicyViolationRisk:   checkPolicyViolationRisk,
	TypeReplanRequested:       checkReplanRequested,
	TypeActionCommitted:       checkActionCommitted,
	TypeApprovalRequested:     checkApprovalRequested,
	TypeApprovalGranted:       checkApprovalGranted,
	TypeApprovalRejected:      checkApprovalRejected,
}

// Known reports whether t names a registered event contract.
func Known(t Type) bool {
	_, ok := registry[t]
	return ok
}

// Validate checks a raw payload against the schema named by its own
// event_type field. The input is never mutated; validating the same bytes
// twice yields the same result.
func Validate(data []byte) error {
	var head Header
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&head); err != nil {
		return &ValidationError{Fields: []FieldError{{Path: "$", Message: "invalid JSON: " + err.Error()}}}
	}

	ve := &ValidationError{EventType: head.EventType}
	if head.EventType == "" {
		ve.Fields = append(ve.Fields, FieldError{Path: "$.event_type", Message: "is required"})
		return ve
	}
	check, ok := registry[head.EventType]
	if !ok {
		ve.Fields = append(ve.Fields, FieldError{Path: "$.event_type", Message: fmt.Sprintf("unknown event type %q", head.EventType)})
		return ve
	}

	if head.Version < 1 {
		ve.Fields = append(ve.Fields, FieldError{Path: "$.version", Message: "must be >= 1"})
	}
	if head.OccurredAt.IsZero() {
		ve.Fields = append(ve.Fields, FieldError{Path: "$.occurred_at", Message: "is required"})
	}

	ve.Fields = append(ve.Fields, check(data)...)
	if len(ve.Fields) > 0 {
		return ve
	}
	return nil
}

// decodeStrict unmarshals raw into target, rejecting malformed JSON.
func decodeStrict(raw json.RawMessage, target any) []FieldError {
	if err := json.Unmarshal(raw, target); err != nil {
		return []FieldError{{Path: "$", Message: "payload does not match schema: " + err.Error()}}
	}
	return nil
}

func checkForecastPublished(raw json.RawMessage) []FieldError {
	var ev ForecastPublished
	if errs := decodeStrict(raw, &ev); errs != nil {
		return errs
	}
	var errs []FieldError
	if ev.ForecastID == "" {
		errs = append(errs, FieldError{Path: "$.forecast_id", Message: "is required"})
	}
	return errs
}

func checkForecastDeltaDetected(raw json.RawMessage) []FieldError {
	var ev ForecastDeltaDetected
	if errs := decodeStrict(raw, &ev); errs != nil {
		return errs
	}
	var errs []FieldError
	if ev.ForecastID == "" {
		errs = append(errs, FieldError{Path: "$.forecast_id", Message: "is required"})
	}
	switch ev.Delta.Level {
	case "sku", "region", "global":
	case "":
		errs = append(errs, FieldError{Path: "$.delta.level", Message: "is required"})
	default:
		errs = append(errs, FieldError{Path: "$.delta.level", Message: fmt.Sprintf("must be one of sku, region, global; got %q", ev.Delta.Level)})
	}
	if ev.Delta.Level == "sku" && ev.Delta.SKU == "" {
		errs = append(errs, FieldError{Path: "$.delta.sku", Message: "is required when level is sku"})
	}
	return errs
}

func checkPlanDeclared(raw json.RawMessage) []FieldError {
	var ev PlanDeclared
	if errs := decodeStrict(raw, &ev); errs != nil {
		return errs
	}
	var errs []FieldError
	if ev.PlanID == "" {
		errs = append(errs, FieldError{Path: "$.plan_id", Message: "is required"})
	}
	return errs
}

func checkImplicationsDerived(raw json.RawMessage) []FieldError {
	var ev ImplicationsDerived
	if errs := decodeStrict(raw, &ev); errs != nil {
		return errs
	}
	var errs []FieldError
	if len(ev.Implications) == 0 {
		errs = append(errs, FieldError{Path: "$.implications", Message: "must not be empty"})
	}
	return errs
}

func checkActions(actions []Action, path string) []FieldError {
	var errs []FieldError
	for i, a := range actions {
		if a.Function == "" {
			errs = append(errs, FieldError{Path: fmt.Sprintf("%s[%d].function", path, i), Message: "is required"})
		}
		if a.Type == "" {
			errs = append(errs, FieldError{Path: fmt.Sprintf("%s[%d].type", path, i), Message: "is required"})
		}
	}
	return errs
}

func checkRecommendedActions(raw json.RawMessage) []FieldError {
	var ev RecommendedActions
	if errs := decodeStrict(raw, &ev); errs != nil {
		return errs
	}
	var errs []FieldError
	if ev.Playbook == "" {
		errs = append(errs, FieldError{Path: "$.playbook", Message: "is required"})
	}
	if len(ev.Actions) == 0 {
		errs = append(errs, FieldError{Path: "$.actions", Message: "must not be empty"})
	}
	errs = append(errs, checkActions(ev.Actions, "$.actions")...)
	return errs
}

func checkPlanVarianceDetected(raw json.RawMessage) []FieldError {
	var ev PlanVarianceDetected
	if errs := decodeStrict(raw, &ev); errs != nil {
		return errs
	}
	var errs []FieldError
	if ev.PlanID == "" {
		errs = append(errs, FieldError{Path: "$.plan_id", Message: "is required"})
	}
	if ev.Metric == "" {
		errs = append(errs, FieldError{Path: "$.metric", Message: "is required"})
	}
	return errs
}

func checkSimulatedOutcome(raw json.RawMessage) []FieldError {
	var ev SimulatedOutcome
	if errs := decodeStrict(raw, &ev); errs != nil {
		return errs
	}
	var errs []FieldError
	if ev.ScenarioID == "" {
		errs = append(errs, FieldError{Path: "$.scenario_id", Message: "is required"})
	}
	return errs
}

func checkPolicyViolationRisk(raw json.RawMessage) []FieldError {
	var ev PolicyViolationRisk
	if errs := decodeStrict(raw, &ev); errs != nil {
		return errs
	}
	var errs []FieldError
	if ev.Playbook == "" {
		errs = append(errs, FieldError{Path: "$.playbook", Message: "is required"})
	}
	if len(ev.Risks) == 0 {
		errs = append(errs, FieldError{Path: "$.risks", Message: "must not be empty"})
	}
	return errs
}

func checkReplanRequested(raw json.RawMessage) []FieldError {
	var ev ReplanRequested
	if errs := decodeStrict(raw, &ev); errs != nil {
		return errs
	}
	var errs []FieldError
	if ev.PlanID == "" {
		errs = append(errs, FieldError{Path: "$.plan_id", Message: "is required"})
	}
	if ev.Reason == "" {
		errs = append(errs, FieldError{Path: "$.reason", Message: "is required"})
	}
	return errs
}

func checkActionCommitted(raw json.RawMessage) []FieldError {
	var ev ActionCommitted
	if errs := decodeStrict(raw, &ev); errs != nil {
		return errs
	}
	var errs []FieldError
	if ev.Playbook == "" {
		errs = append(errs, FieldError{Path: "$.playbook", Message: "is required"})
	}
	if len(ev.Actions) == 0 {
		errs = append(errs, FieldError{Path: "$.actions", Message: "must not be empty"})
	}
	errs = append(errs, checkActions(ev.Actions, "$.actions")...)
	return errs
}

func checkApprovalRequested(raw json.RawMessage) []FieldError {
	var ev ApprovalRequested
	if errs := decodeStrict(raw, &ev); errs != nil {
		return errs
	}
	var errs []FieldError
	if ev.RequestID == uuid.Nil {
		errs = append(errs, FieldError{Path: "$.request_id", Message: "is required"})
	}
	if ev.Playbook == "" {
		errs = append(errs, FieldError{Path: "$.playbook", Message: "is required"})
	}
	// required_roles may be empty: actions held for an unrecognized playbook
	// carry no resolvable roles and wait for any reviewer.
	errs = append(errs, checkActions(ev.Actions, "$.actions")...)
	return errs
}

func checkApprovalGranted(raw json.RawMessage) []FieldError {
	var ev ApprovalGranted
	if errs := decodeStrict(raw, &ev); errs != nil {
		return errs
	}
	var errs []FieldError
	if ev.RequestID == uuid.Nil {
		errs = append(errs, FieldError{Path: "$.request_id", Message: "is required"})
	}
	if ev.ApprovedBy == "" {
		errs = append(errs, FieldError{Path: "$.approved_by", Message: "is required"})
	}
	return errs
}

func checkApprovalRejected(raw json.RawMessage) []FieldError {
	var ev ApprovalRejected
	if errs := decodeStrict(raw, &ev); errs != nil {
		return errs
	}
	var errs []FieldError
	if ev.RequestID == uuid.Nil {
		errs = append(errs, FieldError{Path: "$.request_id", Message: "is required"})
	}
	if ev.RejectedBy == "" {
		errs = append(errs, FieldError{Path: "$.rejected_by", Message: "is required"})
	}
	return errs
}
