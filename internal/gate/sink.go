package gate

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaji/internal/event"
)

// Sink adapts the gate to the executor's action callback. Payloads that do
// not form a valid RecommendedActions contract are logged and dropped;
// nothing invalid reaches policy evaluation.
type Sink struct {
	gate *Gate
}

// NewSink creates an executor action sink backed by the gate.
func NewSink(g *Gate) *Sink {
	return &Sink{gate: g}
}

// OnActions receives a recommended-actions payload from a completed
// instance, validates it, and runs it through the gate.
func (s *Sink) OnActions(ctx context.Context, instanceID uuid.UUID, payload map[string]any) {
	rec := event.RecommendedActions{
		Header:     event.NewHeader(event.TypeRecommendedActions),
		InstanceID: instanceID,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.gate.logger.Error("gate: encode action payload", "instance_id", instanceID, "error", err)
		return
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.gate.logger.Warn("gate: malformed action payload", "instance_id", instanceID, "error", err)
		return
	}
	rec.EventType = event.TypeRecommendedActions
	rec.InstanceID = instanceID

	full, err := json.Marshal(rec)
	if err != nil {
		s.gate.logger.Error("gate: encode actions event", "instance_id", instanceID, "error", err)
		return
	}
	if err := event.Validate(full); err != nil {
		s.gate.logger.Warn("gate: action payload failed validation",
			"instance_id", instanceID, "error", err)
		return
	}

	if _, err := s.gate.Process(ctx, rec); err != nil {
		s.gate.logger.Error("gate: process actions", "instance_id", instanceID, "error", err)
	}
}
