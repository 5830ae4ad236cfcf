// Package policy evaluates recommended actions against playbook guardrails:
// numeric parameters are clamped to declared maxima and the set of roles
// that must approve before commit is resolved.
package policy

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/ashita-ai/kaji/internal/event"
	"github.com/ashita-ai/kaji/internal/model"
)

// Loader resolves playbook specs by name. A nil spec with nil error means
// the playbook does not exist.
type Loader interface {
	Load(name string) (*model.PlaybookSpec, error)
}

// Engine bounds and gates actions using a playbook library.
type Engine struct {
	playbooks Loader
	logger    *slog.Logger
}

// NewEngine creates a policy engine.
func NewEngine(playbooks Loader, logger *slog.Logger) *Engine {
	return &Engine{playbooks: playbooks, logger: logger}
}

// Evaluate bounds the recommended actions against their named playbook.
// An unknown playbook fails closed: not approved, no roles, and the
// original actions returned unbounded so the caller can still record them.
// The input actions are never mutated.
func (e *Engine) Evaluate(rec event.RecommendedActions) (model.PolicyDecision, error) {
	spec, err := e.playbooks.Load(rec.Playbook)
	if err != nil {
		return model.PolicyDecision{}, fmt.Errorf("policy: load playbook %q: %w", rec.Playbook, err)
	}

	actions := make([]model.ActionDescriptor, len(rec.Actions))
	for i, a := range rec.Actions {
		actions[i] = model.ActionDescriptor{
			Function: model.BusinessFunction(a.Function),
			Type:     model.ActionType(a.Type),
			Params:   a.Params,
		}.Clone()
	}

	if spec == nil {
		e.logger.Warn("policy: unknown playbook, failing closed", "playbook", rec.Playbook)
		return model.PolicyDecision{
			Approved:       false,
			RequiredRoles:  []string{},
			BoundedActions: actions,
		}, nil
	}

	for i := range actions {
		if err := e.bound(&actions[i], spec); err != nil {
			return model.PolicyDecision{}, err
		}
	}

	roles := spec.Guards.Approvals.RequiredRoles
	if roles == nil {
		roles = []string{}
	}
	return model.PolicyDecision{
		Approved:       len(roles) == 0,
		RequiredRoles:  roles,
		BoundedActions: actions,
	}, nil
}

// bound clamps one action's governed parameter in place. Dispatch is on the
// action's type variant; unrecognized types pass through unbounded.
func (e *Engine) bound(action *model.ActionDescriptor, spec *model.PlaybookSpec) error {
	switch action.Type {
	case model.ActionAdjustPO:
		var p model.AdjustPOParams
		if err := action.DecodeParams(&p); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
		if bounded, changed := clamp(p.ReductionPct, spec.Parameters, model.ParamMaxAdjustPOReductionPct); changed {
			e.logClamp(action.Type, "reduction_pct", p.ReductionPct, bounded)
			action.Params["reduction_pct"] = bounded
		}
	case model.ActionReallocBudget:
		var p model.ReallocBudgetParams
		if err := action.DecodeParams(&p); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
		if bounded, changed := clamp(p.AmountPct, spec.Parameters, model.ParamMaxBudgetReallocPct); changed {
			e.logClamp(action.Type, "amount_pct", p.AmountPct, bounded)
			action.Params["amount_pct"] = bounded
		}
	case model.ActionResetQuota:
		var p model.ResetQuotaParams
		if err := action.DecodeParams(&p); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
		if bounded, changed := clamp(p.AdjustmentPct, spec.Parameters, model.ParamQuotaAdjustmentCap); changed {
			e.logClamp(action.Type, "adjustment_pct", p.AdjustmentPct, bounded)
			action.Params["adjustment_pct"] = bounded
		}
	}
	return nil
}

// clamp bounds value's magnitude to the declared maximum, preserving sign.
// Bounding only ever reduces magnitude. Returns the bounded value and
// whether it changed. A missing declaration leaves the value untouched.
func clamp(value float64, params map[string]float64, key string) (float64, bool) {
	max, ok := params[key]
	if !ok {
		return value, false
	}
	if math.Abs(value) <= max {
		return value, false
	}
	return math.Copysign(max, value), true
}

func (e *Engine) logClamp(t model.ActionType, field string, raw, bounded float64) {
	e.logger.Info("policy: parameter bounded",
		"action_type", t,
		"field", field,
		"raw", raw,
		"bounded", bounded,
	)
}
