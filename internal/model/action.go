package model

import (
	"encoding/json"
	"fmt"
)

// BusinessFunction is the business domain an action operates in.
type BusinessFunction string

const (
	FunctionSupply    BusinessFunction = "supply"
	FunctionDemand    BusinessFunction = "demand"
	FunctionInventory BusinessFunction = "inventory"
	FunctionFinance   BusinessFunction = "finance"
	FunctionSales     BusinessFunction = "sales"
)

// ActionType is the closed set of action verbs the policy engine knows
// how to bound. Types outside this set pass through policy unbounded.
type ActionType string

const (
	ActionAdjustPO      ActionType = "adjust_po"
	ActionReallocBudget ActionType = "realloc_budget"
	ActionResetQuota    ActionType = "reset_quota"
	ActionExpedite      ActionType = "expedite_shipment"
	ActionHoldOrders    ActionType = "hold_orders"
)

// ActionDescriptor is a business action produced by a template's agentic
// tasks or declared by a playbook. The wire format keeps Params free-form;
// the policy engine decodes into the typed variant for its action Type.
// Bounded copies are produced by policy evaluation, never mutated in place.
type ActionDescriptor struct {
	Function BusinessFunction `json:"function"`
	Type     ActionType       `json:"type"`
	Params   map[string]any   `json:"params"`
}

// Clone returns a deep copy with an independent Params map.
func (a ActionDescriptor) Clone() ActionDescriptor {
	out := a
	out.Params = make(map[string]any, len(a.Params))
	for k, v := range a.Params {
		out.Params[k] = v
	}
	return out
}

// AdjustPOParams is the typed parameter record for adjust_po actions.
type AdjustPOParams struct {
	PONumber     string  `json:"po_number,omitempty"`
	SKU          string  `json:"sku,omitempty"`
	ReductionPct float64 `json:"reduction_pct"`
}

// ReallocBudgetParams is the typed parameter record for realloc_budget actions.
type ReallocBudgetParams struct {
	FromChannel string  `json:"from_channel,omitempty"`
	ToChannel   string  `json:"to_channel,omitempty"`
	AmountPct   float64 `json:"amount_pct"`
}

// ResetQuotaParams is the typed parameter record for reset_quota actions.
type ResetQuotaParams struct {
	Region        string  `json:"region,omitempty"`
	AdjustmentPct float64 `json:"adjustment_pct"`
}

// DecodeParams unmarshals the free-form Params bag into target, which
// should be the typed variant matching the action's Type.
func (a ActionDescriptor) DecodeParams(target any) error {
	raw, err := json.Marshal(a.Params)
	if err != nil {
		return fmt.Errorf("model: encode action params: %w", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("model: decode %s params: %w", a.Type, err)
	}
	return nil
}
