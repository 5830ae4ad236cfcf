package policy

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaji/internal/event"
	"github.com/ashita-ai/kaji/internal/model"
)

type fakeLoader struct {
	specs map[string]*model.PlaybookSpec
}

func (f *fakeLoader) Load(name string) (*model.PlaybookSpec, error) {
	return f.specs[name], nil
}

func testEngine(specs map[string]*model.PlaybookSpec) *Engine {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewEngine(&fakeLoader{specs: specs}, logger)
}

func rec(playbook string, actions ...event.Action) event.RecommendedActions {
	return event.RecommendedActions{
		Header:   event.NewHeader(event.TypeRecommendedActions),
		Playbook: playbook,
		Actions:  actions,
	}
}

func TestEvaluate_ClampsAboveMax(t *testing.T) {
	eng := testEngine(map[string]*model.PlaybookSpec{
		"sku_demand_down": {
			Playbook:   "sku_demand_down",
			Parameters: map[string]float64{model.ParamMaxAdjustPOReductionPct: 0.05},
		},
	})

	decision, err := eng.Evaluate(rec("sku_demand_down", event.Action{
		Function: "supply",
		Type:     "adjust_po",
		Params:   map[string]any{"po_number": "PO-77", "reduction_pct": 0.12},
	}))
	require.NoError(t, err)
	require.Len(t, decision.BoundedActions, 1)
	assert.Equal(t, 0.05, decision.BoundedActions[0].Params["reduction_pct"])
	assert.Equal(t, "PO-77", decision.BoundedActions[0].Params["po_number"])
	assert.True(t, decision.Approved)
}

func TestEvaluate_WithinBoundsUnchanged(t *testing.T) {
	eng := testEngine(map[string]*model.PlaybookSpec{
		"pb": {
			Playbook:   "pb",
			Parameters: map[string]float64{model.ParamMaxBudgetReallocPct: 0.30},
		},
	})

	decision, err := eng.Evaluate(rec("pb", event.Action{
		Function: "finance",
		Type:     "realloc_budget",
		Params:   map[string]any{"amount_pct": 0.10},
	}))
	require.NoError(t, err)
	assert.Equal(t, 0.10, decision.BoundedActions[0].Params["amount_pct"])
}

func TestEvaluate_PreservesSign(t *testing.T) {
	eng := testEngine(map[string]*model.PlaybookSpec{
		"pb": {
			Playbook:   "pb",
			Parameters: map[string]float64{model.ParamQuotaAdjustmentCap: 0.15},
		},
	})

	decision, err := eng.Evaluate(rec("pb", event.Action{
		Function: "sales",
		Type:     "reset_quota",
		Params:   map[string]any{"region": "EU", "adjustment_pct": -0.40},
	}))
	require.NoError(t, err)
	assert.Equal(t, -0.15, decision.BoundedActions[0].Params["adjustment_pct"])
}

func TestEvaluate_UnrecognizedTypePassesThrough(t *testing.T) {
	eng := testEngine(map[string]*model.PlaybookSpec{
		"pb": {Playbook: "pb", Parameters: map[string]float64{model.ParamMaxAdjustPOReductionPct: 0.01}},
	})

	decision, err := eng.Evaluate(rec("pb", event.Action{
		Function: "supply",
		Type:     "expedite_shipment",
		Params:   map[string]any{"carrier": "air", "surcharge_pct": 0.50},
	}))
	require.NoError(t, err)
	assert.Equal(t, 0.50, decision.BoundedActions[0].Params["surcharge_pct"])
}

func TestEvaluate_UnknownPlaybookFailsClosed(t *testing.T) {
	eng := testEngine(nil)

	in := rec("does_not_exist", event.Action{
		Function: "supply",
		Type:     "adjust_po",
		Params:   map[string]any{"reduction_pct": 0.99},
	})
	decision, err := eng.Evaluate(in)
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Empty(t, decision.RequiredRoles)
	require.Len(t, decision.BoundedActions, 1)
	assert.Equal(t, 0.99, decision.BoundedActions[0].Params["reduction_pct"])
}

func TestEvaluate_ApprovedIffNoRoles(t *testing.T) {
	eng := testEngine(map[string]*model.PlaybookSpec{
		"gated": {
			Playbook: "gated",
			Guards: model.PlaybookGuards{
				Approvals: model.PlaybookApprovals{RequiredRoles: []string{"supply_lead", "finance_lead"}},
			},
		},
		"open": {Playbook: "open"},
	})

	gated, err := eng.Evaluate(rec("gated"))
	require.NoError(t, err)
	assert.False(t, gated.Approved)
	assert.Equal(t, []string{"supply_lead", "finance_lead"}, gated.RequiredRoles)

	open, err := eng.Evaluate(rec("open"))
	require.NoError(t, err)
	assert.True(t, open.Approved)
	assert.Empty(t, open.RequiredRoles)
}

func TestEvaluate_DoesNotMutateInput(t *testing.T) {
	eng := testEngine(map[string]*model.PlaybookSpec{
		"pb": {Playbook: "pb", Parameters: map[string]float64{model.ParamMaxAdjustPOReductionPct: 0.05}},
	})

	in := rec("pb", event.Action{
		Function: "supply",
		Type:     "adjust_po",
		Params:   map[string]any{"reduction_pct": 0.20},
	})
	_, err := eng.Evaluate(in)
	require.NoError(t, err)
	assert.Equal(t, 0.20, in.Actions[0].Params["reduction_pct"])
}
