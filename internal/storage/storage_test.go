package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaji/internal/model"
	"github.com/ashita-ai/kaji/internal/storage"
	"github.com/ashita-ai/kaji/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close(ctx)

	return m.Run()
}

func sampleTemplate(name string) model.DecisionTemplate {
	return model.DecisionTemplate{
		Name:        name,
		Description: "Quantify the impact of a supplier shortfall and recommend PO adjustments",
		Inputs: []model.TemplateInput{
			{Name: "supplier_id", Type: model.InputString, Description: "Affected supplier", Required: true},
			{Name: "shortfall_pct", Type: model.InputNumber, Description: "Shortfall fraction", Required: true},
			{Name: "region", Type: model.InputEnum, Enum: []string{"NA", "EU", "APAC"}, Default: "NA"},
		},
		Outputs: []model.TemplateOutput{
			{Name: "impact_summary", Type: "object"},
		},
		DeclarativePrompts: []string{"What is the current lead time for supplier {supplier_id}?"},
		AgenticTasks: []model.AgenticTask{
			{Task: "Quantify revenue impact of a {shortfall_pct} shortfall", InputFields: []string{"supplier_id", "shortfall_pct"}, Output: "impact_summary"},
		},
		Tags: []string{"supply", "shortfall"},
	}
}

func TestTemplateVersioning(t *testing.T) {
	ctx := context.Background()

	v1, err := testDB.CreateTemplate(ctx, sampleTemplate("supplier_shortfall"))
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	v2, err := testDB.CreateTemplate(ctx, sampleTemplate("supplier_shortfall"))
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.NotEqual(t, v1.ID, v2.ID)

	latest, err := testDB.GetLatestTemplateByName(ctx, "supplier_shortfall")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, latest.ID)
	assert.Equal(t, 2, latest.Version)

	// Earlier versions stay retrievable by ID.
	got, err := testDB.GetTemplate(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Len(t, got.Inputs, 3)
	assert.Equal(t, "supplier_id", got.Inputs[0].Name)
	assert.Equal(t, []string{"NA", "EU", "APAC"}, got.Inputs[2].Enum)
}

func TestListTemplatesLatestPerName(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.CreateTemplate(ctx, sampleTemplate("list_a"))
	require.NoError(t, err)
	a2, err := testDB.CreateTemplate(ctx, sampleTemplate("list_a"))
	require.NoError(t, err)
	b1, err := testDB.CreateTemplate(ctx, sampleTemplate("list_b"))
	require.NoError(t, err)

	all, err := testDB.ListTemplates(ctx, 100, 0)
	require.NoError(t, err)

	versions := map[string]int{}
	ids := map[string]uuid.UUID{}
	for _, tmpl := range all {
		versions[tmpl.Name] = tmpl.Version
		ids[tmpl.Name] = tmpl.ID
	}
	assert.Equal(t, 2, versions["list_a"])
	assert.Equal(t, a2.ID, ids["list_a"])
	assert.Equal(t, 1, versions["list_b"])
	assert.Equal(t, b1.ID, ids["list_b"])
}

func TestGetTemplateNotFound(t *testing.T) {
	_, err := testDB.GetTemplate(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInstanceLifecycle(t *testing.T) {
	ctx := context.Background()

	tmpl, err := testDB.CreateTemplate(ctx, sampleTemplate("lifecycle"))
	require.NoError(t, err)

	inst, err := testDB.CreateInstance(ctx, model.DecisionInstance{
		TemplateID:     tmpl.ID,
		ConversationID: "conv-1",
		InputValues:    map[string]any{"supplier_id": "SUP-1", "shortfall_pct": 0.3},
		CreatedBy:      "tester",
	})
	require.NoError(t, err)
	assert.Equal(t, model.InstancePending, inst.Status)
	assert.NotEqual(t, uuid.Nil, inst.ID)

	inst.Status = model.InstanceInProgress
	inst.DeclarativeResults = map[string]any{"What is the current lead time for supplier SUP-1?": "6 weeks"}
	require.NoError(t, testDB.UpdateInstanceProgress(ctx, inst))

	inst.AgenticResults = map[string]any{"impact_summary": map[string]any{"revenue_at_risk": 120000.0}}
	inst.OutputValues = map[string]any{"impact_summary": map[string]any{"revenue_at_risk": 120000.0}}
	require.NoError(t, testDB.CompleteInstance(ctx, inst, model.InstanceCompleted, nil))

	got, err := testDB.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.ExecutionTimeMs)
	assert.Equal(t, "6 weeks", got.DeclarativeResults["What is the current lead time for supplier SUP-1?"])

	// A second terminal transition is rejected; the record is frozen.
	errMsg := "late failure"
	err = testDB.CompleteInstance(ctx, inst, model.InstanceFailed, &errMsg)
	assert.ErrorIs(t, err, storage.ErrConflict)

	inst.OutputValues = map[string]any{"impact_summary": "overwrite attempt"}
	err = testDB.UpdateInstanceProgress(ctx, inst)
	assert.ErrorIs(t, err, storage.ErrConflict)

	again, err := testDB.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceCompleted, again.Status)
	assert.Equal(t, *got.CompletedAt, *again.CompletedAt)
	assert.Nil(t, again.Error)
}

func TestCompleteInstanceRejectsNonTerminal(t *testing.T) {
	ctx := context.Background()

	tmpl, err := testDB.CreateTemplate(ctx, sampleTemplate("nonterminal"))
	require.NoError(t, err)
	inst, err := testDB.CreateInstance(ctx, model.DecisionInstance{
		TemplateID:     tmpl.ID,
		ConversationID: "conv-2",
		InputValues:    map[string]any{},
		CreatedBy:      "tester",
	})
	require.NoError(t, err)

	err = testDB.CompleteInstance(ctx, inst, model.InstanceInProgress, nil)
	assert.Error(t, err)
}

func TestListInstancesByConversation(t *testing.T) {
	ctx := context.Background()

	tmpl, err := testDB.CreateTemplate(ctx, sampleTemplate("byconv"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := testDB.CreateInstance(ctx, model.DecisionInstance{
			TemplateID:     tmpl.ID,
			ConversationID: "conv-list",
			InputValues:    map[string]any{},
			CreatedBy:      "tester",
		})
		require.NoError(t, err)
	}

	instances, err := testDB.ListInstancesByConversation(ctx, "conv-list", 2)
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func TestApprovalResolvedExactlyOnce(t *testing.T) {
	ctx := context.Background()

	req, err := testDB.CreateApproval(ctx, model.ApprovalRequest{
		Playbook:      "supplier_shortfall",
		RequiredRoles: []string{"supply_planner"},
		Actions: []model.ActionDescriptor{{
			Function: model.FunctionSupply,
			Type:     model.ActionAdjustPO,
			Params:   map[string]any{"po_number": "PO-1", "reduction_pct": -0.25},
		}},
		Rationale: "shortfall exceeds guardrail",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, req.Status)

	require.NoError(t, testDB.ResolveApproval(ctx, req.ID, model.ApprovalGranted, "alice", nil))

	// Second resolution loses the pending-only guard.
	reason := "changed my mind"
	err = testDB.ResolveApproval(ctx, req.ID, model.ApprovalRejected, "bob", &reason)
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err := testDB.GetApproval(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalGranted, got.Status)
	require.NotNil(t, got.ResolvedBy)
	assert.Equal(t, "alice", *got.ResolvedBy)
	require.Len(t, got.Actions, 1)
	assert.Equal(t, model.ActionAdjustPO, got.Actions[0].Type)
}

func TestListApprovalsByStatus(t *testing.T) {
	ctx := context.Background()

	req, err := testDB.CreateApproval(ctx, model.ApprovalRequest{
		Playbook:      "sku_demand_down",
		RequiredRoles: []string{"demand_planner"},
		Actions: []model.ActionDescriptor{{
			Function: model.FunctionDemand,
			Type:     model.ActionHoldOrders,
			Params:   map[string]any{"sku": "SKU-1"},
		}},
	})
	require.NoError(t, err)

	pending := model.ApprovalPending
	list, err := testDB.ListApprovals(ctx, &pending, 100, 0)
	require.NoError(t, err)

	found := false
	for _, r := range list {
		require.Equal(t, model.ApprovalPending, r.Status)
		if r.ID == req.ID {
			found = true
		}
	}
	assert.True(t, found, "new pending request should be listed")
}
