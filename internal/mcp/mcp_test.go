package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaji/internal/event"
	"github.com/ashita-ai/kaji/internal/gate"
	"github.com/ashita-ai/kaji/internal/model"
	"github.com/ashita-ai/kaji/internal/playbook"
	"github.com/ashita-ai/kaji/internal/policy"
	"github.com/ashita-ai/kaji/internal/router"
	"github.com/ashita-ai/kaji/internal/session"
	"github.com/ashita-ai/kaji/internal/storage"
)

type noMatcher struct{}

func (noMatcher) Match(context.Context, string) (*model.TemplateMatch, error) { return nil, nil }
func (noMatcher) Get(context.Context, uuid.UUID) (model.DecisionTemplate, error) {
	return model.DecisionTemplate{}, storage.ErrNotFound
}

type noExtractor struct{}

func (noExtractor) Extract(context.Context, *model.DecisionTemplate, string) (map[string]any, error) {
	return nil, nil
}

func (noExtractor) ExtractSingle(context.Context, model.TemplateInput, string) (any, bool, error) {
	return nil, false, nil
}

type noRunner struct{}

func (noRunner) Start(context.Context, model.DecisionTemplate, map[string]any, string, string) (model.DecisionInstance, error) {
	return model.DecisionInstance{}, nil
}

func (noRunner) Status(context.Context, uuid.UUID) (model.InstanceStatusView, error) {
	return model.InstanceStatusView{}, storage.ErrNotFound
}

type stubApprovals struct {
	mu      sync.Mutex
	pending []model.ApprovalRequest
}

func (s *stubApprovals) CreateApproval(_ context.Context, req model.ApprovalRequest) (model.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, req)
	return req, nil
}

func (s *stubApprovals) GetApproval(context.Context, uuid.UUID) (model.ApprovalRequest, error) {
	return model.ApprovalRequest{}, storage.ErrNotFound
}

func (s *stubApprovals) ResolveApproval(context.Context, uuid.UUID, model.ApprovalStatus, string, *string) error {
	return storage.ErrNotFound
}

func (s *stubApprovals) ListApprovals(_ context.Context, status *model.ApprovalStatus, limit, offset int) ([]model.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ApprovalRequest(nil), s.pending...), nil
}

func (s *stubApprovals) Notify(context.Context, string, string) error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := t.TempDir()
	spec := `playbook: sku_demand_down
guards:
  approvals:
    required_roles: [demand_planner]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sku_demand_down.yaml"), []byte(spec), 0o644))
	lib := playbook.NewLibrary(dir, logger)

	sessions := session.NewMemoryStore()
	t.Cleanup(func() { _ = sessions.Close() })
	rt := router.New(noMatcher{}, noExtractor{}, sessions, noRunner{}, logger)

	g := gate.New(&stubApprovals{}, policy.NewEngine(lib, logger), logger)

	status := func(ctx context.Context, id uuid.UUID) (model.InstanceStatusView, error) {
		return model.InstanceStatusView{}, storage.ErrNotFound
	}

	return New(rt, nil, g, lib, status, logger)
}

func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// toolText extracts the first TextContent text from a CallToolResult.
func toolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func TestRouteRequiresArguments(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleRoute(context.Background(), callRequest("kaji_route", map[string]any{
		"message": "reduce the PO",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRouteNoMatch(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleRoute(context.Background(), callRequest("kaji_route", map[string]any{
		"conversation_id": "conv-1",
		"message":         "something no template covers",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var reply model.RouteReply
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &reply))
	assert.Equal(t, model.ReplyNoMatch, reply.Type)
}

func TestInstanceStatusRejectsBadID(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleInstanceStatus(context.Background(), callRequest("kaji_instance_status", map[string]any{
		"instance_id": "not-a-uuid",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestEvaluateActionsRejectsInvalidPayload(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleEvaluateActions(context.Background(), callRequest("kaji_evaluate_actions", map[string]any{
		"payload": `{"event_type":"RecommendedActions","version":1,"playbook":"sku_demand_down","actions":[]}`,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestEvaluateActionsGatesRoleGuardedPlaybook(t *testing.T) {
	s := newTestServer(t)

	rec := event.RecommendedActions{
		Header:   event.NewHeader(event.TypeRecommendedActions),
		Playbook: "sku_demand_down",
		Actions: []event.Action{{
			Function: "demand",
			Type:     "reset_quota",
			Params:   map[string]any{"region": "NA", "adjustment_pct": -0.10},
		}},
	}
	payload, err := json.Marshal(rec)
	require.NoError(t, err)

	result, err := s.handleEvaluateActions(context.Background(), callRequest("kaji_evaluate_actions", map[string]any{
		"payload": string(payload),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var outcome gate.Outcome
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &outcome))
	assert.False(t, outcome.Committed)
	require.NotNil(t, outcome.Approval)
	assert.Equal(t, []string{"demand_planner"}, outcome.Approval.RequiredRoles)
}

func TestPlaybooksResource(t *testing.T) {
	s := newTestServer(t)

	contents, err := s.handlePlaybooks(context.Background(), mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)

	var specs map[string]model.PlaybookSpec
	require.NoError(t, json.Unmarshal([]byte(text.Text), &specs))
	assert.Contains(t, specs, "sku_demand_down")
	assert.Equal(t, []string{"demand_planner"}, specs["sku_demand_down"].Guards.Approvals.RequiredRoles)
}
