package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaji/internal/event"
	"github.com/ashita-ai/kaji/internal/gate"
	"github.com/ashita-ai/kaji/internal/model"
	"github.com/ashita-ai/kaji/internal/playbook"
	"github.com/ashita-ai/kaji/internal/policy"
	"github.com/ashita-ai/kaji/internal/ratelimit"
	"github.com/ashita-ai/kaji/internal/router"
	"github.com/ashita-ai/kaji/internal/server"
	"github.com/ashita-ai/kaji/internal/session"
	"github.com/ashita-ai/kaji/internal/storage"
)

type memApprovals struct {
	mu       sync.Mutex
	requests map[uuid.UUID]model.ApprovalRequest
	notified []string
}

func newMemApprovals() *memApprovals {
	return &memApprovals{requests: make(map[uuid.UUID]model.ApprovalRequest)}
}

func (m *memApprovals) CreateApproval(_ context.Context, req model.ApprovalRequest) (model.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = req
	return req, nil
}

func (m *memApprovals) GetApproval(_ context.Context, id uuid.UUID) (model.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return model.ApprovalRequest{}, storage.ErrNotFound
	}
	return req, nil
}

func (m *memApprovals) ResolveApproval(_ context.Context, id uuid.UUID, status model.ApprovalStatus, by string, reason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return storage.ErrNotFound
	}
	if req.Status != model.ApprovalPending {
		return storage.ErrConflict
	}
	req.Status = status
	req.ResolvedBy = &by
	req.Reason = reason
	m.requests[id] = req
	return nil
}

func (m *memApprovals) ListApprovals(_ context.Context, status *model.ApprovalStatus, limit, offset int) ([]model.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ApprovalRequest
	for _, req := range m.requests {
		if status == nil || req.Status == *status {
			out = append(out, req)
		}
	}
	return out, nil
}

func (m *memApprovals) Notify(_ context.Context, channel, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified = append(m.notified, payload)
	return nil
}

// noMatcher matches nothing, so every message routes to no_match.
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

func newTestServer(t *testing.T) (*httptest.Server, *memApprovals) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := t.TempDir()
	gated := `playbook: supplier_shortfall
guards:
  approvals:
    required_roles: [supply_planner]
parameters:
  max_adjust_po_reduction_pct: 0.25
`
	open := `playbook: expedite_restock
guards:
  approvals:
    required_roles: []
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "supplier_shortfall.yaml"), []byte(gated), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "expedite_restock.yaml"), []byte(open), 0o644))

	lib := playbook.NewLibrary(dir, logger)
	approvals := newMemApprovals()
	g := gate.New(approvals, policy.NewEngine(lib, logger), logger)

	sessions := session.NewMemoryStore()
	t.Cleanup(func() { _ = sessions.Close() })
	rt := router.New(noMatcher{}, noExtractor{}, sessions, noRunner{}, logger)

	srv := server.New(server.ServerConfig{
		Router:    rt,
		Gate:      g,
		Playbooks: lib,
		Sessions:  sessions,
		Status: func(r *http.Request, id uuid.UUID) (model.InstanceStatusView, error) {
			return model.InstanceStatusView{}, storage.ErrNotFound
		},
		Logger:              logger,
		Limiter:             ratelimit.NewMemoryLimiter(0, 2),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, approvals
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data map[string]any     `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.NotEmpty(t, envelope.Meta.RequestID)
	return envelope.Data
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeData(t, resp)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "test", data["version"])
}

func TestMessageNoMatch(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/conversations/conv-nm/messages", map[string]string{
		"message": "do something no template covers",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeData(t, resp)
	assert.Equal(t, string(model.ReplyNoMatch), data["type"])
}

func TestCancelSession(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/conversations/conv-cx/session", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestMessageRateLimited(t *testing.T) {
	ts, _ := newTestServer(t)

	url := ts.URL + "/v1/conversations/conv-rl/messages"
	body := map[string]string{"message": "hello"}
	for i := 0; i < 2; i++ {
		resp := postJSON(t, url, body)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := postJSON(t, url, body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestEventRejectsSchemaViolation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/events", map[string]any{
		"event_type": "RecommendedActions",
		"version":    1,
		// playbook and actions missing
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestEventAutoCommit(t *testing.T) {
	ts, approvals := newTestServer(t)

	rec := event.RecommendedActions{
		Header:   event.NewHeader(event.TypeRecommendedActions),
		Playbook: "expedite_restock",
		Actions: []event.Action{{
			Function: "inventory",
			Type:     "expedite_shipment",
			Params:   map[string]any{"sku": "SKU-1"},
		}},
	}
	resp := postJSON(t, ts.URL+"/v1/events", rec)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeData(t, resp)
	assert.Equal(t, true, data["committed"])

	approvals.mu.Lock()
	defer approvals.mu.Unlock()
	assert.Empty(t, approvals.requests)
	assert.Len(t, approvals.notified, 1)
}

func TestEventGatedThenGranted(t *testing.T) {
	ts, approvals := newTestServer(t)

	rec := event.RecommendedActions{
		Header:   event.NewHeader(event.TypeRecommendedActions),
		Playbook: "supplier_shortfall",
		Actions: []event.Action{{
			Function: "supply",
			Type:     "adjust_po",
			Params:   map[string]any{"po_number": "PO-9", "reduction_pct": -0.40},
		}},
	}
	resp := postJSON(t, ts.URL+"/v1/events", rec)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeData(t, resp)
	assert.Equal(t, false, data["committed"])
	approval, ok := data["approval"].(map[string]any)
	require.True(t, ok, "gated outcome carries the approval request")

	id := approval["id"].(string)
	resp = postJSON(t, ts.URL+"/v1/approvals/"+id+"/grant", map[string]string{
		"by":   "alice",
		"role": "supply_planner",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// A second grant hits the pending-only guard.
	resp = postJSON(t, ts.URL+"/v1/approvals/"+id+"/grant", map[string]string{"by": "bob"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	approvals.mu.Lock()
	defer approvals.mu.Unlock()
	req := approvals.requests[uuid.MustParse(id)]
	assert.Equal(t, model.ApprovalGranted, req.Status)
}

func TestForecastDeltaSelectsPlaybook(t *testing.T) {
	ts, _ := newTestServer(t)

	delta := event.ForecastDeltaDetected{
		Header:     event.NewHeader(event.TypeForecastDeltaDetected),
		ForecastID: "fc-1",
		Delta:      event.Delta{Level: "sku", Value: -0.12, SKU: "SKU-7"},
	}
	resp := postJSON(t, ts.URL+"/v1/events", delta)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeData(t, resp)
	assert.Equal(t, "sku_demand_down", data["playbook"])
}

func TestGetInstanceNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(fmt.Sprintf("%s/v1/instances/%s", ts.URL, uuid.New()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListPlaybooks(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/playbooks")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	var envelope struct {
		Data map[string]model.PlaybookSpec `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Len(t, envelope.Data, 2)
	assert.Contains(t, envelope.Data, "supplier_shortfall")
}
