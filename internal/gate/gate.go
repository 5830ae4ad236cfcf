// Package gate sits between pipelines that produce recommended actions and
// anything that commits them. Every action set passes through policy
// evaluation; auto-approved sets commit immediately, gated sets are held as
// approval requests until a human resolves them.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaji/internal/event"
	"github.com/ashita-ai/kaji/internal/model"
	"github.com/ashita-ai/kaji/internal/storage"
)

// ApprovalStore is the persistence surface the gate needs.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, req model.ApprovalRequest) (model.ApprovalRequest, error)
	GetApproval(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error)
	ResolveApproval(ctx context.Context, id uuid.UUID, status model.ApprovalStatus, by string, reason *string) error
	ListApprovals(ctx context.Context, status *model.ApprovalStatus, limit, offset int) ([]model.ApprovalRequest, error)
	Notify(ctx context.Context, channel, payload string) error
}

// Policy evaluates recommended actions against their playbook.
type Policy interface {
	Evaluate(rec event.RecommendedActions) (model.PolicyDecision, error)
}

// Gate gates recommended actions through policy and approvals.
type Gate struct {
	store  ApprovalStore
	policy Policy
	logger *slog.Logger
}

// New creates a gate.
func New(store ApprovalStore, policy Policy, logger *slog.Logger) *Gate {
	return &Gate{store: store, policy: policy, logger: logger}
}

// Outcome describes what happened to one processed action set.
type Outcome struct {
	Committed bool                   `json:"committed"`
	Approval  *model.ApprovalRequest `json:"approval,omitempty"`
	Decision  model.PolicyDecision   `json:"decision"`
}

// Process evaluates a validated RecommendedActions event. Approved sets
// emit ActionCommitted immediately; gated sets persist a pending approval
// request and emit ApprovalRequested. Unknown playbooks fail closed
// upstream, so their decisions arrive here unapproved with no roles and
// are held like any other gated set.
func (g *Gate) Process(ctx context.Context, rec event.RecommendedActions) (Outcome, error) {
	decision, err := g.policy.Evaluate(rec)
	if err != nil {
		return Outcome{}, fmt.Errorf("gate: evaluate: %w", err)
	}

	if decision.Approved {
		if err := g.commit(ctx, uuid.Nil, rec.InstanceID, rec.Playbook, decision.BoundedActions, ""); err != nil {
			return Outcome{}, err
		}
		return Outcome{Committed: true, Decision: decision}, nil
	}

	var instanceID *uuid.UUID
	if rec.InstanceID != uuid.Nil {
		id := rec.InstanceID
		instanceID = &id
	}
	req, err := g.store.CreateApproval(ctx, model.ApprovalRequest{
		InstanceID:    instanceID,
		Playbook:      rec.Playbook,
		RequiredRoles: decision.RequiredRoles,
		Actions:       decision.BoundedActions,
		Rationale:     rec.Rationale,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("gate: persist approval: %w", err)
	}

	requested := event.ApprovalRequested{
		Header:        event.NewHeader(event.TypeApprovalRequested),
		RequestID:     req.ID,
		Playbook:      req.Playbook,
		RequiredRoles: req.RequiredRoles,
		Actions:       toEventActions(req.Actions),
		Rationale:     req.Rationale,
	}
	g.notify(ctx, storage.ChannelApprovals, requested)

	g.logger.Info("gate: actions held for approval",
		"request_id", req.ID, "playbook", req.Playbook, "roles", req.RequiredRoles)
	return Outcome{Committed: false, Approval: &req, Decision: decision}, nil
}

// Grant resolves a pending request affirmatively, emitting ApprovalGranted
// followed by ActionCommitted. Resolution is exactly-once: a request that
// is no longer pending returns storage.ErrConflict unchanged.
func (g *Gate) Grant(ctx context.Context, id uuid.UUID, by, role string) (model.ApprovalRequest, error) {
	if err := g.store.ResolveApproval(ctx, id, model.ApprovalGranted, by, nil); err != nil {
		return model.ApprovalRequest{}, err
	}
	req, err := g.store.GetApproval(ctx, id)
	if err != nil {
		return model.ApprovalRequest{}, err
	}

	granted := event.ApprovalGranted{
		Header:     event.NewHeader(event.TypeApprovalGranted),
		RequestID:  id,
		ApprovedBy: by,
		Role:       role,
	}
	g.notify(ctx, storage.ChannelApprovals, granted)

	var instanceID uuid.UUID
	if req.InstanceID != nil {
		instanceID = *req.InstanceID
	}
	if err := g.commit(ctx, id, instanceID, req.Playbook, req.Actions, by); err != nil {
		return model.ApprovalRequest{}, err
	}

	g.logger.Info("gate: approval granted", "request_id", id, "by", by)
	return req, nil
}

// Reject resolves a pending request negatively. No actions commit.
func (g *Gate) Reject(ctx context.Context, id uuid.UUID, by, reason string) (model.ApprovalRequest, error) {
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	if err := g.store.ResolveApproval(ctx, id, model.ApprovalRejected, by, reasonPtr); err != nil {
		return model.ApprovalRequest{}, err
	}
	req, err := g.store.GetApproval(ctx, id)
	if err != nil {
		return model.ApprovalRequest{}, err
	}

	rejected := event.ApprovalRejected{
		Header:     event.NewHeader(event.TypeApprovalRejected),
		RequestID:  id,
		RejectedBy: by,
		Reason:     reason,
	}
	g.notify(ctx, storage.ChannelApprovals, rejected)

	g.logger.Info("gate: approval rejected", "request_id", id, "by", by)
	return req, nil
}

// List returns approval requests, optionally filtered by status.
func (g *Gate) List(ctx context.Context, status *model.ApprovalStatus, limit, offset int) ([]model.ApprovalRequest, error) {
	return g.store.ListApprovals(ctx, status, limit, offset)
}

// Get returns one approval request.
func (g *Gate) Get(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error) {
	return g.store.GetApproval(ctx, id)
}

func (g *Gate) commit(ctx context.Context, requestID, instanceID uuid.UUID, playbook string, actions []model.ActionDescriptor, approvedBy string) error {
	committed := event.ActionCommitted{
		Header:     event.NewHeader(event.TypeActionCommitted),
		RequestID:  requestID,
		InstanceID: instanceID,
		Playbook:   playbook,
		Actions:    toEventActions(actions),
		ApprovedBy: approvedBy,
	}
	g.notify(ctx, storage.ChannelApprovals, committed)
	g.logger.Info("gate: actions committed",
		"playbook", playbook, "count", len(actions), "approved_by", approvedBy)
	return nil
}

// notify publishes an event on a NOTIFY channel. Delivery is best-effort:
// consumers reconcile from storage, so a lost notification delays them
// rather than losing data.
func (g *Gate) notify(ctx context.Context, channel string, ev any) {
	payload, err := json.Marshal(ev)
	if err != nil {
		g.logger.Error("gate: encode event", "error", err)
		return
	}
	if err := g.store.Notify(ctx, channel, string(payload)); err != nil {
		g.logger.Warn("gate: notify", "channel", channel, "error", err)
	}
}

func toEventActions(actions []model.ActionDescriptor) []event.Action {
	out := make([]event.Action, len(actions))
	for i, a := range actions {
		out[i] = event.Action{
			Function: string(a.Function),
			Type:     string(a.Type),
			Params:   a.Params,
		}
	}
	return out
}
