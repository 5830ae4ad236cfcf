package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kaji/internal/model"
)

// CreateApproval inserts a pending approval request and returns it.
func (db *DB) CreateApproval(ctx context.Context, req model.ApprovalRequest) (model.ApprovalRequest, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Status == "" {
		req.Status = model.ApprovalPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	actions, err := json.Marshal(req.Actions)
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("storage: encode approval actions: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO approval_requests
		 (id, instance_id, playbook, required_roles, actions, rationale, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		req.ID, req.InstanceID, req.Playbook, req.RequiredRoles, actions,
		req.Rationale, req.Status, req.CreatedAt,
	)
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("storage: create approval: %w", err)
	}
	return req, nil
}

// GetApproval retrieves an approval request by ID.
func (db *DB) GetApproval(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error) {
	row := db.pool.QueryRow(ctx, approvalSelect+` WHERE id = $1`, id)
	req, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ApprovalRequest{}, ErrNotFound
		}
		return model.ApprovalRequest{}, fmt.Errorf("storage: get approval: %w", err)
	}
	return req, nil
}

// ResolveApproval transitions a pending request to granted or rejected.
// The pending-only guard makes resolution exactly-once: a second resolve,
// or one racing a concurrent decision, returns ErrConflict.
func (db *DB) ResolveApproval(ctx context.Context, id uuid.UUID, status model.ApprovalStatus, by string, reason *string) error {
	if status != model.ApprovalGranted && status != model.ApprovalRejected {
		return fmt.Errorf("storage: resolve approval: invalid status %q", status)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE approval_requests
		 SET status = $2, resolved_by = $3, resolved_at = $4, reason = $5
		 WHERE id = $1 AND status = 'pending'`,
		id, status, by, time.Now().UTC(), reason,
	)
	if err != nil {
		return fmt.Errorf("storage: resolve approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ListApprovals returns approval requests, optionally filtered by status,
// newest first.
func (db *DB) ListApprovals(ctx context.Context, status *model.ApprovalStatus, limit, offset int) ([]model.ApprovalRequest, error) {
	query := approvalSelect
	args := []any{limit, offset}
	if status != nil {
		query += ` WHERE status = $3`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list approvals: %w", err)
	}
	defer rows.Close()

	var out []model.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan approval: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

const approvalSelect = `SELECT id, instance_id, playbook, required_roles, actions,
 rationale, status, resolved_by, resolved_at, reason, created_at
 FROM approval_requests`

func scanApproval(row pgx.Row) (model.ApprovalRequest, error) {
	var req model.ApprovalRequest
	var actions []byte
	err := row.Scan(&req.ID, &req.InstanceID, &req.Playbook, &req.RequiredRoles, &actions,
		&req.Rationale, &req.Status, &req.ResolvedBy, &req.ResolvedAt, &req.Reason, &req.CreatedAt)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	if err := json.Unmarshal(actions, &req.Actions); err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("decode approval actions: %w", err)
	}
	return req, nil
}
