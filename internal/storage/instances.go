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

// CreateInstance inserts a pending execution record and returns it.
func (db *DB) CreateInstance(ctx context.Context, inst model.DecisionInstance) (model.DecisionInstance, error) {
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	if inst.Status == "" {
		inst.Status = model.InstancePending
	}
	if inst.StartedAt.IsZero() {
		inst.StartedAt = time.Now().UTC()
	}
	if inst.InputValues == nil {
		inst.InputValues = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO decision_instances
		 (id, template_id, conversation_id, input_values, output_values,
		  declarative_results, agentic_results, status, started_at, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inst.ID, inst.TemplateID, inst.ConversationID, inst.InputValues, inst.OutputValues,
		inst.DeclarativeResults, inst.AgenticResults, inst.Status, inst.StartedAt, inst.CreatedBy,
	)
	if err != nil {
		return model.DecisionInstance{}, fmt.Errorf("storage: create instance: %w", err)
	}
	return inst, nil
}

// GetInstance retrieves an instance by ID.
func (db *DB) GetInstance(ctx context.Context, id uuid.UUID) (model.DecisionInstance, error) {
	var inst model.DecisionInstance
	err := db.pool.QueryRow(ctx,
		`SELECT id, template_id, conversation_id, input_values, output_values,
		 declarative_results, agentic_results, status, started_at, completed_at,
		 execution_time_ms, error, created_by
		 FROM decision_instances WHERE id = $1`, id,
	).Scan(
		&inst.ID, &inst.TemplateID, &inst.ConversationID, &inst.InputValues, &inst.OutputValues,
		&inst.DeclarativeResults, &inst.AgenticResults, &inst.Status, &inst.StartedAt, &inst.CompletedAt,
		&inst.ExecutionTimeMs, &inst.Error, &inst.CreatedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DecisionInstance{}, ErrNotFound
		}
		return model.DecisionInstance{}, fmt.Errorf("storage: get instance: %w", err)
	}
	return inst, nil
}

// UpdateInstanceProgress persists an incremental mid-execution update. The
// status guard freezes terminal instances: an update arriving after
// completed/failed is a conflict, not a write.
func (db *DB) UpdateInstanceProgress(ctx context.Context, inst model.DecisionInstance) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE decision_instances
		 SET status = $2, output_values = $3, declarative_results = $4, agentic_results = $5
		 WHERE id = $1 AND status IN ('pending', 'in_progress')`,
		inst.ID, model.InstanceInProgress, inst.OutputValues, inst.DeclarativeResults, inst.AgenticResults,
	)
	if err != nil {
		return fmt.Errorf("storage: update instance progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// CompleteInstance transitions an instance into a terminal state exactly
// once, setting completed_at and execution_time_ms on that first
// transition. Later calls hit the guard and return ErrConflict.
func (db *DB) CompleteInstance(ctx context.Context, inst model.DecisionInstance, status model.InstanceStatus, execErr *string) error {
	if !status.Terminal() {
		return fmt.Errorf("storage: complete instance: non-terminal status %q", status)
	}
	now := time.Now().UTC()
	elapsed := now.Sub(inst.StartedAt).Milliseconds()

	tag, err := db.pool.Exec(ctx,
		`UPDATE decision_instances
		 SET status = $2, output_values = $3, declarative_results = $4, agentic_results = $5,
		     completed_at = $6, execution_time_ms = $7, error = $8
		 WHERE id = $1 AND status IN ('pending', 'in_progress')`,
		inst.ID, status, inst.OutputValues, inst.DeclarativeResults, inst.AgenticResults,
		now, elapsed, execErr,
	)
	if err != nil {
		return fmt.Errorf("storage: complete instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	// Best-effort completion signal for live consumers.
	payload, _ := json.Marshal(map[string]any{"instance_id": inst.ID, "status": status})
	if err := db.Notify(ctx, ChannelInstances, string(payload)); err != nil {
		db.logger.Warn("storage: instance notify failed", "instance_id", inst.ID, "error", err)
	}
	return nil
}

// ListInstancesByConversation returns a conversation's instances, newest
// first.
func (db *DB) ListInstancesByConversation(ctx context.Context, conversationID string, limit int) ([]model.DecisionInstance, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, template_id, conversation_id, input_values, output_values,
		 declarative_results, agentic_results, status, started_at, completed_at,
		 execution_time_ms, error, created_by
		 FROM decision_instances
		 WHERE conversation_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list instances: %w", err)
	}
	defer rows.Close()

	var out []model.DecisionInstance
	for rows.Next() {
		var inst model.DecisionInstance
		if err := rows.Scan(
			&inst.ID, &inst.TemplateID, &inst.ConversationID, &inst.InputValues, &inst.OutputValues,
			&inst.DeclarativeResults, &inst.AgenticResults, &inst.Status, &inst.StartedAt, &inst.CompletedAt,
			&inst.ExecutionTimeMs, &inst.Error, &inst.CreatedBy,
		); err != nil {
			return nil, fmt.Errorf("storage: scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
