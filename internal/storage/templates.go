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

// CreateTemplate inserts a new template version and returns it. Templates
// are immutable once published: re-registering a name inserts the next
// version rather than updating in place.
func (db *DB) CreateTemplate(ctx context.Context, t model.DecisionTemplate) (model.DecisionTemplate, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	var latest int
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM decision_templates WHERE name = $1`, t.Name,
	).Scan(&latest)
	if err != nil {
		return model.DecisionTemplate{}, fmt.Errorf("storage: latest template version: %w", err)
	}
	t.Version = latest + 1

	inputs, outputs, prompts, tasks, err := encodeTemplateDocs(t)
	if err != nil {
		return model.DecisionTemplate{}, err
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO decision_templates
		 (id, name, version, description, inputs, outputs, declarative_prompts, agentic_tasks,
		  tags, is_public, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.Name, t.Version, t.Description, inputs, outputs, prompts, tasks,
		t.Tags, t.IsPublic, t.Embedding, t.CreatedAt,
	)
	if err != nil {
		return model.DecisionTemplate{}, fmt.Errorf("storage: create template: %w", err)
	}
	return t, nil
}

// GetTemplate retrieves a template version by ID.
func (db *DB) GetTemplate(ctx context.Context, id uuid.UUID) (model.DecisionTemplate, error) {
	row := db.pool.QueryRow(ctx, templateSelect+` WHERE id = $1`, id)
	t, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DecisionTemplate{}, ErrNotFound
		}
		return model.DecisionTemplate{}, fmt.Errorf("storage: get template: %w", err)
	}
	return t, nil
}

// GetLatestTemplateByName retrieves the highest version of a named template.
func (db *DB) GetLatestTemplateByName(ctx context.Context, name string) (model.DecisionTemplate, error) {
	row := db.pool.QueryRow(ctx,
		templateSelect+` WHERE name = $1 ORDER BY version DESC LIMIT 1`, name)
	t, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DecisionTemplate{}, ErrNotFound
		}
		return model.DecisionTemplate{}, fmt.Errorf("storage: get template by name: %w", err)
	}
	return t, nil
}

// ListTemplates returns the latest version of every template, newest first.
func (db *DB) ListTemplates(ctx context.Context, limit, offset int) ([]model.DecisionTemplate, error) {
	rows, err := db.pool.Query(ctx,
		templateSelect+`
		 WHERE (name, version) IN (
			SELECT name, MAX(version) FROM decision_templates GROUP BY name
		 )
		 ORDER BY created_at DESC
		 LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list templates: %w", err)
	}
	defer rows.Close()

	var out []model.DecisionTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const templateSelect = `SELECT id, name, version, description, inputs, outputs,
 declarative_prompts, agentic_tasks, tags, is_public, created_at
 FROM decision_templates`

func encodeTemplateDocs(t model.DecisionTemplate) (inputs, outputs, prompts, tasks []byte, err error) {
	if inputs, err = json.Marshal(t.Inputs); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("storage: encode template inputs: %w", err)
	}
	if outputs, err = json.Marshal(t.Outputs); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("storage: encode template outputs: %w", err)
	}
	if prompts, err = json.Marshal(t.DeclarativePrompts); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("storage: encode template prompts: %w", err)
	}
	if tasks, err = json.Marshal(t.AgenticTasks); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("storage: encode template tasks: %w", err)
	}
	return inputs, outputs, prompts, tasks, nil
}

func scanTemplate(row pgx.Row) (model.DecisionTemplate, error) {
	var t model.DecisionTemplate
	var inputs, outputs, prompts, tasks []byte
	err := row.Scan(&t.ID, &t.Name, &t.Version, &t.Description, &inputs, &outputs,
		&prompts, &tasks, &t.Tags, &t.IsPublic, &t.CreatedAt)
	if err != nil {
		return model.DecisionTemplate{}, err
	}
	if err := json.Unmarshal(inputs, &t.Inputs); err != nil {
		return model.DecisionTemplate{}, fmt.Errorf("decode template inputs: %w", err)
	}
	if err := json.Unmarshal(outputs, &t.Outputs); err != nil {
		return model.DecisionTemplate{}, fmt.Errorf("decode template outputs: %w", err)
	}
	if err := json.Unmarshal(prompts, &t.DeclarativePrompts); err != nil {
		return model.DecisionTemplate{}, fmt.Errorf("decode template prompts: %w", err)
	}
	if err := json.Unmarshal(tasks, &t.AgenticTasks); err != nil {
		return model.DecisionTemplate{}, fmt.Errorf("decode template tasks: %w", err)
	}
	return t, nil
}
