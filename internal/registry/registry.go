// Package registry stores decision templates and matches free-text queries
// against them. Postgres holds the template documents; the vector index
// holds one point per published version for similarity search.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaji/internal/model"
	"github.com/ashita-ai/kaji/internal/search"
	"github.com/ashita-ai/kaji/internal/service/embedding"
)

// MatchThreshold is the minimum cosine similarity for a query to count as
// matching a template.
const MatchThreshold = 0.75

// TemplateStore is the persistence surface the registry needs.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, t model.DecisionTemplate) (model.DecisionTemplate, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (model.DecisionTemplate, error)
	GetLatestTemplateByName(ctx context.Context, name string) (model.DecisionTemplate, error)
	ListTemplates(ctx context.Context, limit, offset int) ([]model.DecisionTemplate, error)
}

// Registry matches queries to templates and registers new versions.
type Registry struct {
	store    TemplateStore
	index    search.Searcher
	embedder embedding.Provider
	logger   *slog.Logger
}

// New creates a template registry. index may be nil when similarity search
// is disabled; Match then never matches.
func New(store TemplateStore, index search.Searcher, embedder embedding.Provider, logger *slog.Logger) *Registry {
	return &Registry{store: store, index: index, embedder: embedder, logger: logger}
}

// Match embeds the query and returns the best template at or above
// MatchThreshold, or nil when no template applies. Embedding or search
// failures also yield nil: callers treat "no template" and "matching
// unavailable" the same way, falling through to generic handling.
func (r *Registry) Match(ctx context.Context, query string) (*model.TemplateMatch, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("registry: embed query failed", "error", err)
		return nil, nil
	}
	if embedding.IsZeroVector(vec) {
		return nil, nil
	}
	if r.index == nil {
		return nil, nil
	}

	results, err := r.index.Search(ctx, vec.Slice(), 1)
	if err != nil {
		r.logger.Warn("registry: index search failed", "error", err)
		return nil, nil
	}
	if len(results) == 0 || results[0].Score < MatchThreshold {
		return nil, nil
	}

	tmpl, err := r.store.GetTemplate(ctx, results[0].TemplateID)
	if err != nil {
		r.logger.Warn("registry: hydrate matched template failed",
			"template_id", results[0].TemplateID, "error", err)
		return nil, nil
	}

	return &model.TemplateMatch{
		TemplateID:  tmpl.ID,
		Name:        tmpl.Name,
		Description: tmpl.Description,
		Confidence:  results[0].Score,
	}, nil
}

// Get returns a template version by ID.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (model.DecisionTemplate, error) {
	return r.store.GetTemplate(ctx, id)
}

// List returns the latest version of each template.
func (r *Registry) List(ctx context.Context, limit, offset int) ([]model.DecisionTemplate, error) {
	return r.store.ListTemplates(ctx, limit, offset)
}

// Register persists a new template version and indexes it for matching.
// The embedded text combines name, description, and tags so queries match
// on intent rather than exact phrasing.
func (r *Registry) Register(ctx context.Context, t model.DecisionTemplate) (model.DecisionTemplate, error) {
	text := t.Name + ": " + t.Description
	for _, tag := range t.Tags {
		text += " " + tag
	}
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return model.DecisionTemplate{}, fmt.Errorf("registry: embed template: %w", err)
	}
	if !embedding.IsZeroVector(vec) {
		t.Embedding = &vec
	}

	created, err := r.store.CreateTemplate(ctx, t)
	if err != nil {
		return model.DecisionTemplate{}, err
	}

	if t.Embedding != nil && r.index != nil {
		err = r.index.Upsert(ctx, []search.Point{{
			ID:        created.ID,
			Name:      created.Name,
			Version:   created.Version,
			IsPublic:  created.IsPublic,
			Tags:      created.Tags,
			CreatedAt: created.CreatedAt,
			Embedding: vec.Slice(),
		}})
		if err != nil {
			// The row exists either way; matching picks the version up on
			// the next successful reindex.
			r.logger.Warn("registry: index template failed",
				"template_id", created.ID, "error", err)
		}
	}

	r.logger.Info("registry: template registered",
		"name", created.Name, "version", created.Version, "template_id", created.ID)
	return created, nil
}
