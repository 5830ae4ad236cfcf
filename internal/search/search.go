// Package search provides the vector index used for decision-template
// matching. The index holds one point per published template version;
// Postgres remains the source of truth and callers hydrate full templates
// from it.
package search

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Result holds a template ID and its raw cosine similarity score.
type Result struct {
	TemplateID uuid.UUID
	Score      float32
}

// Point is the data needed to index a single template version.
type Point struct {
	ID        uuid.UUID
	Name      string
	Version   int
	IsPublic  bool
	Tags      []string
	CreatedAt time.Time
	Embedding []float32
}

// Searcher is the interface for template vector indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns template IDs nearest the query embedding, best first.
	Search(ctx context.Context, embedding []float32, limit int) ([]Result, error)

	// Upsert inserts or replaces template points.
	Upsert(ctx context.Context, points []Point) error

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}
