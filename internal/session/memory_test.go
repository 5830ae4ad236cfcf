package session

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaji/internal/model"
)

func newSession(conversationID string, status model.SessionStatus) *model.TemplateSession {
	return &model.TemplateSession{
		ConversationID:  conversationID,
		TemplateID:      uuid.New(),
		TemplateName:    "inventory_rebalance",
		ExtractedParams: map[string]any{},
		Status:          status,
	}
}

func TestMemoryStore_PutGetDelete(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	got, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	sess := newSession("conv-1", model.SessionCollectingParams)
	require.NoError(t, store.Put(ctx, sess))

	got, err = store.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.SessionCollectingParams, got.Status)
	assert.False(t, got.UpdatedAt.IsZero())

	require.NoError(t, store.Delete(ctx, "conv-1"))
	got, err = store.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting again is fine.
	require.NoError(t, store.Delete(ctx, "conv-1"))
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	sess := newSession("conv-1", model.SessionCollectingParams)
	sess.ExtractedParams["sku"] = "SKU-1"
	sess.MissingParams = []model.MissingParam{{Name: "period"}}
	require.NoError(t, store.Put(ctx, sess))

	got, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	got.Status = model.SessionFailed
	got.ExtractedParams["period"] = 7
	got.MissingParams[0].Name = "warehouse"

	again, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionCollectingParams, again.Status)
	assert.NotContains(t, again.ExtractedParams, "period")
	assert.Equal(t, "period", again.MissingParams[0].Name)
}

func TestMemoryStore_PutDetachesCallerState(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	sess := newSession("conv-1", model.SessionCollectingParams)
	sess.ExtractedParams["sku"] = "SKU-1"
	require.NoError(t, store.Put(ctx, sess))

	// Mutating the caller's record after Put must not reach the store.
	sess.ExtractedParams["reduction_pct"] = 0.3

	got, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.NotContains(t, got.ExtractedParams, "reduction_pct")
}

func TestMemoryStore_Transition(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	sess := newSession("conv-1", model.SessionCollectingParams)
	require.NoError(t, store.Put(ctx, sess))

	next := *sess
	next.Status = model.SessionProcessing
	require.NoError(t, store.Transition(ctx, &next, model.SessionCollectingParams))

	got, err := store.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionProcessing, got.Status)

	// A second transition expecting the old status loses the race.
	stale := *sess
	stale.Status = model.SessionFailed
	err = store.Transition(ctx, &stale, model.SessionCollectingParams)
	assert.ErrorIs(t, err, ErrConflict)

	got, err = store.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionProcessing, got.Status)
}

func TestMemoryStore_TransitionMissingSession(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()

	sess := newSession("ghost", model.SessionProcessing)
	err := store.Transition(context.Background(), sess, model.SessionCollectingParams)
	assert.ErrorIs(t, err, ErrConflict)
}
