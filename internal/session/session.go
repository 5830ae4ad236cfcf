// Package session stores per-conversation template sessions. The store
// contract allows any keyed backend; transitions use compare-and-swap so a
// poll observing "still processing" cannot clobber a concurrent
// "parameters collected" write.
package session

import (
	"context"
	"errors"

	"github.com/ashita-ai/kaji/internal/model"
)

// ErrConflict is returned by Transition when the stored session's status no
// longer matches the expected value.
var ErrConflict = errors.New("session: status conflict")

// Store keeps at most one active session per conversation.
type Store interface {
	// Get returns the session for a conversation, or nil when none exists.
	Get(ctx context.Context, conversationID string) (*model.TemplateSession, error)

	// Put stores or replaces the session for its conversation.
	Put(ctx context.Context, sess *model.TemplateSession) error

	// Delete removes a conversation's session. Deleting a missing session
	// is not an error.
	Delete(ctx context.Context, conversationID string) error

	// Transition replaces the session only if the stored status equals
	// expect; otherwise it returns ErrConflict and leaves the store
	// untouched.
	Transition(ctx context.Context, sess *model.TemplateSession, expect model.SessionStatus) error
}
