package session

import (
	"context"
	"sync"
	"time"

	"github.com/ashita-ai/kaji/internal/model"
)

const staleThreshold = 30 * time.Minute

// MemoryStore implements Store with an in-process map keyed by conversation
// ID. A background goroutine evicts sessions not touched in the last 30
// minutes to bound memory on abandoned conversations.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*model.TemplateSession

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryStore creates an in-memory session store. Call Close to stop the
// eviction goroutine.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*model.TemplateSession),
		done:     make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Get implements Store. The returned session is a copy; mutations do not
// touch the store until Put or Transition.
func (s *MemoryStore) Get(_ context.Context, conversationID string) (*model.TemplateSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[conversationID]
	if !ok {
		return nil, nil
	}
	cp := sess.Clone()
	return &cp, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, sess *model.TemplateSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := sess.Clone()
	cp.UpdatedAt = time.Now().UTC()
	s.sessions[sess.ConversationID] = &cp
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, conversationID)
	return nil
}

// Transition implements Store. The check and the write happen under one
// lock acquisition, which is what makes the swap atomic for this backend.
func (s *MemoryStore) Transition(_ context.Context, sess *model.TemplateSession, expect model.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[sess.ConversationID]
	if !ok || current.Status != expect {
		return ErrConflict
	}
	cp := sess.Clone()
	cp.UpdatedAt = time.Now().UTC()
	s.sessions[sess.ConversationID] = &cp
	return nil
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictStale()
		}
	}
}

func (s *MemoryStore) evictStale() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}
