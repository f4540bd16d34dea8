package store

import (
	"context"
	"sync"
)

// MemoryStore keeps ideas in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	ideas map[string]string
	// autoCreate makes SaveContent create missing ideas.
	autoCreate bool
}

// NewMemoryStore creates a store; SaveContent creates missing ideas when
// autoCreate is set.
func NewMemoryStore(autoCreate bool) *MemoryStore {
	return &MemoryStore{ideas: make(map[string]string), autoCreate: autoCreate}
}

// Put creates or replaces an idea.
func (s *MemoryStore) Put(ideaID, content string) {
	s.mu.Lock()
	s.ideas[ideaID] = content
	s.mu.Unlock()
}

func (s *MemoryStore) LoadContent(ctx context.Context, ideaID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	content, ok := s.ideas[ideaID]
	if !ok {
		return "", notFound(ideaID)
	}
	return content, nil
}

func (s *MemoryStore) SaveContent(ctx context.Context, ideaID, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ideas[ideaID]; !ok && !s.autoCreate {
		return notFound(ideaID)
	}
	s.ideas[ideaID] = content
	return nil
}
