package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/core/ports"
)

// Store is an in-memory implementation of MessageStore
type Store struct {
	mu         sync.RWMutex
	messages   map[int64]domain.TrackedMessage
	byExternal map[string]int64
}

var _ ports.MessageStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		messages:   make(map[int64]domain.TrackedMessage),
		byExternal: make(map[string]int64),
	}
}

func (s *Store) Save(ctx context.Context, m domain.TrackedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, exists := s.messages[m.ID]; exists && cur.Version >= m.Version {
		return nil
	}
	if owner, exists := s.byExternal[m.ExternalID]; exists && owner != m.ID {
		return domain.DuplicateMessage(m.ExternalID, owner)
	}

	s.messages[m.ID] = m
	s.byExternal[m.ExternalID] = m.ID
	return nil
}

func (s *Store) Get(ctx context.Context, id int64) (domain.TrackedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, exists := s.messages[id]
	if !exists {
		return domain.TrackedMessage{}, domain.NotFound(id)
	}
	return m, nil
}

func (s *Store) GetByExternalID(ctx context.Context, externalID string) (domain.TrackedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byExternal[externalID]
	if !exists {
		return domain.TrackedMessage{}, &domain.TrackingError{
			Kind:       domain.ErrorKindNotFound,
			Message:    "external id " + externalID + " not found",
			ExternalID: externalID,
		}
	}
	return s.messages[id], nil
}

func (s *Store) List(ctx context.Context, filter ports.MessageFilter) ([]domain.TrackedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.TrackedMessage
	for _, m := range s.messages {
		if filter.Matches(m) {
			result = append(result, m)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].ArrivedAt.Equal(result[j].ArrivedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].ArrivedAt.Before(result[j].ArrivedAt)
	})
	return result, nil
}

func (s *Store) Close() error {
	return nil
}
