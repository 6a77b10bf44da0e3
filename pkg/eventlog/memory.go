package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/contexhq/contex/pkg/models"
)

// MemoryStore is an in-process event log. It backs tests and serves as
// the read cache the engine falls back to while the database backend is
// unavailable.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]models.Event
}

// NewMemoryStore creates an empty in-memory log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]models.Event)}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, projectID, eventType string, data map[string]interface{}) (int64, error) {
	if projectID == "" {
		return 0, ErrEmptyProject
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := int64(1)
	if all := s.events[projectID]; len(all) > 0 {
		seq = all[len(all)-1].Sequence + 1
	}
	s.events[projectID] = append(s.events[projectID], models.Event{
		ProjectID: projectID,
		Sequence:  seq,
		EventType: eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
	return seq, nil
}

// ReadSince implements Store.
func (s *MemoryStore) ReadSince(ctx context.Context, projectID string, since int64, limit int) ([]models.Event, error) {
	if projectID == "" {
		return nil, ErrEmptyProject
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[projectID]
	// Events are ordered by sequence; find the first entry past since.
	idx := sort.Search(len(all), func(i int) bool { return all[i].Sequence > since })
	limit = clampLimit(limit)

	out := make([]models.Event, 0, limit)
	for i := idx; i < len(all) && len(out) < limit; i++ {
		out = append(out, all[i])
	}
	return out, nil
}

// Length implements Store.
func (s *MemoryStore) Length(ctx context.Context, projectID string) (int64, error) {
	if projectID == "" {
		return 0, ErrEmptyProject
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[projectID]
	if len(all) == 0 {
		return 0, nil
	}
	return all[len(all)-1].Sequence, nil
}

// DeleteBefore implements Store.
func (s *MemoryStore) DeleteBefore(ctx context.Context, projectID string, cutoffSequence int64) (int64, error) {
	if projectID == "" {
		return 0, ErrEmptyProject
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.events[projectID]
	idx := sort.Search(len(all), func(i int) bool { return all[i].Sequence >= cutoffSequence })
	if idx == 0 {
		return 0, nil
	}
	s.events[projectID] = append([]models.Event(nil), all[idx:]...)
	return int64(idx), nil
}

// Projects implements Store.
func (s *MemoryStore) Projects(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	projects := make([]string, 0, len(s.events))
	for p := range s.events {
		projects = append(projects, p)
	}
	sort.Strings(projects)
	return projects, nil
}

var _ Store = (*MemoryStore)(nil)
