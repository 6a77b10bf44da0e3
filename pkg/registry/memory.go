package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/contexhq/contex/pkg/models"
)

// MemoryStore is the in-process registry used by tests and
// database-free deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]map[string]models.AgentRegistration // project -> agent -> reg
}

// NewMemoryStore creates an empty registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]map[string]models.AgentRegistration)}
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, reg models.AgentRegistration) error {
	if reg.ProjectID == "" {
		return models.NewValidationError("project_id", "must not be empty")
	}
	if reg.AgentID == "" {
		return models.NewValidationError("agent_id", "must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	project := s.agents[reg.ProjectID]
	if project == nil {
		project = make(map[string]models.AgentRegistration)
		s.agents[reg.ProjectID] = project
	}
	now := time.Now().UTC()
	if reg.CreatedAt.IsZero() {
		if existing, ok := project[reg.AgentID]; ok {
			reg.CreatedAt = existing.CreatedAt
		} else {
			reg.CreatedAt = now
		}
	}
	if reg.LastActiveAt.IsZero() {
		reg.LastActiveAt = now
	}
	reg.Needs = append([]string(nil), reg.Needs...)
	project[reg.AgentID] = reg
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, projectID, agentID string) (models.AgentRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.agents[projectID][agentID]
	if !ok {
		return models.AgentRegistration{}, models.ErrNotFound
	}
	return reg, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, projectID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[projectID][agentID]; !ok {
		return models.ErrNotFound
	}
	delete(s.agents[projectID], agentID)
	return nil
}

// ListByProject implements Store.
func (s *MemoryStore) ListByProject(ctx context.Context, projectID string) ([]models.AgentRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	project := s.agents[projectID]
	out := make([]models.AgentRegistration, 0, len(project))
	for _, reg := range project {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// AdvanceLastSeen implements Store.
func (s *MemoryStore) AdvanceLastSeen(ctx context.Context, projectID, agentID string, seq int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.agents[projectID][agentID]
	if !ok {
		return false, models.ErrNotFound
	}
	if seq <= reg.LastSeenSequence {
		return false, nil
	}
	reg.LastSeenSequence = seq
	s.agents[projectID][agentID] = reg
	return true, nil
}

// Touch implements Store.
func (s *MemoryStore) Touch(ctx context.Context, projectID, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.agents[projectID][agentID]
	if !ok {
		return models.ErrNotFound
	}
	if at.After(reg.LastActiveAt) {
		reg.LastActiveAt = at
		s.agents[projectID][agentID] = reg
	}
	return nil
}

// ExpireIdle implements Store.
func (s *MemoryStore) ExpireIdle(ctx context.Context, cutoff time.Time) ([]models.AgentRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []models.AgentRegistration
	for _, project := range s.agents {
		for agentID, reg := range project {
			if reg.LastActiveAt.Before(cutoff) {
				expired = append(expired, reg)
				delete(project, agentID)
			}
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].ProjectID != expired[j].ProjectID {
			return expired[i].ProjectID < expired[j].ProjectID
		}
		return expired[i].AgentID < expired[j].AgentID
	})
	return expired, nil
}

var _ Store = (*MemoryStore)(nil)
