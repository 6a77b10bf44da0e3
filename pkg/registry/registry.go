// Package registry persists agent registrations: which needs an agent
// declared, how its updates are delivered, and the last event sequence
// it has seen.
package registry

import (
	"context"
	"time"

	"github.com/contexhq/contex/pkg/models"
)

// Store is the registration contract. Save is an atomic replace: an
// agent re-registering swaps its needs and delivery settings in one
// step, with no window where it has none.
type Store interface {
	// Save inserts or replaces a registration keyed by (project, agent).
	Save(ctx context.Context, reg models.AgentRegistration) error

	// Get fetches one registration. Returns models.ErrNotFound when absent.
	Get(ctx context.Context, projectID, agentID string) (models.AgentRegistration, error)

	// Delete removes a registration. Returns models.ErrNotFound when absent.
	Delete(ctx context.Context, projectID, agentID string) error

	// ListByProject returns the project's registrations ordered by agent id.
	ListByProject(ctx context.Context, projectID string) ([]models.AgentRegistration, error)

	// AdvanceLastSeen moves last_seen_sequence forward to seq. The update
	// is monotonic: a stale seq (<= current) reports false and changes
	// nothing, so out-of-order delivery acknowledgements cannot rewind it.
	AdvanceLastSeen(ctx context.Context, projectID, agentID string, seq int64) (bool, error)

	// Touch records delivery or query activity for idle-expiry purposes.
	Touch(ctx context.Context, projectID, agentID string, at time.Time) error

	// ExpireIdle removes registrations whose last activity predates the
	// cutoff and returns the removed registrations.
	ExpireIdle(ctx context.Context, cutoff time.Time) ([]models.AgentRegistration, error)
}
