// Package eventlog implements the append-only per-project event log. The
// log is the source of truth for every mutation; the vector index is a
// projection rebuilt or reconciled from it.
package eventlog

import (
	"context"
	"errors"

	"github.com/contexhq/contex/pkg/models"
)

// MaxReadLimit caps a single ReadSince page.
const MaxReadLimit = 1000

// ErrEmptyProject indicates an operation referenced a blank project id.
var ErrEmptyProject = errors.New("project_id must not be empty")

// Store is the event log contract. Append is linearizable per project:
// concurrent appends to the same project observe a strictly increasing,
// gapless sequence. A successful append is durable before Append returns.
type Store interface {
	// Append writes one event and returns its assigned sequence (>= 1).
	Append(ctx context.Context, projectID, eventType string, data map[string]interface{}) (int64, error)

	// ReadSince returns events with sequence > since in ascending order,
	// at most limit entries (capped at MaxReadLimit). A since beyond the
	// current maximum yields an empty slice, not an error.
	ReadSince(ctx context.Context, projectID string, since int64, limit int) ([]models.Event, error)

	// Length returns the current maximum sequence for the project, 0 when
	// the project has no events.
	Length(ctx context.Context, projectID string) (int64, error)

	// DeleteBefore removes events created before the cutoff, returning the
	// number deleted. Used by retention; sequences of surviving events are
	// untouched.
	DeleteBefore(ctx context.Context, projectID string, cutoffSequence int64) (int64, error)

	// Projects lists the project ids present in the log.
	Projects(ctx context.Context) ([]string, error)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxReadLimit {
		return MaxReadLimit
	}
	return limit
}
