package engine

import (
	"context"
	"fmt"

	"github.com/contexhq/contex/pkg/eventlog"
	"github.com/contexhq/contex/pkg/models"
)

// ProjectSnapshot is a portable dump of one project: its event history,
// indexed nodes and registrations. Embeddings are not exported; they are
// recomputed deterministically from descriptions on import.
type ProjectSnapshot struct {
	ProjectID string                     `json:"project_id"`
	Events    []models.Event             `json:"events"`
	Nodes     []models.ContextNode       `json:"nodes"`
	Agents    []models.AgentRegistration `json:"agents"`
}

// Export captures the project's full state.
func (e *Engine) Export(ctx context.Context, projectID string) (*ProjectSnapshot, error) {
	if projectID == "" {
		return nil, models.NewValidationError("project_id", "must not be empty")
	}

	snap := &ProjectSnapshot{ProjectID: projectID}
	var since int64
	for {
		events, err := e.log.ReadSince(ctx, projectID, since, eventlog.MaxReadLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to export events: %w", err)
		}
		if len(events) == 0 {
			break
		}
		snap.Events = append(snap.Events, events...)
		since = events[len(events)-1].Sequence
	}

	nodes, err := e.vectors.List(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to export nodes: %w", err)
	}
	snap.Nodes = nodes

	agents, err := e.agents.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to export agents: %w", err)
	}
	snap.Agents = agents
	return snap, nil
}

// Import restores a snapshot into an empty project: events are replayed
// in order (reassigning the same sequences), nodes are re-embedded and
// indexed, registrations are restored as saved.
func (e *Engine) Import(ctx context.Context, snap *ProjectSnapshot) error {
	if snap == nil || snap.ProjectID == "" {
		return models.NewValidationError("project_id", "must not be empty")
	}
	length, err := e.log.Length(ctx, snap.ProjectID)
	if err != nil {
		return err
	}
	if length > 0 {
		return fmt.Errorf("project %s already has events: %w", snap.ProjectID, models.ErrConflict)
	}

	for _, ev := range snap.Events {
		if _, err := e.log.Append(ctx, snap.ProjectID, ev.EventType, ev.Data); err != nil {
			return fmt.Errorf("failed to replay event %d: %w", ev.Sequence, err)
		}
	}

	for _, node := range snap.Nodes {
		vec, err := e.provider.Embed(ctx, node.Description)
		if err != nil {
			return fmt.Errorf("failed to re-embed %s: %w", node.NodeKey, err)
		}
		node.ProjectID = snap.ProjectID
		node.Embedding = vec
		if _, err := e.vectors.Upsert(ctx, node); err != nil {
			return fmt.Errorf("failed to restore node %s: %w", node.NodeKey, err)
		}
		e.keywords.Add(snap.ProjectID, node.NodeKey, node.Description)
	}

	for _, reg := range snap.Agents {
		reg.ProjectID = snap.ProjectID
		if err := e.agents.Save(ctx, reg); err != nil {
			return fmt.Errorf("failed to restore agent %s: %w", reg.AgentID, err)
		}
	}
	e.logger.Info("Imported project snapshot", map[string]interface{}{
		"project_id": snap.ProjectID,
		"events":     len(snap.Events),
		"nodes":      len(snap.Nodes),
		"agents":     len(snap.Agents),
	})
	return nil
}
