// Package retention garbage-collects aged state in the background: old
// events are trimmed from the log and idle registrations are expired.
// Context nodes are never reclaimed here; published data stays queryable
// until explicitly deleted.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/contexhq/contex/pkg/common/config"
	"github.com/contexhq/contex/pkg/eventlog"
	"github.com/contexhq/contex/pkg/observability"
	"github.com/contexhq/contex/pkg/registry"
)

// Sweeper runs periodic retention passes.
type Sweeper struct {
	log     eventlog.Store
	agents  registry.Store
	cfg     config.RetentionConfig
	logger  observability.Logger
	metrics observability.MetricsClient
	now     func() time.Time
}

// NewSweeper creates a sweeper over the given stores.
func NewSweeper(log eventlog.Store, agents registry.Store, cfg config.RetentionConfig, logger observability.Logger, metrics observability.MetricsClient) *Sweeper {
	if logger == nil {
		logger = observability.NewStandardLogger("retention")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	return &Sweeper{
		log:     log,
		agents:  agents,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("Retention sweep failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// Sweep runs one retention pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.now().UTC()

	if s.cfg.EventRetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -s.cfg.EventRetentionDays)
		if err := s.trimEvents(ctx, cutoff); err != nil {
			return err
		}
	}

	if s.cfg.AgentIdleExpiryDays > 0 {
		cutoff := now.AddDate(0, 0, -s.cfg.AgentIdleExpiryDays)
		expired, err := s.agents.ExpireIdle(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("failed to expire idle agents: %w", err)
		}
		if len(expired) > 0 {
			s.metrics.RecordCounter("retention.agents_expired", float64(len(expired)), nil)
		}
	}
	return nil
}

// trimEvents deletes events created before the cutoff. Sequences of
// surviving events are untouched: the boundary sequence is found by
// scanning forward, then everything below it is dropped in one call.
func (s *Sweeper) trimEvents(ctx context.Context, cutoff time.Time) error {
	projects, err := s.log.Projects(ctx)
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}

	var totalDeleted int64
	for _, projectID := range projects {
		boundary, err := s.expiredBoundary(ctx, projectID, cutoff)
		if err != nil {
			return err
		}
		if boundary == 0 {
			continue
		}
		deleted, err := s.log.DeleteBefore(ctx, projectID, boundary+1)
		if err != nil {
			return fmt.Errorf("failed to trim project %s: %w", projectID, err)
		}
		totalDeleted += deleted
	}
	if totalDeleted > 0 {
		s.metrics.RecordCounter("retention.events_trimmed", float64(totalDeleted), nil)
		s.logger.Info("Trimmed expired events", map[string]interface{}{"deleted": totalDeleted})
	}
	return nil
}

// expiredBoundary returns the highest sequence whose event predates the
// cutoff, 0 when nothing has expired.
func (s *Sweeper) expiredBoundary(ctx context.Context, projectID string, cutoff time.Time) (int64, error) {
	var (
		boundary int64
		since    int64
	)
	for {
		events, err := s.log.ReadSince(ctx, projectID, since, eventlog.MaxReadLimit)
		if err != nil {
			return 0, fmt.Errorf("failed to read project %s: %w", projectID, err)
		}
		if len(events) == 0 {
			return boundary, nil
		}
		for _, ev := range events {
			if !ev.CreatedAt.Before(cutoff) {
				return boundary, nil
			}
			boundary = ev.Sequence
		}
		since = events[len(events)-1].Sequence
	}
}
