package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contexhq/contex/pkg/common/config"
	"github.com/contexhq/contex/pkg/eventlog"
	"github.com/contexhq/contex/pkg/models"
	"github.com/contexhq/contex/pkg/registry"
)

func newSweeper(log eventlog.Store, agents registry.Store, cfg config.RetentionConfig) *Sweeper {
	return NewSweeper(log, agents, cfg, nil, nil)
}

func TestSweepTrimsExpiredEvents(t *testing.T) {
	log := eventlog.NewMemoryStore()
	agents := registry.NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, "p1", models.EventDataPublished, nil)
		require.NoError(t, err)
	}

	s := newSweeper(log, agents, config.RetentionConfig{EventRetentionDays: 30})
	// Viewed from 40 days in the future every event has expired.
	s.now = func() time.Time { return time.Now().AddDate(0, 0, 40) }

	require.NoError(t, s.Sweep(ctx))

	events, err := log.ReadSince(ctx, "p1", 0, 100)
	require.NoError(t, err)
	assert.Empty(t, events)

	// Sequence numbering continues where it left off.
	seq, err := log.Append(ctx, "p1", models.EventDataPublished, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(6), seq)
}

func TestSweepKeepsFreshEvents(t *testing.T) {
	log := eventlog.NewMemoryStore()
	agents := registry.NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, "p1", models.EventDataPublished, nil)
		require.NoError(t, err)
	}

	s := newSweeper(log, agents, config.RetentionConfig{EventRetentionDays: 30})
	require.NoError(t, s.Sweep(ctx))

	events, err := log.ReadSince(ctx, "p1", 0, 100)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestSweepExpiresIdleAgents(t *testing.T) {
	log := eventlog.NewMemoryStore()
	agents := registry.NewMemoryStore()
	ctx := context.Background()

	stale := models.AgentRegistration{
		ProjectID:    "p1",
		AgentID:      "stale",
		Delivery:     models.DeliveryPubSub,
		LastActiveAt: time.Now().AddDate(0, 0, -10),
	}
	require.NoError(t, agents.Save(ctx, stale))
	require.NoError(t, agents.Save(ctx, models.AgentRegistration{
		ProjectID: "p1",
		AgentID:   "fresh",
		Delivery:  models.DeliveryPubSub,
	}))

	s := newSweeper(log, agents, config.RetentionConfig{AgentIdleExpiryDays: 7})
	require.NoError(t, s.Sweep(ctx))

	_, err := agents.Get(ctx, "p1", "stale")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = agents.Get(ctx, "p1", "fresh")
	assert.NoError(t, err)
}

func TestSweepDisabledByZeroConfig(t *testing.T) {
	log := eventlog.NewMemoryStore()
	agents := registry.NewMemoryStore()
	ctx := context.Background()

	_, err := log.Append(ctx, "p1", models.EventDataPublished, nil)
	require.NoError(t, err)

	s := newSweeper(log, agents, config.RetentionConfig{})
	s.now = func() time.Time { return time.Now().AddDate(1, 0, 0) }
	require.NoError(t, s.Sweep(ctx))

	events, err := log.ReadSince(ctx, "p1", 0, 100)
	require.NoError(t, err)
	assert.Len(t, events, 1, "zero retention keeps everything")
}
