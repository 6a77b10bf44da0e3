// Package dispatcher fans published data out to matching agents. Each
// agent has a bounded in-memory queue drained by its own goroutine, so a
// slow webhook endpoint delays only its own agent. Transport is
// pluggable: redis pub/sub for connected agents, signed webhooks for
// disconnected ones.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/contexhq/contex/pkg/degradation"
	"github.com/contexhq/contex/pkg/embedding"
	"github.com/contexhq/contex/pkg/models"
	"github.com/contexhq/contex/pkg/observability"
	"github.com/contexhq/contex/pkg/registry"
)

// Config tunes the dispatcher.
type Config struct {
	// QueueCapacity bounds each per-agent queue; overflow drops the
	// oldest queued update.
	QueueCapacity int
	// SimilarityThreshold gates interest: an agent receives an update
	// only when one of its needs is at least this similar to the node's
	// description.
	SimilarityThreshold float64
	// DeliveryTimeout bounds one delivery, including webhook retries.
	DeliveryTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1000
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 5 * time.Minute
	}
}

// Dispatcher routes updates from publishers to registered agents.
type Dispatcher struct {
	provider embedding.Provider
	agents   registry.Store
	senders  map[models.DeliveryMode]Sender
	mode     func() degradation.Mode
	cfg      Config
	logger   observability.Logger
	metrics  observability.MetricsClient

	mu     sync.Mutex
	queues map[string]*agentQueue
	outbox []queuedDelivery
	closed bool
	wg     sync.WaitGroup
}

// New creates a Dispatcher. modeFn may be nil, in which case the
// dispatcher always operates as if healthy.
func New(provider embedding.Provider, agents registry.Store, senders map[models.DeliveryMode]Sender, modeFn func() degradation.Mode, cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Dispatcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.NewStandardLogger("dispatcher")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if modeFn == nil {
		modeFn = func() degradation.Mode { return degradation.ModeNormal }
	}
	return &Dispatcher{
		provider: provider,
		agents:   agents,
		senders:  senders,
		mode:     modeFn,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		queues:   make(map[string]*agentQueue),
	}
}

// NotifyPublished fans a newly published node out to every agent whose
// needs match its description. Matching failures for one agent never
// block the others.
func (d *Dispatcher) NotifyPublished(ctx context.Context, node models.ContextNode, sequence int64) error {
	regs, err := d.agents.ListByProject(ctx, node.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}
	if len(regs) == 0 {
		return nil
	}

	descVec := node.Embedding
	if descVec == nil {
		descVec, err = d.provider.Embed(ctx, node.Description)
		if err != nil {
			return fmt.Errorf("failed to embed description: %w", err)
		}
	}

	notified := 0
	for _, reg := range regs {
		need, ok, err := d.matchingNeed(ctx, reg, descVec)
		if err != nil {
			d.logger.Error("Interest evaluation failed", map[string]interface{}{
				"agent_id": reg.AgentID,
				"error":    err.Error(),
			})
			continue
		}
		if !ok {
			continue
		}
		d.enqueue(reg, models.Update{
			Type:        models.UpdateTypeData,
			ProjectID:   node.ProjectID,
			AgentID:     reg.AgentID,
			Sequence:    sequence,
			DataKey:     node.DataKey,
			NodeKey:     node.NodeKey,
			Data:        node.Data,
			MatchedNeed: need,
		})
		notified++
	}
	d.metrics.RecordCounter("dispatcher.fanout", float64(notified), map[string]string{"project_id": node.ProjectID})
	return nil
}

// NotifyDeleted tells every agent of the project that a data key is
// gone. Tombstones carry no payload.
func (d *Dispatcher) NotifyDeleted(ctx context.Context, projectID, dataKey string, nodeKeys []string, sequence int64) error {
	regs, err := d.agents.ListByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}
	for _, reg := range regs {
		for _, nodeKey := range nodeKeys {
			d.enqueue(reg, models.Update{
				Type:      models.UpdateTypeData,
				ProjectID: projectID,
				AgentID:   reg.AgentID,
				Sequence:  sequence,
				DataKey:   dataKey,
				NodeKey:   nodeKey,
			})
		}
	}
	return nil
}

// Deliver sends one update synchronously, bypassing the queues. The
// engine uses it for initial context snapshots and catch-up replays
// where the caller waits for the result; Suspend holds the agent's
// queue meanwhile so live updates cannot interleave.
func (d *Dispatcher) Deliver(ctx context.Context, reg models.AgentRegistration, update models.Update) error {
	sender, ok := d.senders[reg.Delivery]
	if !ok {
		return fmt.Errorf("no sender for delivery mode %q", reg.Delivery)
	}
	return sender.Send(ctx, reg, update)
}

// Suspend parks the agent's queue: pushes accumulate but nothing is
// delivered until Resume. Called before a registration becomes visible
// so catch-up replay finishes ahead of any live update.
func (d *Dispatcher) Suspend(projectID, agentID string) {
	if q := d.queue(projectID, agentID); q != nil {
		q.pause()
	}
}

// Resume releases a suspended queue.
func (d *Dispatcher) Resume(projectID, agentID string) {
	d.mu.Lock()
	q := d.queues[projectID+"/"+agentID]
	d.mu.Unlock()
	if q != nil {
		q.resume()
	}
}

// matchingNeed returns the first of the agent's needs similar enough to
// the node description.
func (d *Dispatcher) matchingNeed(ctx context.Context, reg models.AgentRegistration, descVec []float32) (string, bool, error) {
	for _, need := range reg.Needs {
		needVec, err := d.provider.Embed(ctx, need)
		if err != nil {
			return "", false, err
		}
		if embedding.CosineSimilarity(needVec, descVec) >= d.cfg.SimilarityThreshold {
			return need, true, nil
		}
	}
	return "", false, nil
}

func (d *Dispatcher) enqueue(reg models.AgentRegistration, update models.Update) {
	item := queuedDelivery{reg: reg, update: update}

	if d.mode() == degradation.ModeDegraded {
		d.stash(item)
		return
	}

	q := d.queue(reg.ProjectID, reg.AgentID)
	if q == nil {
		return
	}
	if dropped := q.push(item); dropped > 0 {
		d.metrics.RecordCounter("dispatcher.dropped", float64(dropped), map[string]string{"agent_id": reg.AgentID})
		d.logger.Warn("Delivery queue overflow, dropped oldest", map[string]interface{}{
			"agent_id": reg.AgentID,
			"dropped":  dropped,
		})
	}
}

// stash parks a delivery in the outbox until the broker recovers. The
// outbox shares the queue capacity bound and also drops oldest.
func (d *Dispatcher) stash(item queuedDelivery) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for len(d.outbox) >= d.cfg.QueueCapacity {
		d.outbox = d.outbox[1:]
		d.metrics.RecordCounter("dispatcher.outbox_dropped", 1, nil)
	}
	d.outbox = append(d.outbox, item)
}

// DrainOutbox re-enqueues deliveries parked while degraded. Wired to the
// degradation controller's recovery transition.
func (d *Dispatcher) DrainOutbox() {
	d.mu.Lock()
	parked := d.outbox
	d.outbox = nil
	d.mu.Unlock()

	if len(parked) == 0 {
		return
	}
	d.logger.Info("Draining delivery outbox", map[string]interface{}{"count": len(parked)})
	for _, item := range parked {
		q := d.queue(item.reg.ProjectID, item.reg.AgentID)
		if q != nil {
			q.push(item)
		}
	}
}

// queue returns the agent's queue, creating it and starting its drain
// goroutine on first use. Returns nil after Close.
func (d *Dispatcher) queue(projectID, agentID string) *agentQueue {
	key := projectID + "/" + agentID

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	q, ok := d.queues[key]
	if !ok {
		q = newAgentQueue(d.cfg.QueueCapacity)
		d.queues[key] = q
		d.wg.Add(1)
		go d.drain(q)
	}
	return q
}

func (d *Dispatcher) drain(q *agentQueue) {
	defer d.wg.Done()
	for {
		item, ok := q.pop()
		if !ok {
			return
		}
		d.deliver(item)
	}
}

func (d *Dispatcher) deliver(item queuedDelivery) {
	sender, ok := d.senders[item.reg.Delivery]
	if !ok {
		d.logger.Error("No sender for delivery mode", map[string]interface{}{
			"agent_id": item.reg.AgentID,
			"mode":     string(item.reg.Delivery),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DeliveryTimeout)
	defer cancel()

	// An update older than the agent's confirmed cursor was already
	// covered by a catch-up replay; sending it now would run sequences
	// backwards. Equal sequences pass, for tombstone batches and
	// at-least-once redelivery.
	if item.update.Sequence > 0 {
		if cur, err := d.agents.Get(ctx, item.reg.ProjectID, item.reg.AgentID); err == nil && item.update.Sequence < cur.LastSeenSequence {
			d.metrics.RecordCounter("dispatcher.skipped_stale", 1, map[string]string{"agent_id": item.reg.AgentID})
			return
		}
	}

	err := sender.Send(ctx, item.reg, item.update)
	if err != nil {
		if models.IsTransient(err) {
			// Broker hiccup: park for replay instead of losing the update.
			d.stash(item)
			return
		}
		var df *models.DeliveryFailure
		if errors.As(err, &df) {
			d.logger.Error("Delivery failed after retries", map[string]interface{}{
				"agent_id": df.AgentID,
				"url":      df.URL,
				"error":    df.Cause.Error(),
			})
		} else {
			d.logger.Error("Delivery failed", map[string]interface{}{
				"agent_id": item.reg.AgentID,
				"error":    err.Error(),
			})
		}
		return
	}

	// Only a confirmed delivery advances the cursor; dropped or failed
	// updates leave it behind so the agent can catch up from the log.
	if _, err := d.agents.AdvanceLastSeen(ctx, item.reg.ProjectID, item.reg.AgentID, item.update.Sequence); err != nil && !errors.Is(err, models.ErrNotFound) {
		d.logger.Warn("Failed to advance last_seen", map[string]interface{}{
			"agent_id": item.reg.AgentID,
			"error":    err.Error(),
		})
	}
	if err := d.agents.Touch(ctx, item.reg.ProjectID, item.reg.AgentID, time.Now().UTC()); err != nil && !errors.Is(err, models.ErrNotFound) {
		d.logger.Warn("Failed to touch agent", map[string]interface{}{
			"agent_id": item.reg.AgentID,
			"error":    err.Error(),
		})
	}
}

// QueueDepth reports the number of pending deliveries for one agent.
func (d *Dispatcher) QueueDepth(projectID, agentID string) int {
	d.mu.Lock()
	q := d.queues[projectID+"/"+agentID]
	d.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.depth()
}

// Close stops all drain goroutines after their queues empty.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	queues := make([]*agentQueue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
	d.wg.Wait()
}
