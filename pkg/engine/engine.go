// Package engine is the façade tying the context router together:
// publishing decomposes and indexes data then fans updates out, queries
// delegate to the matcher, registration snapshots current context and
// subscribes the agent to live updates.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/contexhq/contex/pkg/common/config"
	"github.com/contexhq/contex/pkg/degradation"
	"github.com/contexhq/contex/pkg/dispatcher"
	"github.com/contexhq/contex/pkg/embedding"
	"github.com/contexhq/contex/pkg/eventlog"
	"github.com/contexhq/contex/pkg/keyword"
	"github.com/contexhq/contex/pkg/matcher"
	"github.com/contexhq/contex/pkg/models"
	"github.com/contexhq/contex/pkg/observability"
	"github.com/contexhq/contex/pkg/registry"
	"github.com/contexhq/contex/pkg/vectorstore"
)

// rebuildConcurrency bounds how many projects replay at once during a
// startup rebuild.
const rebuildConcurrency = 4

// Engine exposes the public operations of the context router.
type Engine struct {
	cfg      config.MatchingConfig
	provider embedding.Provider
	log      eventlog.Store
	vectors  vectorstore.Store
	keywords *keyword.Index
	agents   registry.Store
	dispatch *dispatcher.Dispatcher
	mode     func() degradation.Mode
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// New wires an Engine. modeFn may be nil for an always-healthy engine.
func New(cfg config.MatchingConfig, provider embedding.Provider, log eventlog.Store, vectors vectorstore.Store, keywords *keyword.Index, agents registry.Store, dispatch *dispatcher.Dispatcher, modeFn func() degradation.Mode, logger observability.Logger, metrics observability.MetricsClient) *Engine {
	if logger == nil {
		logger = observability.NewStandardLogger("engine")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if modeFn == nil {
		modeFn = func() degradation.Mode { return degradation.ModeNormal }
	}
	return &Engine{
		cfg:      cfg,
		provider: provider,
		log:      log,
		vectors:  vectors,
		keywords: keywords,
		agents:   agents,
		dispatch: dispatch,
		mode:     modeFn,
		logger:   logger,
		metrics:  metrics,
	}
}

// PublishRequest describes one publish call. Either Data (a decoded
// value) or Raw+Format (encoded bytes) carries the payload.
type PublishRequest struct {
	ProjectID   string
	DataKey     string
	Data        interface{}
	Raw         []byte
	Format      string
	Description string
}

// PublishResult reports the outcome of a publish.
type PublishResult struct {
	Sequence int64
	NodeKeys []string
	// Changed is false when the payload was byte-identical to what is
	// already stored. The event is still appended; only the fan-out to
	// agents is suppressed.
	Changed bool
}

// Publish normalizes, decomposes, embeds and indexes a payload, appends
// the event, and notifies interested agents. The event log append is the
// commit point: if it fails nothing is indexed or dispatched.
func (e *Engine) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	if req.ProjectID == "" {
		return PublishResult{}, models.NewValidationError("project_id", "must not be empty")
	}
	if req.DataKey == "" {
		return PublishResult{}, models.NewValidationError("data_key", "must not be empty")
	}
	if e.mode() == degradation.ModeUnavailable {
		return PublishResult{}, fmt.Errorf("publish rejected: %w", models.ErrUnavailable)
	}

	var (
		doc models.Document
		err error
	)
	if req.Raw != nil {
		doc, err = Normalize(req.Format, req.Raw)
	} else {
		doc, err = models.NewDocument(req.Data)
	}
	if err != nil {
		return PublishResult{}, err
	}

	pieces := decompose(req.DataKey, doc, e.cfg.DecomposeDepth)
	nodes := make([]models.ContextNode, 0, len(pieces))
	nodeKeys := make([]string, 0, len(pieces))
	for _, p := range pieces {
		description := req.Description
		if description == "" || len(pieces) > 1 {
			description = autoDescription(p.nodeKey, p.doc)
		}
		vec, err := e.provider.Embed(ctx, description)
		if err != nil {
			return PublishResult{}, fmt.Errorf("failed to embed %s: %w", p.nodeKey, err)
		}
		nodes = append(nodes, models.ContextNode{
			ProjectID:   req.ProjectID,
			DataKey:     req.DataKey,
			NodeKey:     p.nodeKey,
			Description: description,
			Data:        p.doc.Value(),
			Embedding:   vec,
			ContentHash: p.doc.ContentHash(),
		})
		nodeKeys = append(nodeKeys, p.nodeKey)
	}

	// Every publish appends an event, identical payload or not: the log
	// records intent, not difference. Deduplication happens below, at the
	// fan-out stage.
	seq, err := e.log.Append(ctx, req.ProjectID, models.EventDataPublished, map[string]interface{}{
		"data_key":    req.DataKey,
		"node_keys":   nodeKeys,
		"description": nodes[0].Description,
		"data":        doc.Value(),
	})
	if err != nil {
		return PublishResult{}, fmt.Errorf("failed to append publish event: %w", err)
	}

	changed := 0
	for _, node := range nodes {
		nodeChanged, err := e.vectors.Upsert(ctx, node)
		if err != nil {
			// The event is durable; the projection catches up on rebuild.
			e.logger.Error("Failed to index node", map[string]interface{}{
				"project_id": req.ProjectID,
				"node_key":   node.NodeKey,
				"error":      err.Error(),
			})
			continue
		}
		if !nodeChanged {
			// Byte-identical to the stored node: agents already saw this
			// content, so no additional deliveries.
			continue
		}
		changed++
		e.keywords.Add(req.ProjectID, node.NodeKey, node.Description)
		if err := e.dispatch.NotifyPublished(ctx, node, seq); err != nil {
			e.logger.Error("Failed to fan out publish", map[string]interface{}{
				"project_id": req.ProjectID,
				"node_key":   node.NodeKey,
				"error":      err.Error(),
			})
		}
	}

	if changed == 0 {
		e.metrics.IncrementCounter("engine.publish_deduplicated", 1)
	} else {
		e.metrics.IncrementCounter("engine.published", 1)
	}
	return PublishResult{Sequence: seq, NodeKeys: nodeKeys, Changed: changed > 0}, nil
}

// Delete removes a data key and all nodes decomposed from it, appends
// the tombstone event, and notifies the project's agents.
func (e *Engine) Delete(ctx context.Context, projectID, dataKey string) (int64, error) {
	if e.mode() == degradation.ModeUnavailable {
		return 0, fmt.Errorf("delete rejected: %w", models.ErrUnavailable)
	}

	nodes, err := e.vectors.List(ctx, projectID)
	if err != nil {
		return 0, err
	}
	var nodeKeys []string
	for _, node := range nodes {
		if node.DataKey == dataKey {
			nodeKeys = append(nodeKeys, node.NodeKey)
		}
	}
	if len(nodeKeys) == 0 {
		return 0, models.ErrNotFound
	}

	seq, err := e.log.Append(ctx, projectID, models.EventDataDeleted, map[string]interface{}{
		"data_key":  dataKey,
		"node_keys": nodeKeys,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append delete event: %w", err)
	}

	if _, err := e.vectors.DeleteData(ctx, projectID, dataKey); err != nil {
		e.logger.Error("Failed to delete nodes", map[string]interface{}{
			"project_id": projectID,
			"data_key":   dataKey,
			"error":      err.Error(),
		})
	}
	for _, nodeKey := range nodeKeys {
		e.keywords.Remove(projectID, nodeKey)
	}
	if err := e.dispatch.NotifyDeleted(ctx, projectID, dataKey, nodeKeys, seq); err != nil {
		e.logger.Error("Failed to fan out delete", map[string]interface{}{
			"project_id": projectID,
			"error":      err.Error(),
		})
	}
	return seq, nil
}

// QueryRequest describes a semantic query. Nil overrides fall back to
// the configured defaults.
type QueryRequest struct {
	ProjectID string
	Queries   []string
	TopK      int
	Threshold *float64
	Hybrid    *bool
}

// Query matches each query string against the project's nodes, one
// result group per query in caller order. Read only; rejected while the
// matching backends are degraded.
func (e *Engine) Query(ctx context.Context, req QueryRequest) ([]models.NeedMatches, error) {
	if req.ProjectID == "" {
		return nil, models.NewValidationError("project_id", "must not be empty")
	}
	if e.mode() != degradation.ModeNormal {
		return nil, fmt.Errorf("query rejected: %w", models.ErrUnavailable)
	}
	return e.matcherFor(req).MatchNeeds(ctx, req.ProjectID, req.Queries)
}

func (e *Engine) matcherFor(req QueryRequest) *matcher.Matcher {
	opts := matcher.Options{
		SimilarityThreshold: e.cfg.SimilarityThreshold,
		MaxMatches:          e.cfg.MaxMatches,
		Hybrid:              e.cfg.HybridEnabled,
		BM25Weight:          e.cfg.BM25Weight,
		KNNWeight:           e.cfg.KNNWeight,
	}
	if req.TopK > 0 {
		opts.MaxMatches = req.TopK
	}
	if req.Threshold != nil {
		opts.SimilarityThreshold = *req.Threshold
	}
	if req.Hybrid != nil {
		opts.Hybrid = *req.Hybrid
	}
	return matcher.New(e.provider, e.vectors, e.keywords, opts, e.logger, e.metrics)
}

// RegisterRequest describes an agent registration.
type RegisterRequest struct {
	ProjectID     string
	AgentID       string
	Needs         []string
	Delivery      models.DeliveryMode
	Channel       string
	WebhookURL    string
	WebhookSecret string
	// Since sets the catch-up cursor. Nil means the current log length:
	// only strictly newer events are delivered live.
	Since *int64
}

func (r *RegisterRequest) validate() error {
	if r.ProjectID == "" {
		return models.NewValidationError("project_id", "must not be empty")
	}
	if r.AgentID == "" {
		return models.NewValidationError("agent_id", "must not be empty")
	}
	if len(r.Needs) == 0 {
		return models.NewValidationError("needs", "at least one need is required")
	}
	switch r.Delivery {
	case models.DeliveryPubSub:
	case models.DeliveryWebhook:
		if r.WebhookURL == "" {
			return models.NewValidationError("webhook_url", "required for webhook delivery")
		}
	default:
		return models.NewValidationError("delivery", fmt.Sprintf("unknown mode %q", r.Delivery))
	}
	return nil
}

// Register stores the subscription, computes the initial context
// snapshot, replays missed events when the caller supplies a cursor, and
// delivers the snapshot on the agent's channel.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (models.RegistrationResult, error) {
	if err := req.validate(); err != nil {
		return models.RegistrationResult{}, err
	}
	if e.mode() != degradation.ModeNormal {
		return models.RegistrationResult{}, fmt.Errorf("register rejected: %w", models.ErrUnavailable)
	}

	snapshot, err := e.matcherFor(QueryRequest{ProjectID: req.ProjectID}).MatchNeeds(ctx, req.ProjectID, req.Needs)
	if err != nil {
		return models.RegistrationResult{}, fmt.Errorf("failed to build initial context: %w", err)
	}
	matched := 0
	for _, nm := range snapshot {
		matched += len(nm.Matches)
	}
	snapshot = truncateSnapshot(snapshot, e.cfg.MaxContextSize)

	length, err := e.log.Length(ctx, req.ProjectID)
	if err != nil {
		return models.RegistrationResult{}, err
	}
	since := length
	if req.Since != nil {
		since = *req.Since
	}

	reg := models.AgentRegistration{
		AgentID:          req.AgentID,
		ProjectID:        req.ProjectID,
		Needs:            req.Needs,
		Delivery:         req.Delivery,
		Channel:          req.Channel,
		WebhookURL:       req.WebhookURL,
		WebhookSecret:    req.WebhookSecret,
		LastSeenSequence: since,
	}

	// Park the agent's live queue before the registration becomes
	// visible: a publish that fans out while catch-up is still replaying
	// older events must wait until the replay reaches the log head, or
	// the agent would see sequences out of order.
	e.dispatch.Suspend(req.ProjectID, req.AgentID)
	defer e.dispatch.Resume(req.ProjectID, req.AgentID)

	if err := e.agents.Save(ctx, reg); err != nil {
		return models.RegistrationResult{}, fmt.Errorf("failed to save registration: %w", err)
	}

	// Initial snapshot, delivered synchronously so the caller knows the
	// agent's channel saw it. Best effort: a missed snapshot is
	// recoverable through query.
	if err := e.dispatch.Deliver(ctx, reg, models.Update{
		Type:      models.UpdateTypeInitialContext,
		ProjectID: req.ProjectID,
		AgentID:   req.AgentID,
		Sequence:  since,
		Context:   snapshot,
	}); err != nil {
		e.logger.Warn("Failed to deliver initial context", map[string]interface{}{
			"agent_id": req.AgentID,
			"error":    err.Error(),
		})
	}

	caughtUp, err := e.catchUp(ctx, reg, since, length)
	if err != nil {
		e.logger.Warn("Catch-up replay failed", map[string]interface{}{
			"agent_id": req.AgentID,
			"error":    err.Error(),
		})
	}

	final, err := e.agents.Get(ctx, req.ProjectID, req.AgentID)
	if err != nil {
		final = reg
	}
	return models.RegistrationResult{
		AgentID:           req.AgentID,
		ProjectID:         req.ProjectID,
		Channel:           reg.PubSubChannel(),
		MatchedNeedsCount: matched,
		LastSeenSequence:  final.LastSeenSequence,
		InitialContext:    snapshot,
		CaughtUpEvents:    caughtUp,
	}, nil
}

// catchUp redelivers data_published events the agent missed between its
// cursor and the current log head.
func (e *Engine) catchUp(ctx context.Context, reg models.AgentRegistration, since, length int64) (int, error) {
	delivered := 0
	for since < length {
		events, err := e.log.ReadSince(ctx, reg.ProjectID, since, eventlog.MaxReadLimit)
		if err != nil {
			return delivered, err
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			since = ev.Sequence
			if ev.EventType != models.EventDataPublished {
				continue
			}
			update, ok, err := e.updateFromEvent(ctx, reg, ev)
			if err != nil {
				return delivered, err
			}
			if !ok {
				continue
			}
			if err := e.dispatch.Deliver(ctx, reg, update); err != nil {
				return delivered, err
			}
			delivered++
			if _, err := e.agents.AdvanceLastSeen(ctx, reg.ProjectID, reg.AgentID, ev.Sequence); err != nil && !errors.Is(err, models.ErrNotFound) {
				return delivered, err
			}
		}
	}
	return delivered, nil
}

// updateFromEvent rebuilds a delivery from a logged publish event when
// one of the agent's needs matches its description.
func (e *Engine) updateFromEvent(ctx context.Context, reg models.AgentRegistration, ev models.Event) (models.Update, bool, error) {
	dataKey, _ := ev.Data["data_key"].(string)
	description, _ := ev.Data["description"].(string)
	if description == "" {
		description = dataKey
	}
	descVec, err := e.provider.Embed(ctx, description)
	if err != nil {
		return models.Update{}, false, err
	}
	for _, need := range reg.Needs {
		needVec, err := e.provider.Embed(ctx, need)
		if err != nil {
			return models.Update{}, false, err
		}
		if embedding.CosineSimilarity(needVec, descVec) >= e.cfg.SimilarityThreshold {
			return models.Update{
				Type:        models.UpdateTypeData,
				ProjectID:   reg.ProjectID,
				AgentID:     reg.AgentID,
				Sequence:    ev.Sequence,
				DataKey:     dataKey,
				Data:        ev.Data["data"],
				MatchedNeed: need,
			}, true, nil
		}
	}
	return models.Update{}, false, nil
}

// Unregister removes the agent's subscription. Registrations live in
// the registry, not the event log, so project sequences are unaffected.
func (e *Engine) Unregister(ctx context.Context, projectID, agentID string) error {
	return e.agents.Delete(ctx, projectID, agentID)
}

// Events pages the project's event log.
func (e *Engine) Events(ctx context.Context, projectID string, since int64, count int) ([]models.Event, error) {
	return e.log.ReadSince(ctx, projectID, since, count)
}

// Agents lists the project's registrations.
func (e *Engine) Agents(ctx context.Context, projectID string) ([]models.AgentRegistration, error) {
	return e.agents.ListByProject(ctx, projectID)
}

// Rebuild replays every project's log into the vector and keyword
// indexes. Run at startup when the indexes are empty or suspect; the
// log is the source of truth. Projects rebuild concurrently; events
// within a project replay in order.
func (e *Engine) Rebuild(ctx context.Context) error {
	projects, err := e.log.Projects(ctx)
	if err != nil {
		return err
	}
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rebuildConcurrency)
	for _, projectID := range projects {
		projectID := projectID
		g.Go(func() error {
			if err := e.rebuildProject(gctx, projectID); err != nil {
				return fmt.Errorf("failed to rebuild project %s: %w", projectID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	e.logger.Info("Rebuilt indexes from event log", map[string]interface{}{
		"projects": len(projects),
		"duration": time.Since(start).String(),
	})
	return nil
}

func (e *Engine) rebuildProject(ctx context.Context, projectID string) error {
	var since int64
	for {
		events, err := e.log.ReadSince(ctx, projectID, since, eventlog.MaxReadLimit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		for _, ev := range events {
			since = ev.Sequence
			switch ev.EventType {
			case models.EventDataPublished:
				if err := e.applyPublished(ctx, projectID, ev); err != nil {
					return err
				}
			case models.EventDataDeleted:
				dataKey, _ := ev.Data["data_key"].(string)
				if _, err := e.vectors.DeleteData(ctx, projectID, dataKey); err != nil {
					return err
				}
				if keys, ok := ev.Data["node_keys"].([]interface{}); ok {
					for _, k := range keys {
						if nodeKey, ok := k.(string); ok {
							e.keywords.Remove(projectID, nodeKey)
						}
					}
				}
			}
		}
	}
}

func (e *Engine) applyPublished(ctx context.Context, projectID string, ev models.Event) error {
	dataKey, _ := ev.Data["data_key"].(string)
	if dataKey == "" {
		return nil
	}
	doc, err := models.NewDocument(ev.Data["data"])
	if err != nil {
		return err
	}
	description, _ := ev.Data["description"].(string)
	for _, p := range decompose(dataKey, doc, e.cfg.DecomposeDepth) {
		desc := description
		if desc == "" || p.nodeKey != dataKey {
			desc = autoDescription(p.nodeKey, p.doc)
		}
		vec, err := e.provider.Embed(ctx, desc)
		if err != nil {
			return err
		}
		if _, err := e.vectors.Upsert(ctx, models.ContextNode{
			ProjectID:   projectID,
			DataKey:     dataKey,
			NodeKey:     p.nodeKey,
			Description: desc,
			Data:        p.doc.Value(),
			Embedding:   vec,
			ContentHash: p.doc.ContentHash(),
		}); err != nil {
			return err
		}
		e.keywords.Add(projectID, p.nodeKey, desc)
	}
	return nil
}
