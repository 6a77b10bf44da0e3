package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/contexhq/contex/pkg/models"
	"github.com/contexhq/contex/pkg/observability"
)

// Sender delivers one update to one agent over its transport.
type Sender interface {
	Send(ctx context.Context, reg models.AgentRegistration, update models.Update) error
	Name() string
}

// RedisPublisher delivers updates on per-agent pub/sub channels. Pub/sub
// is fire-and-forget: a subscriber that is not listening misses the
// message and catches up from the event log.
type RedisPublisher struct {
	client  redis.UniversalClient
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewRedisPublisher wraps an existing client.
func NewRedisPublisher(client redis.UniversalClient, logger observability.Logger, metrics observability.MetricsClient) *RedisPublisher {
	if logger == nil {
		logger = observability.NewStandardLogger("redis_publisher")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &RedisPublisher{client: client, logger: logger, metrics: metrics}
}

// Name implements Sender.
func (p *RedisPublisher) Name() string { return "pubsub" }

// Send implements Sender.
func (p *RedisPublisher) Send(ctx context.Context, reg models.AgentRegistration, update models.Update) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode update: %w", err)
	}

	start := time.Now()
	if err := p.client.Publish(ctx, reg.PubSubChannel(), payload).Err(); err != nil {
		return models.NewTransientError(fmt.Errorf("failed to publish to %s: %w", reg.PubSubChannel(), err), time.Second)
	}
	p.metrics.RecordTimer("pubsub.publish", time.Since(start), map[string]string{"agent_id": reg.AgentID})
	return nil
}

// Ping checks broker connectivity; used as a degradation probe.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

var _ Sender = (*RedisPublisher)(nil)
