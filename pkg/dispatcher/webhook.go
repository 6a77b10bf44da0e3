package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/contexhq/contex/pkg/models"
	"github.com/contexhq/contex/pkg/observability"
)

// WebhookConfig tunes the webhook sender. Zero values fall back to
// conservative defaults in NewWebhookSender.
type WebhookConfig struct {
	MaxAttempts             int
	Timeout                 time.Duration
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	CircuitFailureThreshold int
	CircuitCooldown         time.Duration
	MaxConnsPerHost         int
}

func (c *WebhookConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 60 * time.Second
	}
	if c.CircuitFailureThreshold <= 0 {
		c.CircuitFailureThreshold = 5
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = 60 * time.Second
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = 32
	}
}

// statusError is a non-2xx webhook response.
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.status)
}

// retryable reports whether the status is worth another attempt. Client
// errors are the receiver rejecting the payload and never resolve on
// retry, except timeouts and throttling.
func (e *statusError) retryable() bool {
	return e.status >= 500 || e.status == http.StatusRequestTimeout || e.status == http.StatusTooManyRequests
}

// WebhookSender delivers updates over HTTP POST with HMAC signatures,
// exponential-backoff retries and a per-endpoint circuit breaker. Every
// attempt passes through the breaker, so an endpoint that fails a whole
// retry budget trips the circuit and later deliveries fail fast until
// the cooldown elapses.
type WebhookSender struct {
	client  *http.Client
	cfg     WebhookConfig
	logger  observability.Logger
	metrics observability.MetricsClient

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewWebhookSender creates a sender with its own HTTP client.
func NewWebhookSender(cfg WebhookConfig, logger observability.Logger, metrics observability.MetricsClient) *WebhookSender {
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.NewStandardLogger("webhook")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &WebhookSender{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxConnsPerHost:     cfg.MaxConnsPerHost,
				MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
			},
		},
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Name implements Sender.
func (s *WebhookSender) Name() string { return "webhook" }

// Send implements Sender. The delivery id and signature are computed
// once; retries resend the identical request so receivers can
// deduplicate on the delivery header. Registrations without a secret
// get no signature header.
func (s *WebhookSender) Send(ctx context.Context, reg models.AgentRegistration, update models.Update) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode update: %w", err)
	}
	var signature string
	if reg.WebhookSecret != "" {
		signature = Sign(reg.WebhookSecret, body)
	}
	deliveryID := uuid.NewString()
	breaker := s.breaker(reg.WebhookURL)

	operation := func() error {
		_, err := breaker.Execute(func() (interface{}, error) {
			return nil, s.attempt(ctx, reg.WebhookURL, body, signature, update.Type, deliveryID)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RetryBaseDelay
	policy.MaxInterval = s.cfg.RetryMaxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2
	policy.MaxElapsedTime = 0

	start := time.Now()
	err = backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(s.cfg.MaxAttempts-1)), ctx))
	if err != nil {
		s.metrics.RecordCounter("webhook.delivery_failed", 1, map[string]string{"agent_id": reg.AgentID})
		return &models.DeliveryFailure{AgentID: reg.AgentID, URL: reg.WebhookURL, Cause: err}
	}
	s.metrics.RecordTimer("webhook.delivery", time.Since(start), map[string]string{"agent_id": reg.AgentID})
	return nil
}

func (s *WebhookSender) attempt(ctx context.Context, url string, body []byte, signature, eventType, deliveryID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	req.Header.Set(EventHeader, eventType)
	req.Header.Set(DeliveryHeader, deliveryID)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{status: resp.StatusCode}
	}
	return nil
}

// breaker returns the circuit breaker for one endpoint, creating it on
// first use.
func (s *WebhookSender) breaker(url string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if br, ok := s.breakers[url]; ok {
		return br
	}
	threshold := uint32(s.cfg.CircuitFailureThreshold)
	br := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        url,
		MaxRequests: 1,
		Timeout:     s.cfg.CircuitCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("Webhook circuit state changed", map[string]interface{}{
				"url":  name,
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})
	s.breakers[url] = br
	return br
}

var _ Sender = (*WebhookSender)(nil)
