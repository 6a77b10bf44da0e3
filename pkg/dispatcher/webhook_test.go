package dispatcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contexhq/contex/pkg/models"
)

func fastWebhookConfig() WebhookConfig {
	return WebhookConfig{
		MaxAttempts:             5,
		Timeout:                 5 * time.Second,
		RetryBaseDelay:          time.Millisecond,
		RetryMaxDelay:           5 * time.Millisecond,
		CircuitFailureThreshold: 5,
		CircuitCooldown:         time.Minute,
	}
}

func webhookReg(url string) models.AgentRegistration {
	return models.AgentRegistration{
		ProjectID:     "p1",
		AgentID:       "a1",
		Delivery:      models.DeliveryWebhook,
		WebhookURL:    url,
		WebhookSecret: "topsecret",
	}
}

func testUpdate() models.Update {
	return models.Update{
		Type:      models.UpdateTypeData,
		ProjectID: "p1",
		AgentID:   "a1",
		Sequence:  3,
		DataKey:   "api_config",
		NodeKey:   "api_config",
		Data:      map[string]interface{}{"timeout": 30},
	}
}

func TestWebhookDeliversSignedRequest(t *testing.T) {
	var (
		mu          sync.Mutex
		gotSig      string
		gotEvent    string
		gotDelivery string
		gotBody     []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get(SignatureHeader)
		gotEvent = r.Header.Get(EventHeader)
		gotDelivery = r.Header.Get(DeliveryHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSender(fastWebhookConfig(), nil, nil)
	err := s.Send(context.Background(), webhookReg(srv.URL), testUpdate())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, models.UpdateTypeData, gotEvent)
	assert.NotEmpty(t, gotDelivery)
	assert.True(t, VerifySignature("topsecret", gotBody, gotSig), "signature covers the exact bytes sent")
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSender(fastWebhookConfig(), nil, nil)
	err := s.Send(context.Background(), webhookReg(srv.URL), testUpdate())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookDeliveryIDStableAcrossRetries(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		ids = append(ids, r.Header.Get(DeliveryHeader))
		if len(ids) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender(fastWebhookConfig(), nil, nil)
	require.NoError(t, s.Send(context.Background(), webhookReg(srv.URL), testUpdate()))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1], "receivers deduplicate on the delivery id")
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewWebhookSender(fastWebhookConfig(), nil, nil)
	err := s.Send(context.Background(), webhookReg(srv.URL), testUpdate())
	require.Error(t, err)

	var df *models.DeliveryFailure
	require.ErrorAs(t, err, &df)
	assert.Equal(t, int32(1), calls.Load(), "4xx is permanent")
}

func TestWebhookRetriesThrottling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSender(fastWebhookConfig(), nil, nil)
	require.NoError(t, s.Send(context.Background(), webhookReg(srv.URL), testUpdate()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookCircuitOpensAfterExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewWebhookSender(fastWebhookConfig(), nil, nil)

	// Five attempts, all failing: the breaker's consecutive-failure
	// threshold is reached by the final attempt.
	err := s.Send(context.Background(), webhookReg(srv.URL), testUpdate())
	require.Error(t, err)
	assert.Equal(t, int32(5), calls.Load())

	// The next delivery fails fast without touching the endpoint.
	err = s.Send(context.Background(), webhookReg(srv.URL), testUpdate())
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), calls.Load())
}

func TestWebhookOmitsSignatureWithoutSecret(t *testing.T) {
	var (
		mu        sync.Mutex
		gotHeader bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_, gotHeader = r.Header[http.CanonicalHeaderKey(SignatureHeader)]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSender(fastWebhookConfig(), nil, nil)
	reg := webhookReg(srv.URL)
	reg.WebhookSecret = ""
	require.NoError(t, s.Send(context.Background(), reg, testUpdate()))

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, gotHeader, "no secret, no signature header")
}

func TestWebhookCircuitHalfOpenAllowsSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastWebhookConfig()
	cfg.CircuitCooldown = 50 * time.Millisecond
	s := NewWebhookSender(cfg, nil, nil)

	// Exhaust the retry budget; the breaker opens on the fifth failure.
	require.Error(t, s.Send(context.Background(), webhookReg(srv.URL), testUpdate()))
	require.Equal(t, int32(5), calls.Load())

	// Before the cooldown elapses nothing reaches the endpoint.
	require.Error(t, s.Send(context.Background(), webhookReg(srv.URL), testUpdate()))
	assert.Equal(t, int32(5), calls.Load())

	// After the cooldown exactly one trial request goes through; its
	// success closes the circuit again.
	healthy.Store(true)
	time.Sleep(cfg.CircuitCooldown + 20*time.Millisecond)
	require.NoError(t, s.Send(context.Background(), webhookReg(srv.URL), testUpdate()))
	assert.Equal(t, int32(6), calls.Load())
}

func TestWebhookCircuitReopensOnFailedTrial(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastWebhookConfig()
	cfg.CircuitCooldown = 50 * time.Millisecond
	s := NewWebhookSender(cfg, nil, nil)

	require.Error(t, s.Send(context.Background(), webhookReg(srv.URL), testUpdate()))
	require.Equal(t, int32(5), calls.Load())

	time.Sleep(cfg.CircuitCooldown + 20*time.Millisecond)

	// One trial attempt fails, the circuit snaps open, and the rest of
	// the retry budget fails fast without touching the endpoint.
	require.Error(t, s.Send(context.Background(), webhookReg(srv.URL), testUpdate()))
	assert.Equal(t, int32(6), calls.Load())
}

func TestWebhookCircuitIsPerEndpoint(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	var goodCalls atomic.Int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()

	s := NewWebhookSender(fastWebhookConfig(), nil, nil)
	require.Error(t, s.Send(context.Background(), webhookReg(bad.URL), testUpdate()))

	// The healthy endpoint is unaffected by the tripped one.
	require.NoError(t, s.Send(context.Background(), webhookReg(good.URL), testUpdate()))
	assert.Equal(t, int32(1), goodCalls.Load())
}

func TestWebhookHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastWebhookConfig()
	cfg.RetryBaseDelay = 200 * time.Millisecond
	s := NewWebhookSender(cfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Send(ctx, webhookReg(srv.URL), testUpdate())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "cancellation cuts the retry loop short")
}
