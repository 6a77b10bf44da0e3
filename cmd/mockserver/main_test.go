package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/contexhq/contex/pkg/dispatcher"
)

func TestWebhookVerifiesSignature(t *testing.T) {
	mux := newMux("test-secret", 0)
	body := `{"event_type":"data_published"}`

	// Correctly signed request is accepted.
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set(dispatcher.SignatureHeader, dispatcher.Sign("test-secret", []byte(body)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A bad signature is rejected.
	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set(dispatcher.SignatureHeader, "sha256=deadbeef")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookWithoutSecretAcceptsAnything(t *testing.T) {
	mux := newMux("", 0)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFlakyEndpointRecovers(t *testing.T) {
	mux := newMux("", 2)
	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/flaky", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{
		http.StatusServiceUnavailable,
		http.StatusServiceUnavailable,
		http.StatusOK,
		http.StatusOK,
	}, codes)
}
