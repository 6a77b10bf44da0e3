// Command mockserver is a local webhook receiver for exercising the
// delivery pipeline: it verifies signatures, logs every delivery, and
// exposes a flaky endpoint for testing retries and the circuit breaker.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/contexhq/contex/pkg/dispatcher"
)

var (
	addr          = flag.String("addr", ":8081", "Listen address")
	secret        = flag.String("secret", "", "Webhook secret for signature verification")
	flakyFailures = flag.Int64("flaky-failures", 3, "Number of requests /flaky rejects before succeeding")
)

func main() {
	flag.Parse()
	log.Printf("Starting mock webhook receiver on %s", *addr)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      newMux(*secret, *flakyFailures),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func newMux(secret string, flakyFailures int64) http.Handler {
	mux := http.NewServeMux()
	var flakyCount atomic.Int64

	mux.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		sig := r.Header.Get(dispatcher.SignatureHeader)
		verified := secret == "" || dispatcher.VerifySignature(secret, body, sig)
		log.Printf("Delivery %s: event=%s verified=%v bytes=%d",
			r.Header.Get(dispatcher.DeliveryHeader),
			r.Header.Get(dispatcher.EventHeader),
			verified, len(body))

		if !verified {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "received",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	// Fails the first N requests, then recovers. Useful for watching the
	// retry policy and circuit breaker from the sending side.
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		n := flakyCount.Add(1)
		if n <= flakyFailures {
			log.Printf("Flaky request %d: rejecting", n)
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		log.Printf("Flaky request %d: accepting", n)
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok"})
	})
	return mux
}
