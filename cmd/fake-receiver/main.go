package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/austindbirch/jiva_gateway/internal/config"
	"github.com/austindbirch/jiva_gateway/internal/logging"
	"github.com/austindbirch/jiva_gateway/internal/webhook"
)

var reqCount atomic.Int64

// receivedEvent is the subset of a job completion event the receiver logs.
type receivedEvent struct {
	JobID string `json:"jobId"`
	Type  string `json:"type"`
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("fake-receiver")
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.Plain().WithError(err).Warn("invalid LOG_LEVEL, keeping info")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) {
		handleHook(w, r, cfg, logger)
	})

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      mux,
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": cfg.FakeReceiver.FailFirstN,
		"verify":       cfg.FakeReceiver.EndpointSecret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func handleHook(w http.ResponseWriter, r *http.Request, cfg config.Config, logger *logging.Logger) {
	n := reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	fr := cfg.FakeReceiver
	if fr.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(fr.ResponseDelayMS) * time.Millisecond)
	}

	if fr.EndpointSecret != "" {
		sig := r.Header.Get(cfg.Webhook.SignatureHeader)
		if sig == "" {
			logger.Plain().Warn("missing signature header")
			http.Error(w, "invalid signature: missing header", http.StatusUnauthorized)
			return
		}
		if !webhook.Verify(fr.EndpointSecret, b, sig) {
			logger.Plain().Warn("signature mismatch")
			http.Error(w, "invalid signature: mismatch", http.StatusUnauthorized)
			return
		}
	}

	var ev receivedEvent
	_ = json.Unmarshal(b, &ev)
	entry := logger.Plain().WithJob(ev.JobID).WithFields(map[string]any{
		"request":         n,
		"idempotency_key": r.Header.Get(cfg.Webhook.IdempotencyHeader),
		"body":            truncate(string(b), 160),
	})

	// Simulate flakiness: first N requests -> 500
	if n <= int64(fr.FailFirstN) {
		entry.Warnf("FAILING (%d/%d)", n, fr.FailFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	entry.Info("fake-receiver OK")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
