package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/jiva_gateway/internal/config"
	"github.com/austindbirch/jiva_gateway/internal/delivery"
	"github.com/austindbirch/jiva_gateway/internal/logging"
	"github.com/austindbirch/jiva_gateway/internal/metrics"
	"github.com/austindbirch/jiva_gateway/internal/tracing"
)

// Endpoint is an active webhook registration of a tenant.
type Endpoint struct {
	ID       string
	ClientID string
	URL      string
	Secret   string
}

// EndpointSource lists the active endpoints of a tenant.
type EndpointSource interface {
	ActiveEndpoints(ctx context.Context, clientID string) ([]Endpoint, error)
}

// Event is the body posted to every endpoint once a job completes.
type Event struct {
	JobID       string          `json:"jobId"`
	Type        string          `json:"type"`
	Result      json.RawMessage `json:"result"`
	CompletedAt time.Time       `json:"completedAt"`
}

type Dispatcher struct {
	source      EndpointSource
	client      *http.Client
	sigHeader   string
	idemHeader  string
	concurrency int
	logger      *logging.Logger
}

func NewDispatcher(source EndpointSource, cfg config.Webhook, logger *logging.Logger) *Dispatcher {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "x-jiva-signature"
	}
	if cfg.IdempotencyHeader == "" {
		cfg.IdempotencyHeader = "x-jiva-idempotency-key"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		source:      source,
		client:      &http.Client{Timeout: cfg.Timeout},
		sigHeader:   cfg.SignatureHeader,
		idemHeader:  cfg.IdempotencyHeader,
		concurrency: cfg.Concurrency,
		logger:      logger,
	}
}

// Dispatch posts ev to every active endpoint of clientID. Failures are
// isolated per endpoint and reported in the returned attempts, never retried.
func (d *Dispatcher) Dispatch(ctx context.Context, clientID string, ev Event) []delivery.Attempt {
	endpoints, err := d.source.ActiveEndpoints(ctx, clientID)
	if err != nil {
		d.logger.WithContext(ctx).WithTenant(clientID).WithJob(ev.JobID).WithError(err).
			Error("endpoint lookup failed, skipping webhooks")
		return nil
	}
	if len(endpoints) == 0 {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.WithContext(ctx).WithJob(ev.JobID).WithError(err).Error("encode webhook payload failed")
		return nil
	}

	attempts := make([]delivery.Attempt, len(endpoints))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, ep := range endpoints {
		g.Go(func() error {
			attempts[i] = d.send(ctx, ep, ev.JobID, body)
			return nil
		})
	}
	_ = g.Wait()
	return attempts
}

func (d *Dispatcher) send(ctx context.Context, ep Endpoint, jobID string, body []byte) delivery.Attempt {
	ctx, span := tracing.StartSpan(ctx, "webhook.deliver",
		tracing.AttrClientID.String(ep.ClientID),
		tracing.AttrEndpoint.String(ep.ID),
		tracing.AttrJobID.String(jobID),
		attribute.String("endpoint_url", ep.URL),
	)
	defer span.End()

	sig := Sign(ep.Secret, body)
	att := delivery.Attempt{JobID: jobID, EndpointID: ep.ID, URL: ep.URL, Signature: sig}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		att.Reason = "other"
		att.Error = err.Error()
		d.fail(ctx, ep, att)
		return att
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(d.sigHeader, sig)
	req.Header.Set(d.idemHeader, jobID)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	start := time.Now()
	resp, doErr := d.client.Do(req)
	att.Latency = time.Since(start)
	if doErr == nil {
		att.HTTPStatus = resp.StatusCode
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	span.SetAttributes(
		attribute.Int("http.status_code", att.HTTPStatus),
		attribute.Int64("http.latency_ms", att.Latency.Milliseconds()),
	)

	if doErr == nil && att.HTTPStatus >= 200 && att.HTTPStatus < 300 {
		att.OK = true
		metrics.RecordWebhook("delivered", "", att.Latency)
		tracing.AddSpanEvent(ctx, "webhook.delivered")
		d.logger.WithContext(ctx).WithTenant(ep.ClientID).WithEndpoint(ep.ID).WithJob(jobID).
			WithField("http_status", att.HTTPStatus).Debug("webhook delivered")
		return att
	}

	att.Reason = delivery.ClassifyReason(doErr, att.HTTPStatus)
	if doErr != nil {
		att.Error = doErr.Error()
		tracing.SetSpanError(ctx, doErr)
	}
	d.fail(ctx, ep, att)
	return att
}

func (d *Dispatcher) fail(ctx context.Context, ep Endpoint, att delivery.Attempt) {
	metrics.RecordWebhook("failed", att.Reason, att.Latency)
	tracing.AddSpanEvent(ctx, "webhook.failed", attribute.String("failure_reason", att.Reason))
	d.logger.WithContext(ctx).WithTenant(ep.ClientID).WithEndpoint(ep.ID).WithJob(att.JobID).
		WithFields(map[string]any{
			"url":         ep.URL,
			"http_status": att.HTTPStatus,
			"reason":      att.Reason,
			"error":       att.Error,
		}).Warn("webhook delivery failed")
}
