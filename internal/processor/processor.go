// Package processor runs AI generation jobs taken off the queue.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/jiva_gateway/internal/delivery"
	"github.com/austindbirch/jiva_gateway/internal/llm"
	"github.com/austindbirch/jiva_gateway/internal/logging"
	"github.com/austindbirch/jiva_gateway/internal/queue"
	"github.com/austindbirch/jiva_gateway/internal/tracing"
	"github.com/austindbirch/jiva_gateway/internal/webhook"
)

const JobTypeGenerate = "llm-generate"

// Payload is the job body of JobTypeGenerate.
type Payload struct {
	Prompt     string         `json:"prompt"`
	Images     []string       `json:"images,omitempty"`
	Categories []string       `json:"categories,omitempty"`
	ClientID   string         `json:"clientId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Generator is the backend call the processor needs.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (json.RawMessage, error)
}

// Notifier fans a completed job out to the tenant's webhooks.
type Notifier interface {
	Dispatch(ctx context.Context, clientID string, ev webhook.Event) []delivery.Attempt
}

type Processor struct {
	llm      Generator
	notifier Notifier
	logger   *logging.Logger
}

func New(gen Generator, notifier Notifier, logger *logging.Logger) *Processor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Processor{llm: gen, notifier: notifier, logger: logger}
}

var _ queue.Handler = (*Processor)(nil)

// Process runs one attempt of a job. Unknown job types succeed without doing
// anything. Backend errors are returned so the worker applies its retry policy.
func (p *Processor) Process(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	if job.Type != JobTypeGenerate {
		p.logger.WithContext(ctx).WithJob(job.ID).WithField("type", job.Type).Debug("ignoring unknown job type")
		return nil, nil
	}

	var pl Payload
	if err := json.Unmarshal(job.Payload, &pl); err != nil {
		return nil, queue.Unrecoverable(fmt.Errorf("decode payload: %w", err))
	}
	if pl.Prompt == "" {
		return nil, queue.Unrecoverable(fmt.Errorf("payload has no prompt"))
	}

	ctx, span := tracing.StartSpan(ctx, "processor.generate",
		tracing.AttrJobID.String(job.ID),
		tracing.AttrClientID.String(pl.ClientID),
		attribute.Int("images", len(pl.Images)),
	)
	defer span.End()

	log := p.logger.WithContext(ctx).WithJob(job.ID).WithTenant(pl.ClientID)
	log.WithField("attempt", job.Attempt).Info("processing generation job")

	result, err := p.llm.Generate(ctx, llm.GenerateRequest{
		Prompt:     pl.Prompt,
		Images:     llm.StripDataURIs(pl.Images),
		Categories: pl.Categories,
		Metadata:   pl.Metadata,
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("generate: %w", err)
	}

	if pl.ClientID != "" && p.notifier != nil {
		attempts := p.notifier.Dispatch(ctx, pl.ClientID, webhook.Event{
			JobID:       job.ID,
			Type:        job.Type,
			Result:      result,
			CompletedAt: time.Now().UTC(),
		})
		ok := 0
		for _, a := range attempts {
			if a.OK {
				ok++
			}
		}
		span.SetAttributes(attribute.Int("webhooks.sent", len(attempts)), attribute.Int("webhooks.ok", ok))
		if len(attempts) > 0 {
			log.WithFields(map[string]any{"webhooks": len(attempts), "delivered": ok}).Info("webhooks dispatched")
		}
	}
	return result, nil
}
