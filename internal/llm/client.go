// Package llm talks to an Ollama compatible AI backend.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/jiva_gateway/internal/config"
	"github.com/austindbirch/jiva_gateway/internal/logging"
	"github.com/austindbirch/jiva_gateway/internal/metrics"
	"github.com/austindbirch/jiva_gateway/internal/tracing"
)

// BackendError is returned when the backend answers with a non-2xx status.
type BackendError struct {
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("ai backend returned %d: %s", e.StatusCode, e.Body)
}

// GenerateRequest is the body of POST /generate. Metadata keys are merged
// into the top level of the JSON object after the core fields, so a caller
// can pick the model through metadata. Stream stays pinned: the client only
// reads single-object responses.
type GenerateRequest struct {
	Model      string
	Prompt     string
	Stream     bool
	Images     []string
	Categories []string
	Metadata   map[string]any
}

func (r GenerateRequest) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(r.Metadata)+5)
	body["model"] = r.Model
	body["prompt"] = r.Prompt
	if len(r.Images) > 0 {
		body["images"] = r.Images
	}
	if len(r.Categories) > 0 {
		body["categories"] = r.Categories
	}
	for k, v := range r.Metadata {
		body[k] = v
	}
	body["stream"] = r.Stream
	return json.Marshal(body)
}

// EffectiveModel is the model the backend will be asked for.
func (r GenerateRequest) EffectiveModel() string {
	if m, ok := r.Metadata["model"].(string); ok && m != "" {
		return m
	}
	return r.Model
}

type Model struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

// TagsResponse is the body of GET /tags.
type TagsResponse struct {
	Models []Model `json:"models"`
}

type Client struct {
	baseURL string
	model   string
	http    *http.Client
	logger  *logging.Logger
}

func New(cfg config.AI, logger *logging.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	model := cfg.Model
	if model == "" {
		model = "llama3"
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   model,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Model is the model name used when a request leaves it empty.
func (c *Client) Model() string { return c.model }

// Generate runs a non-streaming completion and returns the backend body as is.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (json.RawMessage, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	req.Stream = false

	ctx, span := tracing.StartSpan(ctx, "llm.generate",
		attribute.String("llm.model", req.EffectiveModel()),
		attribute.Int("llm.images", len(req.Images)),
	)
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}

	start := time.Now()
	raw, err := c.do(ctx, http.MethodPost, "/generate", body)
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordBackendCall("error", elapsed)
		tracing.SetSpanError(ctx, err)
		c.logger.WithContext(ctx).WithError(err).
			WithField("latency_ms", elapsed.Milliseconds()).Warn("ai backend call failed")
		return nil, err
	}
	metrics.RecordBackendCall("ok", elapsed)
	span.SetAttributes(attribute.Int64("llm.latency_ms", elapsed.Milliseconds()))

	if !json.Valid(raw) {
		return nil, fmt.Errorf("ai backend returned invalid json")
	}
	return raw, nil
}

// Tags lists the models the backend serves. Health checks use it as a probe.
func (c *Client) Tags(ctx context.Context) (*TagsResponse, error) {
	raw, err := c.do(ctx, http.MethodGet, "/tags", nil)
	if err != nil {
		return nil, err
	}
	var tags TagsResponse
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &tags, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ai backend %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ai backend response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &BackendError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// StripDataURI drops a "data:<mime>;base64," prefix, leaving bare base64.
func StripDataURI(image string) string {
	if !strings.HasPrefix(image, "data:") {
		return image
	}
	if i := strings.Index(image, ","); i >= 0 {
		return image[i+1:]
	}
	return image
}

// StripDataURIs applies StripDataURI to every image.
func StripDataURIs(images []string) []string {
	if len(images) == 0 {
		return images
	}
	out := make([]string, len(images))
	for i, img := range images {
		out[i] = StripDataURI(img)
	}
	return out
}
