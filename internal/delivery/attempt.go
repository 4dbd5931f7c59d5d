package delivery

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Attempt records one webhook POST to one endpoint. It is not persisted.
type Attempt struct {
	JobID      string        `json:"job_id"`
	EndpointID string        `json:"endpoint_id"`
	URL        string        `json:"url"`
	Signature  string        `json:"signature"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Latency    time.Duration `json:"latency"`
	OK         bool          `json:"ok"`
	Reason     string        `json:"reason,omitempty"` // see ClassifyReason
	Error      string        `json:"error,omitempty"`
}

// ClassifyReason buckets a failed delivery for metrics and logs.
func ClassifyReason(err error, status int) string {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "timeout"
		}
		errLower := strings.ToLower(err.Error())
		if strings.Contains(errLower, "timeout") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
