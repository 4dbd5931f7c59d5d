package delivery

import (
	"encoding/json"
	"time"
)

const DLQType = "job.dlq"

// JobSnapshot is the part of a job carried in a dead letter.
type JobSnapshot struct {
	ID       string            `json:"id"`
	Queue    string            `json:"queue"`
	Type     string            `json:"type"`
	ClientID string            `json:"client_id,omitempty"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Trace    map[string]string `json:"trace,omitempty"`
}

type DeadLetter struct {
	Type      string      `json:"type"`    // "job.dlq"
	Version   string      `json:"version"` // schema version
	At        string      `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason    string      `json:"reason"`  // max_attempts or unrecoverable
	Attempt   int         `json:"attempt"` // attempt count when DLQ'd
	LastError string      `json:"last_error,omitempty"`
	Job       JobSnapshot `json:"job"`
}

func NewDeadLetter(job JobSnapshot, attempt int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().UTC().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempt:   attempt,
		LastError: lastErr,
		Job:       job,
	}
}
