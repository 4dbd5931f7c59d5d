package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// QueueLLM carries every AI backend job.
const QueueLLM = "jiva-ai-llm"

var (
	ErrQueueNotFound = errors.New("queue not found")
	ErrJobNotFound   = errors.New("job not found")
	// ErrUnavailable wraps Redis or NSQ failures at enqueue time.
	ErrUnavailable = errors.New("queue unavailable")
	// ErrUnrecoverable marks handler errors that must not be retried.
	ErrUnrecoverable = errors.New("unrecoverable")
)

// Unrecoverable wraps err so the worker fails the job without further attempts.
func Unrecoverable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnrecoverable, err)
}

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is the record kept in Redis for the lifetime of a job.
type Job struct {
	ID               string            `json:"id"`
	Queue            string            `json:"queue"`
	Type             string            `json:"type"`
	Payload          json.RawMessage   `json:"payload"`
	State            State             `json:"state"`
	Attempt          int               `json:"attempt"`
	MaxAttempts      int               `json:"maxAttempts"`
	BackoffMS        int64             `json:"backoffMs"`
	RemoveOnComplete bool              `json:"removeOnComplete,omitempty"`
	Result           json.RawMessage   `json:"result,omitempty"`
	LastError        string            `json:"lastError,omitempty"`
	Trace            map[string]string `json:"trace,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	FinishedAt       *time.Time        `json:"finishedAt,omitempty"`
}

// Backoff is the base retry delay of the job.
func (j *Job) Backoff() time.Duration {
	return time.Duration(j.BackoffMS) * time.Millisecond
}

// AttemptsLeft reports whether another attempt is allowed after the current one.
func (j *Job) AttemptsLeft() bool {
	return j.Attempt < j.MaxAttempts
}

// Options tune a single enqueue. Zero values fall back to the registry policy.
type Options struct {
	// ID makes re-submission idempotent: an existing job with this id is returned as is.
	ID string
	// Dedupe derives ID from the job type and payload when ID is empty.
	Dedupe           bool
	RemoveOnComplete bool
	Attempts         int
	Backoff          time.Duration
}

// DedupeID is the deterministic id used when Options.Dedupe is set.
func DedupeID(jobType string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// message is the NSQ body; the job itself stays in Redis.
type message struct {
	Queue string `json:"queue"`
	ID    string `json:"id"`
}
