// Package queue implements named job queues: job records live in Redis,
// hand-off to workers goes through one NSQ topic per queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/jiva_gateway/internal/config"
	"github.com/austindbirch/jiva_gateway/internal/delivery"
	"github.com/austindbirch/jiva_gateway/internal/logging"
	"github.com/austindbirch/jiva_gateway/internal/metrics"
	"github.com/austindbirch/jiva_gateway/internal/tracing"
)

// Publisher is the part of *nsq.Producer the registry uses.
type Publisher interface {
	Publish(topic string, body []byte) error
	Stop()
}

// Policy holds the defaults applied to every job and the terminal failure behaviour.
type Policy struct {
	Attempts     int
	BackoffDelay time.Duration
	Retention    Retention
	PublishDLQ   bool
	DLQTopic     string
}

// PolicyFromConfig maps the env-driven queue settings onto a Policy.
func PolicyFromConfig(q config.Queue, n config.NSQ) Policy {
	return Policy{
		Attempts:     q.Attempts,
		BackoffDelay: q.BackoffDelay,
		Retention: Retention{
			CompletedAge:   q.CompletedAge,
			CompletedCount: q.CompletedCount,
			FailedAge:      q.FailedAge,
		},
		PublishDLQ: q.PublishDLQ,
		DLQTopic:   n.DLQTopic,
	}
}

// Queue is a registered queue name. Its NSQ topic carries the same name.
type Queue struct {
	name string
}

func (q *Queue) Name() string { return q.name }

// Registry owns every queue, worker and the broker publisher of a process.
type Registry struct {
	mu      sync.Mutex
	queues  map[string]*Queue
	workers []*Worker
	closed  bool

	store  *store
	rdb    redis.UniversalClient
	pub    Publisher
	policy Policy
	logger *logging.Logger
}

func NewRegistry(rdb redis.UniversalClient, keyPrefix string, pub Publisher, policy Policy, logger *logging.Logger) *Registry {
	if policy.Attempts <= 0 {
		policy.Attempts = 3
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{
		queues: make(map[string]*Queue),
		store:  &store{rdb: rdb, prefix: keyPrefix},
		rdb:    rdb,
		pub:    pub,
		policy: policy,
		logger: logger,
	}
}

// RegisterQueue is idempotent; registering a known name logs a warning and
// returns the existing queue.
func (r *Registry) RegisterQueue(name string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[name]; ok {
		r.logger.Plain().WithQueue(name).Warn("queue already registered")
		return q
	}
	q := &Queue{name: name}
	r.queues[name] = q
	r.logger.Plain().WithQueue(name).Info("queue registered")
	return q
}

func (r *Registry) lookup(name string) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q, nil
}

// Enqueue records the job and hands it to the broker before returning.
// A job whose id already exists is returned unchanged and not re-published.
func (r *Registry) Enqueue(ctx context.Context, queueName, jobType string, payload any, opts *Options) (*Job, error) {
	q, err := r.lookup(queueName)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	id := opts.ID
	if id == "" && opts.Dedupe {
		id = DedupeID(jobType, raw)
	}
	if id == "" {
		id = uuid.NewString()
	}

	ctx, span := tracing.StartSpan(ctx, "queue.enqueue",
		tracing.AttrQueue.String(q.name),
		tracing.AttrJobType.String(jobType),
		tracing.AttrJobID.String(id),
	)
	defer span.End()

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = r.policy.Attempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = r.policy.BackoffDelay
	}

	now := time.Now().UTC()
	job := &Job{
		ID:               id,
		Queue:            q.name,
		Type:             jobType,
		Payload:          raw,
		State:            StateWaiting,
		MaxAttempts:      attempts,
		BackoffMS:        backoff.Milliseconds(),
		RemoveOnComplete: opts.RemoveOnComplete,
		Trace:            tracing.InjectTrace(ctx),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	created, err := r.store.create(ctx, job)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("%w: store job: %w", ErrUnavailable, err)
	}
	if !created {
		existing, err := r.store.load(ctx, q.name, id)
		if err != nil {
			return nil, fmt.Errorf("%w: load existing job: %w", ErrUnavailable, err)
		}
		tracing.AddSpanEvent(ctx, "queue.duplicate")
		r.logger.WithContext(ctx).WithQueue(q.name).WithJob(id).Info("job already exists, skipping publish")
		return existing, nil
	}

	body, _ := json.Marshal(message{Queue: q.name, ID: id})
	if err := r.pub.Publish(q.name, body); err != nil {
		tracing.SetSpanError(ctx, err)
		if delErr := r.store.remove(ctx, q.name, id); delErr != nil {
			r.logger.WithContext(ctx).WithQueue(q.name).WithJob(id).WithError(delErr).Error("rollback of unpublished job failed")
		}
		return nil, fmt.Errorf("%w: publish: %w", ErrUnavailable, err)
	}

	metrics.RecordEnqueue(q.name, jobType)
	r.logger.WithContext(ctx).WithQueue(q.name).WithJob(id).WithField("type", jobType).Debug("job enqueued")
	return job, nil
}

// GetJob loads a job record. Jobs removed on completion or past retention
// return ErrJobNotFound.
func (r *Registry) GetJob(ctx context.Context, queueName, id string) (*Job, error) {
	if _, err := r.lookup(queueName); err != nil {
		return nil, err
	}
	return r.store.load(ctx, queueName, id)
}

// ListJobs returns the most recent completed or failed jobs of a queue.
func (r *Registry) ListJobs(ctx context.Context, queueName string, state State, limit int) ([]*Job, error) {
	if _, err := r.lookup(queueName); err != nil {
		return nil, err
	}
	return r.store.list(ctx, queueName, state, limit)
}

// Ping checks the Redis side of the queue.
func (r *Registry) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Retry puts a failed job back on its queue with a fresh attempt budget.
func (r *Registry) Retry(ctx context.Context, queueName, id string) (*Job, error) {
	if _, err := r.lookup(queueName); err != nil {
		return nil, err
	}
	job, err := r.store.load(ctx, queueName, id)
	if err != nil {
		return nil, err
	}
	if job.State != StateFailed {
		return nil, fmt.Errorf("job %s is %s, only failed jobs can be retried", id, job.State)
	}
	job.State = StateWaiting
	job.Attempt = 0
	job.LastError = ""
	job.FinishedAt = nil
	job.UpdatedAt = time.Now().UTC()
	if err := r.store.revive(ctx, job); err != nil {
		return nil, fmt.Errorf("%w: store job: %w", ErrUnavailable, err)
	}
	body, _ := json.Marshal(message{Queue: queueName, ID: id})
	if err := r.pub.Publish(queueName, body); err != nil {
		return nil, fmt.Errorf("%w: publish: %w", ErrUnavailable, err)
	}
	r.logger.WithContext(ctx).WithQueue(queueName).WithJob(id).Info("failed job resubmitted")
	return job, nil
}

// terminalFailure is the hook run once a job can no longer be retried.
func (r *Registry) terminalFailure(ctx context.Context, job *Job, cause error) {
	reason := "max_attempts"
	if errors.Is(cause, ErrUnrecoverable) {
		reason = "unrecoverable"
	}
	metrics.RecordDLQ(job.Queue, reason)
	r.logger.WithContext(ctx).WithQueue(job.Queue).WithJob(job.ID).WithError(cause).
		WithFields(map[string]any{"attempt": job.Attempt, "reason": reason}).
		Error("job failed permanently")

	if !r.policy.PublishDLQ || r.policy.DLQTopic == "" {
		return
	}
	var meta struct {
		ClientID string `json:"clientId"`
	}
	_ = json.Unmarshal(job.Payload, &meta)
	dl := delivery.NewDeadLetter(delivery.JobSnapshot{
		ID:       job.ID,
		Queue:    job.Queue,
		Type:     job.Type,
		ClientID: meta.ClientID,
		Payload:  job.Payload,
		Trace:    job.Trace,
	}, job.Attempt, job.LastError, reason)
	b, _ := json.Marshal(dl)
	if err := r.pub.Publish(r.policy.DLQTopic, b); err != nil {
		r.logger.WithContext(ctx).WithJob(job.ID).WithError(err).Error("dlq publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", r.policy.DLQTopic))
}

// Close stops every worker, waiting for in-flight jobs, then the publisher
// and the Redis client. It is safe to call more than once.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	workers := r.workers
	r.workers = nil
	r.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	if r.pub != nil {
		r.pub.Stop()
	}
	return r.rdb.Close()
}
