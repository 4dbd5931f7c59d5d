package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/jiva_gateway/internal/logging"
	"github.com/austindbirch/jiva_gateway/internal/metrics"
	"github.com/austindbirch/jiva_gateway/internal/tracing"
)

// Handler runs one attempt of a job. The returned result is stored on the
// job record when the attempt succeeds.
type Handler interface {
	Process(ctx context.Context, job *Job) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, job *Job) (json.RawMessage, error)

func (f HandlerFunc) Process(ctx context.Context, job *Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// WorkerOptions configure the NSQ side of a worker.
type WorkerOptions struct {
	Channel     string
	Concurrency int
	NsqdAddr    string // connecting directly creates the channel eagerly
	LookupdAddr string
}

// Worker consumes one queue with a fixed number of concurrent slots.
type Worker struct {
	registry *Registry
	queue    string
	handler  Handler
	opts     WorkerOptions
	logger   *logging.Logger
	consumer *nsq.Consumer
}

// outcome tells the NSQ handler how to respond to the message.
type outcome struct {
	requeue bool
	delay   time.Duration
}

// NewWorker binds handler to a registered queue. The registry stops the
// worker on Close.
func (r *Registry) NewWorker(queueName string, handler Handler, opts WorkerOptions) (*Worker, error) {
	if _, err := r.lookup(queueName); err != nil {
		return nil, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Channel == "" {
		opts.Channel = "workers"
	}
	w := &Worker{
		registry: r,
		queue:    queueName,
		handler:  handler,
		opts:     opts,
		logger:   r.logger,
	}
	r.mu.Lock()
	r.workers = append(r.workers, w)
	r.mu.Unlock()
	return w, nil
}

// Start subscribes to the queue topic and begins processing.
func (w *Worker) Start() error {
	conf := nsq.NewConfig()
	conf.MaxInFlight = w.opts.Concurrency
	// Attempts are counted on the job record; nsq must not finish messages on its own.
	conf.MaxAttempts = 0
	consumer, err := nsq.NewConsumer(w.queue, w.opts.Channel, conf)
	if err != nil {
		return fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLogger(w.logger.StdLogger(logging.LevelWarn, "nsq "), nsq.LogLevelWarning)
	consumer.AddConcurrentHandlers(nsq.HandlerFunc(w.handleMessage), w.opts.Concurrency)

	if w.opts.NsqdAddr != "" {
		if err := consumer.ConnectToNSQD(w.opts.NsqdAddr); err != nil {
			return fmt.Errorf("connect to nsqd: %w", err)
		}
	}
	if w.opts.LookupdAddr != "" {
		if err := consumer.ConnectToNSQLookupd(w.opts.LookupdAddr); err != nil {
			return fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	w.consumer = consumer
	w.logger.Plain().WithQueue(w.queue).
		WithFields(map[string]any{"channel": w.opts.Channel, "concurrency": w.opts.Concurrency}).
		Info("worker started")
	return nil
}

// Stop drains in-flight handlers.
func (w *Worker) Stop() {
	if w.consumer == nil {
		return
	}
	w.consumer.Stop()
	<-w.consumer.StopChan
	w.logger.Plain().WithQueue(w.queue).Info("worker stopped")
}

// touchInterval keeps long backend calls from hitting nsqd's message timeout.
const touchInterval = 30 * time.Second

func (w *Worker) handleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()

	done := make(chan struct{})
	go func() {
		t := time.NewTicker(touchInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				m.Touch()
			}
		}
	}()
	out := w.process(context.Background(), m.Body)
	close(done)

	if out.requeue {
		m.RequeueWithoutBackoff(out.delay)
		return nil
	}
	m.Finish()
	return nil
}

// process runs one delivery of a job message through the state machine.
func (w *Worker) process(ctx context.Context, body []byte) outcome {
	r := w.registry

	var ref message
	if err := json.Unmarshal(body, &ref); err != nil || ref.ID == "" {
		w.logger.Plain().WithQueue(w.queue).WithError(err).Error("bad job message")
		return outcome{}
	}

	job, err := r.store.load(ctx, w.queue, ref.ID)
	if errors.Is(err, ErrJobNotFound) {
		w.logger.Plain().WithQueue(w.queue).WithJob(ref.ID).Warn("job record missing, dropping message")
		return outcome{}
	}
	if err != nil {
		w.logger.Plain().WithQueue(w.queue).WithJob(ref.ID).WithError(err).Error("load job failed")
		return outcome{requeue: true, delay: r.policy.BackoffDelay}
	}
	if job.State.Terminal() {
		return outcome{}
	}

	ctx = tracing.ExtractTrace(ctx, job.Trace)
	ctx, span := tracing.StartSpan(ctx, "worker.job",
		tracing.AttrQueue.String(job.Queue),
		tracing.AttrJobID.String(job.ID),
		tracing.AttrJobType.String(job.Type),
		tracing.AttrAttempt.Int(job.Attempt+1),
	)
	defer span.End()

	job.State = StateActive
	job.Attempt++
	job.UpdatedAt = time.Now().UTC()
	if err := r.store.save(ctx, job); err != nil {
		tracing.SetSpanError(ctx, err)
		w.logger.WithContext(ctx).WithQueue(w.queue).WithJob(job.ID).WithError(err).Error("mark job active failed")
		return outcome{requeue: true, delay: r.policy.BackoffDelay}
	}

	start := time.Now()
	result, herr := w.handler.Process(ctx, job)
	elapsed := time.Since(start)

	if herr == nil {
		now := time.Now().UTC()
		job.State = StateCompleted
		job.Result = result
		job.LastError = ""
		job.UpdatedAt = now
		job.FinishedAt = &now
		if err := r.store.finish(ctx, job, r.policy.Retention); err != nil {
			// The record would stay active with no expiry; a redelivery runs the job again.
			tracing.SetSpanError(ctx, err)
			w.logger.WithContext(ctx).WithQueue(w.queue).WithJob(job.ID).WithError(err).Error("persist completed job failed, requeueing")
			return outcome{requeue: true, delay: r.policy.BackoffDelay}
		}
		metrics.RecordJob(w.queue, "completed", elapsed)
		tracing.AddSpanEvent(ctx, "job.completed")
		w.logger.WithContext(ctx).WithQueue(w.queue).WithJob(job.ID).
			WithField("duration_ms", elapsed.Milliseconds()).Info("job completed")
		return outcome{}
	}

	tracing.SetSpanError(ctx, herr)
	job.LastError = herr.Error()
	job.UpdatedAt = time.Now().UTC()

	if job.AttemptsLeft() && !errors.Is(herr, ErrUnrecoverable) {
		job.State = StateDelayed
		if err := r.store.save(ctx, job); err != nil {
			w.logger.WithContext(ctx).WithQueue(w.queue).WithJob(job.ID).WithError(err).Error("mark job delayed failed")
		}
		delay := BackoffDelay(job.Backoff(), job.Attempt)
		metrics.RecordJob(w.queue, "retry", elapsed)
		metrics.RecordRetry(w.queue)
		tracing.AddSpanEvent(ctx, "job.requeue",
			attribute.Int("attempt", job.Attempt),
			attribute.String("delay", delay.String()),
		)
		w.logger.WithContext(ctx).WithQueue(w.queue).WithJob(job.ID).WithError(herr).
			WithFields(map[string]any{"attempt": job.Attempt, "delay": delay.String()}).
			Warn("job attempt failed, retrying")
		return outcome{requeue: true, delay: delay}
	}

	now := time.Now().UTC()
	job.State = StateFailed
	job.FinishedAt = &now
	if err := r.store.finish(ctx, job, r.policy.Retention); err != nil {
		w.logger.WithContext(ctx).WithQueue(w.queue).WithJob(job.ID).WithError(err).Error("persist failed job failed, requeueing")
		return outcome{requeue: true, delay: r.policy.BackoffDelay}
	}
	metrics.RecordJob(w.queue, "failed", elapsed)
	span.SetAttributes(attribute.String("job.final_state", string(StateFailed)))
	r.terminalFailure(ctx, job, herr)
	return outcome{}
}
