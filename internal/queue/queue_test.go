package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/jiva_gateway/internal/delivery"
)

type published struct {
	topic string
	body  []byte
}

type recordingPublisher struct {
	mu      sync.Mutex
	msgs    []published
	err     error
	stopped bool
}

func (p *recordingPublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, body: append([]byte(nil), body...)})
	return nil
}

func (p *recordingPublisher) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

func (p *recordingPublisher) onTopic(topic string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func defaultPolicy() Policy {
	return Policy{
		Attempts:     3,
		BackoffDelay: 5 * time.Second,
		Retention: Retention{
			CompletedAge:   24 * time.Hour,
			CompletedCount: 1000,
			FailedAge:      7 * 24 * time.Hour,
		},
		DLQTopic: "jobs_dlq",
	}
}

func newTestRegistry(t *testing.T, policy Policy) (*Registry, *recordingPublisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pub := &recordingPublisher{}
	reg := NewRegistry(rdb, "jiva-ai:", pub, policy, nil)
	t.Cleanup(func() { _ = reg.Close() })
	reg.RegisterQueue(QueueLLM)
	return reg, pub, mr
}

type generatePayload struct {
	Prompt   string `json:"prompt"`
	ClientID string `json:"clientId,omitempty"`
}

func TestRegisterQueueIdempotent(t *testing.T) {
	reg, _, _ := newTestRegistry(t, defaultPolicy())

	a := reg.RegisterQueue("reports")
	b := reg.RegisterQueue("reports")
	if a != b {
		t.Error("second registration should return the existing queue")
	}
	if a.Name() != "reports" {
		t.Errorf("Name() = %q", a.Name())
	}
}

func TestEnqueueUnknownQueue(t *testing.T) {
	reg, pub, _ := newTestRegistry(t, defaultPolicy())

	_, err := reg.Enqueue(context.Background(), "nope", "llm-generate", generatePayload{Prompt: "x"}, nil)
	if !errors.Is(err, ErrQueueNotFound) {
		t.Fatalf("Enqueue() err = %v, want ErrQueueNotFound", err)
	}
	if len(pub.msgs) != 0 {
		t.Error("nothing should be published for an unknown queue")
	}
}

func TestEnqueueDefaults(t *testing.T) {
	reg, pub, mr := newTestRegistry(t, defaultPolicy())
	ctx := context.Background()

	job, err := reg.Enqueue(ctx, QueueLLM, "llm-generate", generatePayload{Prompt: "hello"}, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected generated id")
	}
	if job.State != StateWaiting || job.MaxAttempts != 3 || job.Backoff() != 5*time.Second {
		t.Errorf("job = %+v", job)
	}
	if !mr.Exists("jiva-ai:queue:jiva-ai-llm:job:" + job.ID) {
		t.Error("job record not written")
	}

	msgs := pub.onTopic(QueueLLM)
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	var ref message
	if err := json.Unmarshal(msgs[0].body, &ref); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if ref.ID != job.ID || ref.Queue != QueueLLM {
		t.Errorf("message = %+v", ref)
	}
}

func TestEnqueueWithIDIsIdempotent(t *testing.T) {
	reg, pub, _ := newTestRegistry(t, defaultPolicy())
	ctx := context.Background()

	first, err := reg.Enqueue(ctx, QueueLLM, "llm-generate", generatePayload{Prompt: "a"}, &Options{ID: "fixed-1"})
	if err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	second, err := reg.Enqueue(ctx, QueueLLM, "llm-generate", generatePayload{Prompt: "b"}, &Options{ID: "fixed-1"})
	if err != nil {
		t.Fatalf("second Enqueue() error = %v", err)
	}
	if second.ID != first.ID || string(second.Payload) != string(first.Payload) {
		t.Errorf("resubmission returned %+v, want original", second)
	}
	if n := len(pub.onTopic(QueueLLM)); n != 1 {
		t.Errorf("published %d messages, want 1", n)
	}
}

func TestEnqueueDedupe(t *testing.T) {
	reg, pub, _ := newTestRegistry(t, defaultPolicy())
	ctx := context.Background()

	a, _ := reg.Enqueue(ctx, QueueLLM, "llm-generate", generatePayload{Prompt: "same"}, &Options{Dedupe: true})
	b, _ := reg.Enqueue(ctx, QueueLLM, "llm-generate", generatePayload{Prompt: "same"}, &Options{Dedupe: true})
	c, _ := reg.Enqueue(ctx, QueueLLM, "llm-generate", generatePayload{Prompt: "other"}, &Options{Dedupe: true})

	if a.ID != b.ID {
		t.Errorf("dedupe ids differ: %s vs %s", a.ID, b.ID)
	}
	if a.ID == c.ID {
		t.Error("different payloads should not share an id")
	}
	if n := len(pub.onTopic(QueueLLM)); n != 2 {
		t.Errorf("published %d messages, want 2", n)
	}
}

func TestEnqueuePublishFailureRollsBack(t *testing.T) {
	reg, pub, mr := newTestRegistry(t, defaultPolicy())
	pub.err = errors.New("nsqd: connection refused")

	_, err := reg.Enqueue(context.Background(), QueueLLM, "llm-generate", generatePayload{Prompt: "x"}, &Options{ID: "job-x"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Enqueue() err = %v, want ErrUnavailable", err)
	}
	if mr.Exists("jiva-ai:queue:jiva-ai-llm:job:job-x") {
		t.Error("job record should be rolled back after publish failure")
	}
}

func TestEnqueueRedisDown(t *testing.T) {
	reg, _, mr := newTestRegistry(t, defaultPolicy())
	mr.Close()

	_, err := reg.Enqueue(context.Background(), QueueLLM, "llm-generate", generatePayload{Prompt: "x"}, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Enqueue() err = %v, want ErrUnavailable", err)
	}
}

func TestRemoveOnCompleteLifecycle(t *testing.T) {
	reg, pub, _ := newTestRegistry(t, defaultPolicy())
	ctx := context.Background()

	job, err := reg.Enqueue(ctx, QueueLLM, "llm-generate", generatePayload{Prompt: "x"}, &Options{ID: "det-1", RemoveOnComplete: true})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got, err := reg.GetJob(ctx, QueueLLM, "det-1")
	if err != nil {
		t.Fatalf("GetJob() before completion error = %v", err)
	}
	if got.ID != job.ID || got.State != StateWaiting {
		t.Errorf("GetJob() = %+v", got)
	}

	w, err := reg.NewWorker(QueueLLM, HandlerFunc(func(ctx context.Context, job *Job) (json.RawMessage, error) {
		return json.RawMessage(`{"response":"ok"}`), nil
	}), WorkerOptions{Concurrency: 1})
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}

	out := w.process(ctx, pub.onTopic(QueueLLM)[0].body)
	if out.requeue {
		t.Fatalf("outcome = %+v, want finish", out)
	}

	if _, err := reg.GetJob(ctx, QueueLLM, "det-1"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("GetJob() after completion err = %v, want ErrJobNotFound", err)
	}
}

func TestWorkerCompletesAndStoresResult(t *testing.T) {
	reg, pub, mr := newTestRegistry(t, defaultPolicy())
	ctx := context.Background()

	_, _ = reg.Enqueue(ctx, QueueLLM, "llm-generate", generatePayload{Prompt: "x"}, &Options{ID: "keep-1"})
	w, _ := reg.NewWorker(QueueLLM, HandlerFunc(func(ctx context.Context, job *Job) (json.RawMessage, error) {
		if job.State != StateActive || job.Attempt != 1 {
			t.Errorf("handler saw state=%s attempt=%d", job.State, job.Attempt)
		}
		return json.RawMessage(`{"response":"done"}`), nil
	}), WorkerOptions{})

	w.process(ctx, pub.onTopic(QueueLLM)[0].body)

	job, err := reg.GetJob(ctx, QueueLLM, "keep-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.State != StateCompleted || string(job.Result) != `{"response":"done"}` || job.FinishedAt == nil {
		t.Errorf("job = %+v", job)
	}
	if ttl := mr.TTL("jiva-ai:queue:jiva-ai-llm:job:keep-1"); ttl != 24*time.Hour {
		t.Errorf("completed TTL = %v, want 24h", ttl)
	}

	done, err := reg.ListJobs(ctx, QueueLLM, StateCompleted, 10)
	if err != nil || len(done) != 1 || done[0].ID != "keep-1" {
		t.Errorf("ListJobs(completed) = %v, %v", done, err)
	}
}

func TestWorkerRequeuesWhenCompletionIsNotPersisted(t *testing.T) {
	reg, pub, mr := newTestRegistry(t, defaultPolicy())
	ctx := context.Background()

	_, _ = reg.Enqueue(ctx, QueueLLM, "llm-generate", generatePayload{Prompt: "x"}, &Options{ID: "lost-1"})
	body := pub.onTopic(QueueLLM)[0].body

	// A string at the completed index makes ZADD fail inside the finish transaction.
	idx := "jiva-ai:queue:jiva-ai-llm:completed"
	if err := mr.Set(idx, "not-a-zset"); err != nil {
		t.Fatal(err)
	}

	w, _ := reg.NewWorker(QueueLLM, HandlerFunc(func(ctx context.Context, job *Job) (json.RawMessage, error) {
		return json.RawMessage(`{"response":"done"}`), nil
	}), WorkerOptions{})

	out := w.process(ctx, body)
	if !out.requeue || out.delay != 5*time.Second {
		t.Fatalf("outcome = %+v, want requeue after 5s", out)
	}

	mr.Del(idx)
	if out := w.process(ctx, body); out.requeue {
		t.Fatalf("redelivery outcome = %+v, want ack", out)
	}
	job, err := reg.GetJob(ctx, QueueLLM, "lost-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.State != StateCompleted || string(job.Result) != `{"response":"done"}` {
		t.Errorf("job = %+v, want completed with result", job)
	}
}

func TestWorkerRetriesWithExponentialBackoffThenFails(t *testing.T) {
	policy := defaultPolicy()
	policy.PublishDLQ = true
	reg, pub, mr := newTestRegistry(t, policy)
	ctx := context.Background()

	_, _ = reg.Enqueue(ctx, QueueLLM, "llm-generate", generatePayload{Prompt: "x", ClientID: "inventory-app"}, &Options{ID: "flaky"})
	body := pub.onTopic(QueueLLM)[0].body

	var calls int
	w, _ := reg.NewWorker(QueueLLM, HandlerFunc(func(ctx context.Context, job *Job) (json.RawMessage, error) {
		calls++
		return nil, errors.New("backend returned 500")
	}), WorkerOptions{})

	wantDelays := []time.Duration{5 * time.Second, 10 * time.Second}
	for i, want := range wantDelays {
		out := w.process(ctx, body)
		if !out.requeue || out.delay != want {
			t.Fatalf("attempt %d outcome = %+v, want requeue after %v", i+1, out, want)
		}
		job, _ := reg.GetJob(ctx, QueueLLM, "flaky")
		if job.State != StateDelayed || job.Attempt != i+1 || job.LastError == "" {
			t.Errorf("attempt %d job = %+v", i+1, job)
		}
	}

	out := w.process(ctx, body)
	if out.requeue {
		t.Fatalf("third attempt outcome = %+v, want finish", out)
	}
	if calls != 3 {
		t.Errorf("handler calls = %d, want 3", calls)
	}

	job, err := reg.GetJob(ctx, QueueLLM, "flaky")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.State != StateFailed || job.Attempt != 3 {
		t.Errorf("job = %+v, want failed after 3 attempts", job)
	}
	if ttl := mr.TTL("jiva-ai:queue:jiva-ai-llm:job:flaky"); ttl != 7*24*time.Hour {
		t.Errorf("failed TTL = %v, want 168h", ttl)
	}

	dlq := pub.onTopic("jobs_dlq")
	if len(dlq) != 1 {
		t.Fatalf("dlq messages = %d, want 1", len(dlq))
	}
	var dl delivery.DeadLetter
	if err := json.Unmarshal(dlq[0].body, &dl); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if dl.Reason != "max_attempts" || dl.Attempt != 3 || dl.Job.ID != "flaky" || dl.Job.ClientID != "inventory-app" {
		t.Errorf("dead letter = %+v", dl)
	}

	// A late redelivery of a failed job is acknowledged without running it.
	if out := w.process(ctx, body); out.requeue || calls != 3 {
		t.Errorf("redelivery of failed job ran handler (calls=%d)", calls)
	}
}

func TestWorkerUnrecoverableSkipsRetries(t *testing.T) {
	reg, pub, _ := newTestRegistry(t, defaultPolicy())
	ctx := context.Background()

	_, _ = reg.Enqueue(ctx, QueueLLM, "llm-generate", generatePayload{Prompt: "x"}, &Options{ID: "bad"})
	w, _ := reg.NewWorker(QueueLLM, HandlerFunc(func(ctx context.Context, job *Job) (json.RawMessage, error) {
		return nil, Unrecoverable(errors.New("invalid payload"))
	}), WorkerOptions{})

	if out := w.process(ctx, pub.onTopic(QueueLLM)[0].body); out.requeue {
		t.Fatalf("outcome = %+v, want finish", out)
	}
	job, _ := reg.GetJob(ctx, QueueLLM, "bad")
	if job.State != StateFailed || job.Attempt != 1 {
		t.Errorf("job = %+v, want failed on first attempt", job)
	}
	if n := len(pub.onTopic("jobs_dlq")); n != 0 {
		t.Errorf("dlq published %d messages with PublishDLQ off", n)
	}
}

func TestWorkerDropsUnknownMessages(t *testing.T) {
	reg, _, _ := newTestRegistry(t, defaultPolicy())
	w, _ := reg.NewWorker(QueueLLM, HandlerFunc(func(ctx context.Context, job *Job) (json.RawMessage, error) {
		t.Error("handler should not run")
		return nil, nil
	}), WorkerOptions{})

	for _, body := range []string{`not json`, `{"queue":"jiva-ai-llm"}`, `{"queue":"jiva-ai-llm","id":"ghost"}`} {
		if out := w.process(context.Background(), []byte(body)); out.requeue {
			t.Errorf("process(%s) = %+v, want finish", body, out)
		}
	}
}

func TestCompletedRetentionByCount(t *testing.T) {
	policy := defaultPolicy()
	policy.Retention.CompletedCount = 2
	reg, pub, mr := newTestRegistry(t, policy)
	ctx := context.Background()

	w, _ := reg.NewWorker(QueueLLM, HandlerFunc(func(ctx context.Context, job *Job) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}), WorkerOptions{})

	for _, id := range []string{"j1", "j2", "j3"} {
		_, _ = reg.Enqueue(ctx, QueueLLM, "llm-generate", generatePayload{Prompt: id}, &Options{ID: id})
		msgs := pub.onTopic(QueueLLM)
		w.process(ctx, msgs[len(msgs)-1].body)
		time.Sleep(2 * time.Millisecond)
	}

	if mr.Exists("jiva-ai:queue:jiva-ai-llm:job:j1") {
		t.Error("oldest completed job should be trimmed")
	}
	for _, id := range []string{"j2", "j3"} {
		if !mr.Exists("jiva-ai:queue:jiva-ai-llm:job:" + id) {
			t.Errorf("job %s should be kept", id)
		}
	}
	members, _ := mr.ZMembers("jiva-ai:queue:jiva-ai-llm:completed")
	if len(members) != 2 {
		t.Errorf("completed index = %v, want 2 members", members)
	}
}

func TestRetryFailedJob(t *testing.T) {
	reg, pub, _ := newTestRegistry(t, defaultPolicy())
	ctx := context.Background()

	_, _ = reg.Enqueue(ctx, QueueLLM, "llm-generate", generatePayload{Prompt: "x"}, &Options{ID: "r1", Attempts: 1})
	w, _ := reg.NewWorker(QueueLLM, HandlerFunc(func(ctx context.Context, job *Job) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}), WorkerOptions{})
	w.process(ctx, pub.onTopic(QueueLLM)[0].body)

	if _, err := reg.Retry(ctx, QueueLLM, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Retry(missing) err = %v", err)
	}

	job, err := reg.Retry(ctx, QueueLLM, "r1")
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if job.State != StateWaiting || job.Attempt != 0 {
		t.Errorf("retried job = %+v", job)
	}
	if n := len(pub.onTopic(QueueLLM)); n != 2 {
		t.Errorf("published %d messages, want 2", n)
	}
	failed, _ := reg.ListJobs(ctx, QueueLLM, StateFailed, 10)
	if len(failed) != 0 {
		t.Errorf("failed index still lists %d jobs", len(failed))
	}

	if _, err := reg.Retry(ctx, QueueLLM, "r1"); err == nil {
		t.Error("Retry() of a waiting job should fail")
	}
}

func TestListJobsRejectsLiveStates(t *testing.T) {
	reg, _, _ := newTestRegistry(t, defaultPolicy())
	if _, err := reg.ListJobs(context.Background(), QueueLLM, StateActive, 5); err == nil {
		t.Error("ListJobs(active) should fail")
	}
}

func TestNewWorkerUnknownQueue(t *testing.T) {
	reg, _, _ := newTestRegistry(t, defaultPolicy())
	if _, err := reg.NewWorker("nope", HandlerFunc(nil), WorkerOptions{}); !errors.Is(err, ErrQueueNotFound) {
		t.Errorf("NewWorker() err = %v, want ErrQueueNotFound", err)
	}
}

func TestCloseStopsPublisherOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := &recordingPublisher{}
	reg := NewRegistry(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", pub, Policy{}, nil)

	if err := reg.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !pub.stopped {
		t.Error("publisher not stopped")
	}
	if err := reg.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{5 * time.Second, 0, 5 * time.Second},
		{5 * time.Second, 1, 5 * time.Second},
		{5 * time.Second, 2, 10 * time.Second},
		{5 * time.Second, 3, 20 * time.Second},
		{5 * time.Second, 20, time.Hour},
		{0, 3, 0},
	}

	for _, tt := range tests {
		if got := BackoffDelay(tt.base, tt.attempt); got != tt.want {
			t.Errorf("BackoffDelay(%v, %d) = %v, want %v", tt.base, tt.attempt, got, tt.want)
		}
	}
}

func TestDedupeID(t *testing.T) {
	a := DedupeID("llm-generate", []byte(`{"prompt":"x"}`))
	b := DedupeID("llm-generate", []byte(`{"prompt":"x"}`))
	c := DedupeID("other", []byte(`{"prompt":"x"}`))
	if a != b {
		t.Error("DedupeID not deterministic")
	}
	if a == c {
		t.Error("DedupeID should depend on job type")
	}
	if len(a) != 64 {
		t.Errorf("len(DedupeID) = %d, want 64", len(a))
	}
}
