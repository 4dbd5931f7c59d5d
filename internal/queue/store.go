package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Retention bounds how long finished job records survive.
type Retention struct {
	CompletedAge   time.Duration
	CompletedCount int
	FailedAge      time.Duration
}

// store keeps job records as JSON strings plus one sorted set per terminal
// state, scored by finish time.
type store struct {
	rdb    redis.UniversalClient
	prefix string
}

func (s *store) jobKey(queue, id string) string {
	return s.prefix + "queue:" + queue + ":job:" + id
}

func (s *store) indexKey(queue string, state State) string {
	return s.prefix + "queue:" + queue + ":" + string(state)
}

// create writes job only if no record with its id exists.
func (s *store) create(ctx context.Context, job *Job) (bool, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, s.jobKey(job.Queue, job.ID), raw, 0).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *store) load(ctx context.Context, queue, id string) (*Job, error) {
	raw, err := s.rdb.Get(ctx, s.jobKey(queue, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// save overwrites the record, keeping any TTL already on it.
func (s *store) save(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return s.rdb.SetArgs(ctx, s.jobKey(job.Queue, job.ID), raw, redis.SetArgs{KeepTTL: true}).Err()
}

func (s *store) remove(ctx context.Context, queue, id string) error {
	return s.rdb.Del(ctx, s.jobKey(queue, id)).Err()
}

// revive rewrites a failed job without expiry and drops it from the failed index.
func (s *store) revive(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.jobKey(job.Queue, job.ID), raw, 0)
	pipe.ZRem(ctx, s.indexKey(job.Queue, StateFailed), job.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// finish persists a terminal job, indexes it and applies retention.
func (s *store) finish(ctx context.Context, job *Job, r Retention) error {
	now := time.Now()
	key := s.jobKey(job.Queue, job.ID)

	if job.State == StateCompleted && job.RemoveOnComplete {
		return s.rdb.Del(ctx, key).Err()
	}

	age := r.FailedAge
	if job.State == StateCompleted {
		age = r.CompletedAge
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	idx := s.indexKey(job.Queue, job.State)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, key, raw, age)
	pipe.ZAdd(ctx, idx, redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	if age > 0 {
		cutoff := now.Add(-age).UnixMilli()
		pipe.ZRemRangeByScore(ctx, idx, "-inf", "("+strconv.FormatInt(cutoff, 10))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	if job.State == StateCompleted && r.CompletedCount > 0 {
		return s.trim(ctx, job.Queue, idx, r.CompletedCount)
	}
	return nil
}

// trim drops the oldest records beyond keep.
func (s *store) trim(ctx context.Context, queue, idx string, keep int) error {
	n, err := s.rdb.ZCard(ctx, idx).Result()
	if err != nil {
		return err
	}
	excess := n - int64(keep)
	if excess <= 0 {
		return nil
	}
	ids, err := s.rdb.ZRange(ctx, idx, 0, excess-1).Result()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(queue, id)
		members[i] = id
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, idx, members...)
	_, err = pipe.Exec(ctx)
	return err
}

// list returns finished jobs newest first. Index entries whose record has
// already expired are skipped.
func (s *store) list(ctx context.Context, queue string, state State, limit int) ([]*Job, error) {
	if !state.Terminal() {
		return nil, fmt.Errorf("only completed and failed jobs are indexed, got %q", state)
	}
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.rdb.ZRevRange(ctx, s.indexKey(queue, state), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.load(ctx, queue, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
