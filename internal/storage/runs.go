package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"workbench/internal/workflow"
)

const (
	runKeyPrefix   = "run:"
	recentRunsKey  = "runs:recent"
	maxRecentRuns  = 500
	defaultListLen = 20
)

// RunStore persists workflow outcomes as JSON with a TTL and keeps a
// time-ordered index of recent runs.
type RunStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRunStore(client *redis.Client, ttlHours int) *RunStore {
	return &RunStore{client: client, ttl: ttlFromHours(ttlHours)}
}

// Save stores out under its ID. Saving the same ID again overwrites it.
func (s *RunStore) Save(ctx context.Context, out *workflow.Outcome) error {
	if out == nil || out.ID == "" {
		return fmt.Errorf("run has no id")
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	started := out.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, runKeyPrefix+out.ID, data, s.ttl)
		pipe.ZAdd(ctx, recentRunsKey, redis.Z{Score: float64(started.UnixNano()), Member: out.ID})
		pipe.ZRemRangeByRank(ctx, recentRunsKey, 0, -maxRecentRuns-1)
		pipe.Expire(ctx, recentRunsKey, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store run in Redis: %w", err)
	}
	log.Printf("💾 [STORAGE] Stored run %s (%s) with TTL %v", out.ID, out.Status, s.ttl)
	return nil
}

// Get loads a run by ID.
func (s *RunStore) Get(ctx context.Context, id string) (*workflow.Outcome, error) {
	data, err := s.client.Get(ctx, runKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run from Redis: %w", err)
	}
	var out workflow.Outcome
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", id, err)
	}
	return &out, nil
}

// ListRecent returns up to limit runs, newest first. Expired entries still in
// the index are skipped.
func (s *RunStore) ListRecent(ctx context.Context, limit int) ([]*workflow.Outcome, error) {
	if limit <= 0 {
		limit = defaultListLen
	}
	ids, err := s.client.ZRevRange(ctx, recentRunsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*workflow.Outcome, 0, len(ids))
	for _, id := range ids {
		out, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				s.client.ZRem(ctx, recentRunsKey, id)
				continue
			}
			log.Printf("⚠️ [STORAGE] Skipping run %s: %v", id, err)
			continue
		}
		runs = append(runs, out)
	}
	return runs, nil
}
