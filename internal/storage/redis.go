package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wallet-provisioner/internal/config"
	"github.com/wallet-provisioner/internal/runner"
	"github.com/wallet-provisioner/internal/types"
)

const (
	runKeyPrefix    = "provisioner:run:"
	recentRunsKey   = "provisioner:runs:recent"
	latestReportKey = "provisioner:report:latest"
)

// NewRedisClient creates a Redis connection and verifies it is reachable
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisRunStore is a RunStore backed by Redis. Entries expire after ttl.
type RedisRunStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ RunStore = (*RedisRunStore)(nil)

// NewRedisRunStore wraps an existing client
func NewRedisRunStore(client *redis.Client, ttl time.Duration) *RedisRunStore {
	return &RedisRunStore{client: client, ttl: ttl}
}

// SaveRun stores a run result and records its id as the most recent run
func (s *RedisRunStore) SaveRun(ctx context.Context, result *runner.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", result.RunID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, runKeyPrefix+result.RunID, data, s.ttl)
	pipe.LPush(ctx, recentRunsKey, result.RunID)
	pipe.LTrim(ctx, recentRunsKey, 0, recentRunsLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store run %s: %w", result.RunID, err)
	}
	return nil
}

// GetRun loads a run result by id
func (s *RedisRunStore) GetRun(ctx context.Context, runID string) (*runner.Result, error) {
	data, err := s.client.Get(ctx, runKeyPrefix+runID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	var result runner.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return &result, nil
}

// RecentRuns returns up to limit run ids, newest first
func (s *RedisRunStore) RecentRuns(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 || limit > recentRunsLimit {
		limit = recentRunsLimit
	}
	ids, err := s.client.LRange(ctx, recentRunsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return ids, nil
}

// SaveReport replaces the latest reconciliation report
func (s *RedisRunStore) SaveReport(ctx context.Context, report *types.ReconciliationReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := s.client.Set(ctx, latestReportKey, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	return nil
}

// LatestReport returns the most recently saved report
func (s *RedisRunStore) LatestReport(ctx context.Context) (*types.ReconciliationReport, error) {
	data, err := s.client.Get(ctx, latestReportKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load report: %w", err)
	}

	var report types.ReconciliationReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &report, nil
}

// Close closes the Redis connection
func (s *RedisRunStore) Close() error {
	return s.client.Close()
}
