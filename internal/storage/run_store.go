package storage

import (
	"context"
	"errors"

	"github.com/wallet-provisioner/internal/config"
	"github.com/wallet-provisioner/internal/runner"
	"github.com/wallet-provisioner/internal/types"
)

// ErrNotFound is returned when a run or report does not exist or has expired
var ErrNotFound = errors.New("not found")

// recentRunsLimit bounds the list of run ids kept for listing
const recentRunsLimit = 100

// RunStore keeps the results of subprocess runs and the most recent
// reconciliation report for the HTTP surface.
type RunStore interface {
	SaveRun(ctx context.Context, result *runner.Result) error
	GetRun(ctx context.Context, runID string) (*runner.Result, error)
	RecentRuns(ctx context.Context, limit int) ([]string, error)
	SaveReport(ctx context.Context, report *types.ReconciliationReport) error
	LatestReport(ctx context.Context) (*types.ReconciliationReport, error)
	Close() error
}

// NewRunStore connects to Redis when it is configured and falls back to an
// in-process store otherwise.
func NewRunStore(ctx context.Context, cfg *config.RedisConfig) (RunStore, error) {
	if !cfg.Enabled() {
		return NewMemoryRunStore(cfg.RunTTL), nil
	}
	client, err := NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisRunStore(client, cfg.RunTTL), nil
}
