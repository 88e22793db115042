package storage

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/wallet-provisioner/internal/runner"
	"github.com/wallet-provisioner/internal/types"
)

// MemoryRunStore keeps runs in process memory. It is used when Redis is not
// configured; results are lost on restart.
type MemoryRunStore struct {
	cache *cache.Cache

	mu     sync.Mutex
	recent []string
}

var _ RunStore = (*MemoryRunStore)(nil)

// NewMemoryRunStore creates a store whose entries expire after ttl
func NewMemoryRunStore(ttl time.Duration) *MemoryRunStore {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &MemoryRunStore{cache: cache.New(ttl, 10*time.Minute)}
}

func (s *MemoryRunStore) SaveRun(ctx context.Context, result *runner.Result) error {
	stored := *result
	s.cache.Set(runKeyPrefix+result.RunID, &stored, cache.DefaultExpiration)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append([]string{result.RunID}, s.recent...)
	if len(s.recent) > recentRunsLimit {
		s.recent = s.recent[:recentRunsLimit]
	}
	return nil
}

func (s *MemoryRunStore) GetRun(ctx context.Context, runID string) (*runner.Result, error) {
	v, ok := s.cache.Get(runKeyPrefix + runID)
	if !ok {
		return nil, ErrNotFound
	}
	result := *v.(*runner.Result)
	return &result, nil
}

func (s *MemoryRunStore) RecentRuns(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.recent))
	for _, id := range s.recent {
		if _, ok := s.cache.Get(runKeyPrefix + id); ok {
			ids = append(ids, id)
		}
		if limit > 0 && len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (s *MemoryRunStore) SaveReport(ctx context.Context, report *types.ReconciliationReport) error {
	stored := *report
	s.cache.Set(latestReportKey, &stored, cache.DefaultExpiration)
	return nil
}

func (s *MemoryRunStore) LatestReport(ctx context.Context) (*types.ReconciliationReport, error) {
	v, ok := s.cache.Get(latestReportKey)
	if !ok {
		return nil, ErrNotFound
	}
	report := *v.(*types.ReconciliationReport)
	return &report, nil
}

func (s *MemoryRunStore) Close() error {
	s.cache.Flush()
	return nil
}
