// Package stats keeps the durable per-strategy execution statistics.
package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/relay/internal/metrics"
	"github.com/nadmax/relay/internal/strategy"
	"go.uber.org/zap"
)

const defaultPersistTimeout = 3 * time.Second

type Persistence interface {
	LoadStatistics(ctx context.Context) (map[strategy.ExecutionStrategy]strategy.StrategyStatistics, error)
	SaveStatistics(ctx context.Context, stats map[strategy.ExecutionStrategy]strategy.StrategyStatistics) error
	ClearStatistics(ctx context.Context) error
}

type entry struct {
	mu    sync.Mutex
	stats strategy.StrategyStatistics
}

// Store serializes updates per strategy; records for different strategies
// proceed in parallel. Persistence failures never fail a Record call: the
// strategy is marked dirty and written again on the next successful write.
type Store struct {
	entries     map[strategy.ExecutionStrategy]*entry
	persistence Persistence
	logger      *zap.Logger
	timeout     time.Duration

	clockMu sync.RWMutex
	now     func() time.Time

	dirtyMu sync.Mutex
	dirty   map[strategy.ExecutionStrategy]struct{}
}

func NewStore(persistence Persistence, logger *zap.Logger) *Store {
	entries := make(map[strategy.ExecutionStrategy]*entry, len(strategy.All()))
	for _, s := range strategy.All() {
		entries[s] = &entry{stats: strategy.NewStatistics(s)}
	}

	return &Store{
		entries:     entries,
		persistence: persistence,
		logger:      logger,
		timeout:     defaultPersistTimeout,
		now:         time.Now,
		dirty:       make(map[strategy.ExecutionStrategy]struct{}),
	}
}

func (s *Store) SetClock(now func() time.Time) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	s.now = now
}

func (s *Store) clock() time.Time {
	s.clockMu.RLock()
	defer s.clockMu.RUnlock()
	return s.now()
}

// Load replaces the in-memory statistics with the persisted ones.
func (s *Store) Load(ctx context.Context) error {
	if s.persistence == nil {
		return nil
	}

	loaded, err := s.persistence.LoadStatistics(ctx)
	if err != nil {
		return fmt.Errorf("failed to load statistics: %w", err)
	}

	for st, rec := range loaded {
		e, ok := s.entries[st]
		if !ok {
			s.logger.Warn("ignoring statistics for unknown strategy", zap.String("strategy", string(st)))
			continue
		}

		rec.Strategy = st
		e.mu.Lock()
		e.stats = rec.Clone()
		e.mu.Unlock()
	}

	return nil
}

func (s *Store) Record(ctx context.Context, st strategy.ExecutionStrategy, success bool, durationMs uint64, failureReason string) (strategy.StrategyStatistics, error) {
	e, ok := s.entries[st]
	if !ok {
		return strategy.StrategyStatistics{}, fmt.Errorf("%w: %q", strategy.ErrUnknownStrategy, string(st))
	}

	e.mu.Lock()
	e.stats = e.stats.Apply(success, durationMs, failureReason, s.clock())
	updated := e.stats.Clone()
	// Persisting under the entry lock keeps writes for one strategy ordered.
	s.persist(ctx, map[strategy.ExecutionStrategy]strategy.StrategyStatistics{st: updated})
	e.mu.Unlock()

	s.retryDirty(ctx, st)

	return updated, nil
}

func (s *Store) Get(st strategy.ExecutionStrategy) (strategy.StrategyStatistics, error) {
	e, ok := s.entries[st]
	if !ok {
		return strategy.StrategyStatistics{}, fmt.Errorf("%w: %q", strategy.ErrUnknownStrategy, string(st))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.Clone(), nil
}

func (s *Store) All() map[strategy.ExecutionStrategy]strategy.StrategyStatistics {
	out := make(map[strategy.ExecutionStrategy]strategy.StrategyStatistics, len(s.entries))
	for st, e := range s.entries {
		e.mu.Lock()
		out[st] = e.stats.Clone()
		e.mu.Unlock()
	}

	return out
}

// Reset clears every record in memory and in persistence.
func (s *Store) Reset(ctx context.Context) error {
	for st, e := range s.entries {
		e.mu.Lock()
		e.stats = strategy.NewStatistics(st)
		e.mu.Unlock()
	}

	s.dirtyMu.Lock()
	s.dirty = make(map[strategy.ExecutionStrategy]struct{})
	s.dirtyMu.Unlock()

	if s.persistence == nil {
		return nil
	}
	if err := s.persistence.ClearStatistics(ctx); err != nil {
		return fmt.Errorf("failed to clear persisted statistics: %w", err)
	}

	return nil
}

// Pending lists strategies whose latest record has not been persisted yet.
func (s *Store) Pending() []strategy.ExecutionStrategy {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()

	var out []strategy.ExecutionStrategy
	for _, st := range strategy.All() {
		if _, ok := s.dirty[st]; ok {
			out = append(out, st)
		}
	}

	return out
}

func (s *Store) persist(ctx context.Context, recs map[strategy.ExecutionStrategy]strategy.StrategyStatistics) {
	if s.persistence == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.persistence.SaveStatistics(ctx, recs)

	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	for st := range recs {
		if err != nil {
			s.dirty[st] = struct{}{}
		} else {
			delete(s.dirty, st)
		}
	}

	if err != nil {
		metrics.RecordPersistenceError("statistics")
		s.logger.Warn("failed to persist statistics, will retry on next write", zap.Error(err))
	}
}

func (s *Store) retryDirty(ctx context.Context, skip strategy.ExecutionStrategy) {
	for _, st := range s.Pending() {
		if st == skip {
			continue
		}

		e := s.entries[st]
		e.mu.Lock()
		s.persist(ctx, map[strategy.ExecutionStrategy]strategy.StrategyStatistics{st: e.stats.Clone()})
		e.mu.Unlock()
	}
}
