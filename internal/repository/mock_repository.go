package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/relay/internal/repository/models"
	"github.com/nadmax/relay/internal/strategy"
)

// MockHistoryRepository keeps history in memory and records every call.
type MockHistoryRepository struct {
	mu                  sync.Mutex
	AppendSwitchCalls   []strategy.StrategySwitch
	LogAttemptCalls     []strategy.AttemptRecord
	PurgeCalls          []time.Time
	ResetCalls          int
	Switches            []strategy.StrategySwitch
	Attempts            []strategy.AttemptRecord
	AppendSwitchError   error
	ListSwitchesError   error
	LogAttemptError     error
	AttemptsSinceError  error
	AttemptSummaryError error
	PurgeError          error
	ResetError          error
	closed              bool
}

func NewMockHistoryRepository() *MockHistoryRepository {
	return &MockHistoryRepository{}
}

func (m *MockHistoryRepository) AppendSwitch(ctx context.Context, sw strategy.StrategySwitch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppendSwitchCalls = append(m.AppendSwitchCalls, sw)
	if m.AppendSwitchError != nil {
		return m.AppendSwitchError
	}

	m.Switches = append(m.Switches, sw)
	return nil
}

func (m *MockHistoryRepository) ListSwitches(ctx context.Context, limit int) ([]strategy.StrategySwitch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListSwitchesError != nil {
		return nil, m.ListSwitchesError
	}

	out := make([]strategy.StrategySwitch, 0, len(m.Switches))
	for i := len(m.Switches) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.Switches[i])
	}

	return out, nil
}

func (m *MockHistoryRepository) LogAttempt(ctx context.Context, rec strategy.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LogAttemptCalls = append(m.LogAttemptCalls, rec)
	if m.LogAttemptError != nil {
		return m.LogAttemptError
	}

	m.Attempts = append(m.Attempts, rec)
	return nil
}

func (m *MockHistoryRepository) AttemptsSince(ctx context.Context, since time.Time) ([]strategy.AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AttemptsSinceError != nil {
		return nil, m.AttemptsSinceError
	}

	var out []strategy.AttemptRecord
	for _, rec := range m.Attempts {
		if !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	return out, nil
}

func (m *MockHistoryRepository) AttemptSummary(ctx context.Context, hours int) ([]models.AttemptSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AttemptSummaryError != nil {
		return nil, m.AttemptSummaryError
	}

	byStrategy := make(map[string]*models.AttemptSummary)
	var totals = make(map[string]int64)
	for _, rec := range m.Attempts {
		key := string(rec.Strategy)
		s, ok := byStrategy[key]
		if !ok {
			s = &models.AttemptSummary{Strategy: key}
			byStrategy[key] = s
		}

		s.Attempts++
		if !rec.Success {
			s.Failures++
		}

		d := int64(rec.DurationMs)
		totals[key] += d
		if d > s.MaxDurationMs {
			s.MaxDurationMs = d
		}
	}

	out := make([]models.AttemptSummary, 0, len(byStrategy))
	for key, s := range byStrategy {
		s.AvgDurationMs = float64(totals[key]) / float64(s.Attempts)
		out = append(out, *s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out, nil
}

func (m *MockHistoryRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PurgeCalls = append(m.PurgeCalls, cutoff)
	if m.PurgeError != nil {
		return 0, m.PurgeError
	}

	var removed int64
	attempts := m.Attempts[:0]
	for _, rec := range m.Attempts {
		if rec.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		attempts = append(attempts, rec)
	}
	m.Attempts = attempts

	switches := m.Switches[:0]
	for _, sw := range m.Switches {
		if sw.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		switches = append(switches, sw)
	}
	m.Switches = switches

	return removed, nil
}

func (m *MockHistoryRepository) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ResetCalls++
	if m.ResetError != nil {
		return m.ResetError
	}

	m.Attempts = nil
	m.Switches = nil
	return nil
}

func (m *MockHistoryRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

func (m *MockHistoryRepository) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}
