package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/relay/internal/report"
	"github.com/nadmax/relay/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordCall struct {
	strategy strategy.ExecutionStrategy
	success  bool
}

type mockStats struct {
	calls []recordCall
	err   error
}

func (m *mockStats) Record(ctx context.Context, s strategy.ExecutionStrategy, success bool, durationMs uint64, failureReason string) (strategy.StrategyStatistics, error) {
	if m.err != nil {
		return strategy.StrategyStatistics{}, m.err
	}
	m.calls = append(m.calls, recordCall{s, success})
	return strategy.NewStatistics(s), nil
}

type mockSwitcher struct {
	mu            sync.Mutex
	current       strategy.ExecutionStrategy
	evaluateCalls []strategy.SwitchTrigger
	applyCalls    []strategy.ExecutionStrategy
	applyError    error
}

func (m *mockSwitcher) Current() strategy.ExecutionStrategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *mockSwitcher) Evaluate(ctx context.Context, current strategy.ExecutionStrategy, r report.Report, trigger strategy.SwitchTrigger) (*strategy.StrategySwitch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluateCalls = append(m.evaluateCalls, trigger)
	return nil, nil
}

func (m *mockSwitcher) ApplySwitch(ctx context.Context, to strategy.ExecutionStrategy, trigger strategy.SwitchTrigger, reason string) (*strategy.StrategySwitch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyCalls = append(m.applyCalls, to)
	if m.applyError != nil {
		return nil, m.applyError
	}
	if to == m.current {
		return nil, nil
	}
	sw := strategy.NewSwitch(m.current, to, trigger, reason, time.Now())
	m.current = to
	return &sw, nil
}

type mockReports struct{ calls int }

func (m *mockReports) Generate(ctx context.Context, forceRefresh bool) report.Report {
	m.calls++
	return report.Report{}
}

type mockHistory struct {
	logged     []strategy.AttemptRecord
	warm       []strategy.AttemptRecord
	purgeCalls []time.Time

	LogError   error
	WarmError  error
	PurgeError error
}

func (m *mockHistory) LogAttempt(ctx context.Context, rec strategy.AttemptRecord) error {
	if m.LogError != nil {
		return m.LogError
	}
	m.logged = append(m.logged, rec)
	return nil
}

func (m *mockHistory) AttemptsSince(ctx context.Context, since time.Time) ([]strategy.AttemptRecord, error) {
	if m.WarmError != nil {
		return nil, m.WarmError
	}
	return m.warm, nil
}

func (m *mockHistory) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.purgeCalls = append(m.purgeCalls, cutoff)
	if m.PurgeError != nil {
		return 0, m.PurgeError
	}
	return 3, nil
}

type testMonitor struct {
	*Monitor
	stats    *mockStats
	switcher *mockSwitcher
	reports  *mockReports
	history  *mockHistory
	now      time.Time
}

func setupTestMonitor(t *testing.T, mutate func(*Config)) *testMonitor {
	cfg := DefaultConfig()
	cfg.AutoRecovery = false
	if mutate != nil {
		mutate(&cfg)
	}

	tm := &testMonitor{
		stats:    &mockStats{},
		switcher: &mockSwitcher{current: strategy.WorkManagerNormal},
		reports:  &mockReports{},
		history:  &mockHistory{},
		now:      time.Date(2026, 4, 10, 15, 30, 0, 0, time.UTC),
	}
	tm.Monitor = NewMonitor(cfg, tm.stats, tm.switcher, tm.reports, tm.history, zaptest.NewLogger(t))
	tm.SetClock(func() time.Time { return tm.now })

	return tm
}

func (tm *testMonitor) record(t *testing.T, success bool, reason string) {
	t.Helper()
	rec := strategy.NewAttemptRecord(strategy.WorkManagerNormal, success, 100*time.Millisecond, reason)
	rec.Timestamp = tm.now
	require.NoError(t, tm.RecordAttempt(context.Background(), rec))
}

func TestRecordAttempt_UpdatesState(t *testing.T) {
	m := setupTestMonitor(t, nil)

	m.record(t, true, "")
	m.record(t, false, "network error")

	st := m.State()
	assert.Equal(t, uint64(2), st.RealtimeStats.TotalAttempts)
	assert.Equal(t, uint64(1), st.RealtimeStats.SuccessfulAttempts)
	assert.Equal(t, uint64(1), st.RealtimeStats.FailedAttempts)
	assert.Equal(t, uint(1), st.ConsecutiveFailures)
	assert.Equal(t, "network error", st.LastFailureReason)
	assert.Equal(t, m.now, st.LastFailureTime)
	assert.InDelta(t, 0.5, st.CurrentSuccessRate, 1e-9)

	assert.Len(t, m.stats.calls, 2)
	assert.Len(t, m.history.logged, 2)
}

func TestRecordAttempt_UnknownStrategy(t *testing.T) {
	m := setupTestMonitor(t, nil)

	err := m.RecordAttempt(context.Background(), strategy.AttemptRecord{Strategy: "PAGER"})
	assert.ErrorIs(t, err, strategy.ErrUnknownStrategy)
	assert.Empty(t, m.stats.calls)
}

func TestRecordAttempt_StatisticsError(t *testing.T) {
	m := setupTestMonitor(t, nil)
	m.stats.err = errors.New("boom")

	rec := strategy.NewAttemptRecord(strategy.WorkManagerNormal, true, 0, "")
	err := m.RecordAttempt(context.Background(), rec)
	assert.ErrorContains(t, err, "failed to record statistics")
	assert.Zero(t, m.State().RealtimeStats.TotalAttempts)
}

func TestRecordAttempt_HistoryErrorTolerated(t *testing.T) {
	m := setupTestMonitor(t, nil)
	m.history.LogError = errors.New("postgres down")

	m.record(t, true, "")
	assert.Equal(t, uint64(1), m.State().RealtimeStats.TotalAttempts)
}

func TestStatusTransitions(t *testing.T) {
	m := setupTestMonitor(t, nil)

	for range 9 {
		m.record(t, true, "")
	}
	m.record(t, false, "timeout")
	assert.Equal(t, StatusHealthy, m.State().OverallHealthStatus)

	m.record(t, false, "timeout")
	assert.Equal(t, StatusWarning, m.State().OverallHealthStatus)
	assert.Len(t, m.switcher.evaluateCalls, 1)

	m.record(t, false, "timeout")
	m.record(t, false, "timeout")
	assert.Equal(t, StatusCritical, m.State().OverallHealthStatus)
	assert.Equal(t, uint(4), m.State().ConsecutiveFailures)
	assert.Equal(t, []strategy.SwitchTrigger{
		strategy.TriggerSuccessRateDrop,
		strategy.TriggerSuccessRateDrop,
	}, m.switcher.evaluateCalls)

	// 10 of 14: back above the critical floor but below the healthy band.
	m.record(t, true, "")
	assert.Equal(t, StatusCritical, m.State().OverallHealthStatus)
	assert.Equal(t, uint(0), m.State().ConsecutiveFailures)

	for range 26 {
		m.record(t, true, "")
	}
	assert.Equal(t, StatusHealthy, m.State().OverallHealthStatus)
	assert.GreaterOrEqual(t, m.State().CurrentSuccessRate, 0.9)
}

func TestWindowExpiry(t *testing.T) {
	m := setupTestMonitor(t, func(c *Config) { c.Window = time.Hour })

	m.record(t, false, "timeout")
	m.now = m.now.Add(2 * time.Hour)
	m.record(t, true, "")

	analysis := m.AnalyzeFailurePattern()
	assert.Equal(t, 1, analysis.TotalAttempts)
	assert.Zero(t, analysis.FailedAttempts)
	assert.Equal(t, CategoryNone, analysis.MainFailureReason)
}

func TestWindowCapacity(t *testing.T) {
	m := setupTestMonitor(t, func(c *Config) { c.MaxWindowRecords = 5 })

	for range 5 {
		m.record(t, false, "timeout")
	}
	for range 5 {
		m.record(t, true, "")
	}

	assert.Equal(t, 5, m.AnalyzeFailurePattern().TotalAttempts)
	assert.InDelta(t, 1.0, m.State().CurrentSuccessRate, 1e-9)
}

func TestAnalyzeFailurePattern(t *testing.T) {
	m := setupTestMonitor(t, nil)

	m.record(t, false, "Battery saver active")
	m.record(t, false, "battery optimization")
	m.record(t, false, "network error")
	m.record(t, true, "")

	a := m.AnalyzeFailurePattern()
	assert.Equal(t, 4, a.TotalAttempts)
	assert.Equal(t, 3, a.FailedAttempts)
	assert.InDelta(t, 0.75, a.FailureRatio, 1e-9)
	assert.Equal(t, CategoryBattery, a.MainFailureReason)
	assert.Equal(t, 2, a.CategoryCounts[CategoryBattery])
	assert.True(t, a.HasDominantHour)
	assert.Equal(t, 15, a.DominantHour)
	assert.Len(t, a.Recommendations, 2)
}

func TestAnalyzeFailurePattern_TieUsesCategoryOrder(t *testing.T) {
	m := setupTestMonitor(t, nil)

	m.record(t, false, "network error")
	m.record(t, false, "app in doze")

	assert.Equal(t, CategoryDozeMode, m.AnalyzeFailurePattern().MainFailureReason)
}

func TestAnalyzeFailurePattern_NoDominantHour(t *testing.T) {
	m := setupTestMonitor(t, nil)

	for h := range 3 {
		rec := strategy.NewAttemptRecord(strategy.WorkManagerNormal, false, 0, "timeout")
		rec.Timestamp = m.now.Add(-time.Duration(h+1) * time.Hour)
		require.NoError(t, m.RecordAttempt(context.Background(), rec))
	}

	a := m.AnalyzeFailurePattern()
	assert.False(t, a.HasDominantHour)
	assert.Equal(t, -1, a.DominantHour)
	assert.Equal(t, CategoryTimeout, a.MainFailureReason)
}

func TestSuggestOptimization(t *testing.T) {
	m := setupTestMonitor(t, nil)

	s := m.SuggestOptimization(FailureAnalysis{MainFailureReason: CategoryVendorRestriction, FailureRatio: 0.5})
	assert.Equal(t, UrgencyHigh, s.Urgency)
	assert.Equal(t, remediation[CategoryVendorRestriction], s.Suggestions)

	s = m.SuggestOptimization(FailureAnalysis{MainFailureReason: CategoryNone})
	assert.Equal(t, UrgencyNormal, s.Urgency)
	assert.Empty(t, s.Suggestions)
}

func TestUrgencyFor(t *testing.T) {
	tests := []struct {
		ratio float64
		want  Urgency
	}{
		{0, UrgencyNormal},
		{0.29, UrgencyNormal},
		{0.3, UrgencyHigh},
		{0.69, UrgencyHigh},
		{0.7, UrgencyCritical},
		{1, UrgencyCritical},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, UrgencyFor(tt.ratio), "ratio %.2f", tt.ratio)
	}
}

func TestClassify(t *testing.T) {
	tests := map[string]FailureCategory{
		"":                          CategoryUnknown,
		"something odd":             CategoryUnknown,
		"LOW_POWER mode":            CategoryBattery,
		"device idle":               CategoryDozeMode,
		"MIUI autostart disabled":   CategoryVendorRestriction,
		"SMTP connect refused":      CategoryNetwork,
		"permission denied":         CategoryPermission,
		"delivery timeout":          CategoryTimeout,
		"doze blocked battery work": CategoryDozeMode,
	}

	for reason, want := range tests {
		assert.Equal(t, want, Classify(reason), reason)
	}
}

func TestRecoveryStrategyFor(t *testing.T) {
	assert.Equal(t, strategy.ForegroundService, RecoveryStrategyFor(CategoryBattery))
	assert.Equal(t, strategy.ForegroundService, RecoveryStrategyFor(CategoryDozeMode))
	assert.Equal(t, strategy.WorkManagerNormal, RecoveryStrategyFor(CategoryNetwork))
	assert.Equal(t, strategy.HybridAutoSwitch, RecoveryStrategyFor(CategoryPermission))
	assert.Equal(t, strategy.HybridAutoSwitch, RecoveryStrategyFor(CategoryUnknown))
}

func TestShouldSwitchStrategy(t *testing.T) {
	m := setupTestMonitor(t, nil)

	assert.True(t, m.ShouldSwitchStrategy(3, 0))
	assert.True(t, m.ShouldSwitchStrategy(0, 0.31))
	assert.False(t, m.ShouldSwitchStrategy(2, 0.3))
}

func TestAutoRecoveryAfterConsecutiveFailures(t *testing.T) {
	m := setupTestMonitor(t, func(c *Config) { c.AutoRecovery = true })

	m.record(t, false, "battery saver")
	m.record(t, false, "battery saver")
	assert.Empty(t, m.switcher.applyCalls)

	m.record(t, false, "battery saver")

	assert.Equal(t, []strategy.ExecutionStrategy{strategy.ForegroundService}, m.switcher.applyCalls)
	assert.Equal(t, strategy.ForegroundService, m.switcher.Current())
	assert.Equal(t, uint(0), m.State().ConsecutiveFailures)
	require.Len(t, m.history.purgeCalls, 1)
	assert.Equal(t, m.now.Add(-DefaultConfig().Retention), m.history.purgeCalls[0])
}

func TestPerformAutoRecovery_NothingToDo(t *testing.T) {
	m := setupTestMonitor(t, nil)
	m.record(t, true, "")

	result := m.PerformAutoRecovery(context.Background())
	assert.True(t, result.Success)
	assert.False(t, result.StrategyChanged)
	assert.Empty(t, m.switcher.applyCalls)
	assert.Equal(t, strategy.WorkManagerNormal, result.ActiveStrategy)
	assert.Contains(t, result.Actions, "Reset consecutive failure counter")
}

func TestPerformAutoRecovery_SwitchFails(t *testing.T) {
	m := setupTestMonitor(t, nil)
	m.switcher.applyError = errors.New("config store down")
	for range 3 {
		m.record(t, false, "network error")
	}
	m.switcher.current = strategy.ForegroundService

	result := m.PerformAutoRecovery(context.Background())
	assert.False(t, result.Success)
	assert.False(t, result.StrategyChanged)
	assert.Equal(t, uint(0), m.State().ConsecutiveFailures)
}

func TestPerformAutoRecovery_PurgeError(t *testing.T) {
	m := setupTestMonitor(t, nil)
	m.history.PurgeError = errors.New("postgres down")

	result := m.PerformAutoRecovery(context.Background())
	assert.True(t, result.Success)
	assert.Contains(t, result.Actions, "History cleanup failed")
}

func TestWarm(t *testing.T) {
	m := setupTestMonitor(t, nil)
	for i := range 4 {
		rec := strategy.NewAttemptRecord(strategy.ForegroundService, i == 0, 0, "doze")
		rec.Timestamp = m.now.Add(-time.Duration(4-i) * time.Minute)
		m.history.warm = append(m.history.warm, rec)
	}

	require.NoError(t, m.Warm(context.Background()))

	st := m.State()
	assert.InDelta(t, 0.25, st.CurrentSuccessRate, 1e-9)
	assert.Equal(t, StatusCritical, st.OverallHealthStatus)
	assert.Equal(t, 4, m.AnalyzeFailurePattern().TotalAttempts)
}

func TestWarm_Error(t *testing.T) {
	m := setupTestMonitor(t, nil)
	m.history.WarmError = errors.New("postgres down")

	assert.ErrorContains(t, m.Warm(context.Background()), "failed to load attempt history")
}

func TestReset(t *testing.T) {
	m := setupTestMonitor(t, nil)
	m.record(t, false, "timeout")

	m.Reset()

	st := m.State()
	assert.Equal(t, StatusHealthy, st.OverallHealthStatus)
	assert.Zero(t, st.RealtimeStats.TotalAttempts)
	assert.Zero(t, m.AnalyzeFailurePattern().TotalAttempts)
}
