package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/relay/internal/metrics"
	"github.com/nadmax/relay/internal/report"
	"github.com/nadmax/relay/internal/strategy"
	"go.uber.org/zap"
)

const historyTimeout = 3 * time.Second

type Config struct {
	Window                      time.Duration `toml:"window"`
	ConsecutiveFailureThreshold uint          `toml:"consecutive_failure_threshold"`
	CriticalFailureRatio        float64       `toml:"critical_failure_ratio"`
	WarningSuccessRate          float64       `toml:"warning_success_rate"`
	CriticalSuccessRate         float64       `toml:"critical_success_rate"`
	Retention                   time.Duration `toml:"retention"`
	MaxWindowRecords            int           `toml:"max_window_records"`
	AutoRecovery                bool          `toml:"auto_recovery"`
}

func DefaultConfig() Config {
	return Config{
		Window:                      24 * time.Hour,
		ConsecutiveFailureThreshold: 3,
		CriticalFailureRatio:        0.30,
		WarningSuccessRate:          0.90,
		CriticalSuccessRate:         0.70,
		Retention:                   30 * 24 * time.Hour,
		MaxWindowRecords:            10000,
		AutoRecovery:                true,
	}
}

type StatisticsRecorder interface {
	Record(ctx context.Context, s strategy.ExecutionStrategy, success bool, durationMs uint64, failureReason string) (strategy.StrategyStatistics, error)
}

type Switcher interface {
	Current() strategy.ExecutionStrategy
	Evaluate(ctx context.Context, current strategy.ExecutionStrategy, r report.Report, trigger strategy.SwitchTrigger) (*strategy.StrategySwitch, error)
	ApplySwitch(ctx context.Context, to strategy.ExecutionStrategy, trigger strategy.SwitchTrigger, reason string) (*strategy.StrategySwitch, error)
}

type ReportSource interface {
	Generate(ctx context.Context, forceRefresh bool) report.Report
}

type AttemptHistory interface {
	LogAttempt(ctx context.Context, rec strategy.AttemptRecord) error
	AttemptsSince(ctx context.Context, since time.Time) ([]strategy.AttemptRecord, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Monitor owns the process-wide health state. All mutations go through a
// single lock; recoveries are serialized separately so a slow switch does not
// block attempt recording.
type Monitor struct {
	mu     sync.Mutex
	state  State
	window []strategy.AttemptRecord

	recoveryMu sync.Mutex

	cfg      Config
	stats    StatisticsRecorder
	switcher Switcher
	reports  ReportSource
	history  AttemptHistory
	logger   *zap.Logger
	now      func() time.Time
}

func NewMonitor(cfg Config, stats StatisticsRecorder, switcher Switcher, reports ReportSource, history AttemptHistory, logger *zap.Logger) *Monitor {
	return &Monitor{
		state: State{
			OverallHealthStatus: StatusHealthy,
			CurrentSuccessRate:  1,
		},
		cfg:      cfg,
		stats:    stats,
		switcher: switcher,
		reports:  reports,
		history:  history,
		logger:   logger,
		now:      time.Now,
	}
}

func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Warm reloads the rolling window from the attempt history.
func (m *Monitor) Warm(ctx context.Context) error {
	if m.history == nil {
		return nil
	}

	m.mu.Lock()
	since := m.now().Add(-m.cfg.Window)
	m.mu.Unlock()

	records, err := m.history.AttemptsSince(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to load attempt history: %w", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})

	m.mu.Lock()
	m.window = records
	m.trimLocked()
	m.state.CurrentSuccessRate = m.windowSuccessRateLocked()
	m.state.OverallHealthStatus = m.nextStatus(m.state.OverallHealthStatus, m.state.CurrentSuccessRate)
	m.mu.Unlock()

	m.logger.Info("health window warmed", zap.Int("records", len(records)))
	return nil
}

// RecordAttempt ingests one attempt outcome: statistics, health state,
// attempt history, then switch evaluation or recovery when thresholds are
// crossed.
func (m *Monitor) RecordAttempt(ctx context.Context, rec strategy.AttemptRecord) error {
	if err := rec.Strategy.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now()
	}
	m.mu.Unlock()

	if m.stats != nil {
		if _, err := m.stats.Record(ctx, rec.Strategy, rec.Success, rec.DurationMs, rec.FailureReason); err != nil {
			return fmt.Errorf("failed to record statistics: %w", err)
		}
	}

	m.mu.Lock()
	previous := m.state.OverallHealthStatus
	m.applyLocked(rec)
	current := m.state.OverallHealthStatus
	consecutive := m.state.ConsecutiveFailures
	m.mu.Unlock()

	metrics.RecordAttempt(string(rec.Strategy), rec.Success, time.Duration(rec.DurationMs)*time.Millisecond)
	metrics.UpdateHealth(current.Level(), int(consecutive))

	if m.history != nil {
		hctx, cancel := context.WithTimeout(ctx, historyTimeout)
		if err := m.history.LogAttempt(hctx, rec); err != nil {
			metrics.RecordPersistenceError("attempt_log")
			m.logger.Warn("failed to log attempt", zap.String("attempt_id", rec.ID), zap.Error(err))
		}
		cancel()
	}

	if current.Level() > previous.Level() {
		m.logger.Warn("health status degraded",
			zap.String("from", string(previous)),
			zap.String("to", string(current)))
		m.evaluateAfterDrop(ctx)
	}

	if m.cfg.AutoRecovery && consecutive >= m.cfg.ConsecutiveFailureThreshold {
		result := m.PerformAutoRecovery(ctx)
		m.logger.Info("auto recovery finished",
			zap.Bool("success", result.Success),
			zap.Bool("strategy_changed", result.StrategyChanged),
			zap.Strings("actions", result.Actions))
	}

	return nil
}

func (m *Monitor) applyLocked(rec strategy.AttemptRecord) {
	st := &m.state
	st.RealtimeStats.TotalAttempts++
	st.RealtimeStats.LastAttemptTime = rec.Timestamp
	if rec.Success {
		st.RealtimeStats.SuccessfulAttempts++
		st.RealtimeStats.LastSuccessTime = rec.Timestamp
		st.ConsecutiveFailures = 0
	} else {
		st.RealtimeStats.FailedAttempts++
		st.ConsecutiveFailures++
		st.LastFailureTime = rec.Timestamp
		st.LastFailureReason = rec.FailureReason
	}

	m.window = append(m.window, rec)
	m.trimLocked()

	st.CurrentSuccessRate = m.windowSuccessRateLocked()
	st.OverallHealthStatus = m.nextStatus(st.OverallHealthStatus, st.CurrentSuccessRate)
}

// nextStatus applies the status transitions. Critical only clears once the
// success rate is back in the healthy band.
func (m *Monitor) nextStatus(current Status, rate float64) Status {
	switch {
	case rate >= m.cfg.WarningSuccessRate:
		return StatusHealthy
	case rate < m.cfg.CriticalSuccessRate:
		return StatusCritical
	case current == StatusCritical:
		return StatusCritical
	default:
		return StatusWarning
	}
}

func (m *Monitor) trimLocked() {
	cutoff := m.now().Add(-m.cfg.Window)
	i := 0
	for i < len(m.window) && m.window[i].Timestamp.Before(cutoff) {
		i++
	}
	if over := len(m.window) - i - m.cfg.MaxWindowRecords; m.cfg.MaxWindowRecords > 0 && over > 0 {
		i += over
	}
	if i > 0 {
		m.window = append([]strategy.AttemptRecord(nil), m.window[i:]...)
	}
}

func (m *Monitor) windowSuccessRateLocked() float64 {
	if len(m.window) == 0 {
		return 1
	}

	ok := 0
	for _, r := range m.window {
		if r.Success {
			ok++
		}
	}

	return float64(ok) / float64(len(m.window))
}

func (m *Monitor) evaluateAfterDrop(ctx context.Context) {
	if m.switcher == nil || m.reports == nil {
		return
	}

	r := m.reports.Generate(ctx, true)
	sw, err := m.switcher.Evaluate(ctx, m.switcher.Current(), r, strategy.TriggerSuccessRateDrop)
	if err != nil {
		m.logger.Error("switch evaluation after success rate drop failed", zap.Error(err))
		return
	}
	if sw != nil {
		m.logger.Info("strategy switched after success rate drop", zap.String("to", string(sw.ToStrategy)))
	}
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reset clears the health state and the rolling window.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{
		OverallHealthStatus: StatusHealthy,
		CurrentSuccessRate:  1,
	}
	m.window = nil
	metrics.UpdateHealth(StatusHealthy.Level(), 0)
}

// ShouldSwitchStrategy reports whether recent failures justify an emergency
// strategy change.
func (m *Monitor) ShouldSwitchStrategy(consecutiveFailures uint, failureRatio float64) bool {
	return consecutiveFailures >= m.cfg.ConsecutiveFailureThreshold || failureRatio > m.cfg.CriticalFailureRatio
}

// PerformAutoRecovery switches away from a failing strategy when warranted,
// resets the consecutive failure counter and purges expired history.
func (m *Monitor) PerformAutoRecovery(ctx context.Context) RecoveryResult {
	m.recoveryMu.Lock()
	defer m.recoveryMu.Unlock()

	analysis := m.AnalyzeFailurePattern()
	state := m.State()

	result := RecoveryResult{Success: true, Actions: []string{}}

	if m.switcher != nil && m.ShouldSwitchStrategy(state.ConsecutiveFailures, analysis.FailureRatio) {
		target := RecoveryStrategyFor(analysis.MainFailureReason)
		reason := fmt.Sprintf("%d consecutive failures, failure ratio %.2f, main reason %s",
			state.ConsecutiveFailures, analysis.FailureRatio, analysis.MainFailureReason)

		sw, err := m.switcher.ApplySwitch(ctx, target, strategy.TriggerEmergencyFallback, reason)
		switch {
		case err != nil:
			result.Success = false
			result.Actions = append(result.Actions, fmt.Sprintf("Failed to switch to %s: %v", target, err))
		case sw != nil:
			result.StrategyChanged = true
			result.Actions = append(result.Actions, fmt.Sprintf("Switched strategy from %s to %s", sw.FromStrategy, sw.ToStrategy))
		default:
			result.Actions = append(result.Actions, fmt.Sprintf("Kept %s, already active", target))
		}
	}

	m.mu.Lock()
	m.state.ConsecutiveFailures = 0
	status := m.state.OverallHealthStatus
	m.mu.Unlock()
	metrics.UpdateHealth(status.Level(), 0)
	result.Actions = append(result.Actions, "Reset consecutive failure counter")

	if m.history != nil {
		cutoff := m.now().Add(-m.cfg.Retention)
		hctx, cancel := context.WithTimeout(ctx, historyTimeout)
		purged, err := m.history.PurgeOlderThan(hctx, cutoff)
		cancel()
		if err != nil {
			metrics.RecordPersistenceError("attempt_log")
			m.logger.Warn("failed to purge expired history", zap.Error(err))
			result.Actions = append(result.Actions, "History cleanup failed")
		} else {
			result.Actions = append(result.Actions, fmt.Sprintf("Purged %d history records older than %s", purged, cutoff.Format(time.RFC3339)))
		}
	}

	if m.switcher != nil {
		result.ActiveStrategy = m.switcher.Current()
	}

	metrics.RecordRecovery(result.StrategyChanged)
	return result
}

// AnalyzeFailurePattern summarizes the failures in the rolling window.
func (m *Monitor) AnalyzeFailurePattern() FailureAnalysis {
	m.mu.Lock()
	m.trimLocked()
	window := append([]strategy.AttemptRecord(nil), m.window...)
	m.mu.Unlock()

	analysis := FailureAnalysis{
		TotalAttempts:     len(window),
		MainFailureReason: CategoryNone,
		CategoryCounts:    make(map[FailureCategory]int),
		DominantHour:      -1,
		Recommendations:   []string{},
	}

	var hours [24]int
	for _, r := range window {
		if r.Success {
			continue
		}
		analysis.FailedAttempts++
		analysis.CategoryCounts[Classify(r.FailureReason)]++
		hours[r.Timestamp.Hour()]++
	}

	if analysis.FailedAttempts == 0 {
		return analysis
	}

	analysis.FailureRatio = float64(analysis.FailedAttempts) / float64(analysis.TotalAttempts)

	best := 0
	for _, c := range categoryOrder {
		if n := analysis.CategoryCounts[c]; n > best {
			best = n
			analysis.MainFailureReason = c
		}
	}

	for h, n := range hours {
		if n*2 >= analysis.FailedAttempts {
			analysis.HasDominantHour = true
			analysis.DominantHour = h
			analysis.Recommendations = append(analysis.Recommendations,
				fmt.Sprintf("%d of %d failures happen between %02d:00 and %02d:59; check scheduled power saving or doze windows at that time",
					n, analysis.FailedAttempts, h, h))
			break
		}
	}

	analysis.Recommendations = append(analysis.Recommendations,
		fmt.Sprintf("Most failures are %s related (%d of %d)", analysis.MainFailureReason, best, analysis.FailedAttempts))

	return analysis
}

// SuggestOptimization maps an analysis to remediation steps and an urgency.
func (m *Monitor) SuggestOptimization(analysis FailureAnalysis) Suggestion {
	s := Suggestion{
		MainFailureReason: analysis.MainFailureReason,
		Urgency:           UrgencyFor(analysis.FailureRatio),
		Suggestions:       []string{},
	}

	if steps, ok := remediation[analysis.MainFailureReason]; ok {
		s.Suggestions = append(s.Suggestions, steps...)
	}

	return s
}

// UrgencyFor is a non-overlapping ladder over the failure ratio.
func UrgencyFor(failureRatio float64) Urgency {
	switch {
	case failureRatio >= 0.7:
		return UrgencyCritical
	case failureRatio >= 0.3:
		return UrgencyHigh
	default:
		return UrgencyNormal
	}
}
