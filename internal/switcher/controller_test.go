package switcher

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/nadmax/relay/internal/report"
	"github.com/nadmax/relay/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockConfig struct {
	stored    strategy.ExecutionStrategy
	saveCalls []strategy.ExecutionStrategy

	LoadError error
	SaveError error
}

func (m *mockConfig) LoadActiveStrategy(ctx context.Context) (strategy.ExecutionStrategy, error) {
	if m.LoadError != nil {
		return "", m.LoadError
	}
	if m.stored == "" {
		return "", ErrNoActiveStrategy
	}
	return m.stored, nil
}

func (m *mockConfig) SaveActiveStrategy(ctx context.Context, s strategy.ExecutionStrategy) error {
	m.saveCalls = append(m.saveCalls, s)
	if m.SaveError != nil {
		return m.SaveError
	}
	m.stored = s
	return nil
}

type mockHistory struct {
	switches []strategy.StrategySwitch
	err      error
}

func (m *mockHistory) AppendSwitch(ctx context.Context, sw strategy.StrategySwitch) error {
	if m.err != nil {
		return m.err
	}
	m.switches = append(m.switches, sw)
	return nil
}

type invalidator struct{ calls int }

func (i *invalidator) Invalidate() { i.calls++ }

type testController struct {
	*Controller
	config  *mockConfig
	history *mockHistory
	reports *invalidator
}

func setupTestController(t *testing.T, initial strategy.ExecutionStrategy) *testController {
	cfg := &mockConfig{}
	hist := &mockHistory{}
	inv := &invalidator{}

	c, err := NewController(cfg, hist, inv, DefaultThreshold, initial, zaptest.NewLogger(t))
	require.NoError(t, err)
	c.SetClock(func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) })

	return &testController{Controller: c, config: cfg, history: hist, reports: inv}
}

func reportWith(recommended strategy.ExecutionStrategy, scores map[strategy.ExecutionStrategy]float64) report.Report {
	r := report.Report{RecommendedStrategy: recommended}
	for _, s := range strategy.Candidates() {
		if v, ok := scores[s]; ok {
			r.StrategyScores = append(r.StrategyScores, strategy.StrategyScore{Strategy: s, Score: v})
		}
	}
	return r
}

func TestNewController_InvalidInitial(t *testing.T) {
	_, err := NewController(nil, nil, nil, 0, "PAGER", zaptest.NewLogger(t))
	assert.ErrorIs(t, err, strategy.ErrUnknownStrategy)
}

func TestLoad_WritesInitialWhenMissing(t *testing.T) {
	c := setupTestController(t, strategy.WorkManagerNormal)

	require.NoError(t, c.Load(context.Background()))
	assert.Equal(t, strategy.WorkManagerNormal, c.config.stored)
}

func TestLoad_RestoresStored(t *testing.T) {
	c := setupTestController(t, strategy.WorkManagerNormal)
	c.config.stored = strategy.ForegroundService

	require.NoError(t, c.Load(context.Background()))
	assert.Equal(t, strategy.ForegroundService, c.Current())
}

func TestLoad_Errors(t *testing.T) {
	c := setupTestController(t, strategy.WorkManagerNormal)
	c.config.LoadError = errors.New("redis down")
	assert.ErrorContains(t, c.Load(context.Background()), "failed to load active strategy")

	c = setupTestController(t, strategy.WorkManagerNormal)
	c.config.stored = "PAGER"
	assert.ErrorIs(t, c.Load(context.Background()), strategy.ErrUnknownStrategy)
	assert.Equal(t, strategy.WorkManagerNormal, c.Current())
}

func TestEvaluateSwitch_AboveThreshold(t *testing.T) {
	c := setupTestController(t, strategy.WorkManagerNormal)

	r := reportWith(strategy.ForegroundService, map[strategy.ExecutionStrategy]float64{
		strategy.WorkManagerNormal: 60,
		strategy.ForegroundService: 80,
	})

	sw, err := c.EvaluateSwitch(context.Background(), strategy.WorkManagerNormal, r)
	require.NoError(t, err)
	require.NotNil(t, sw)

	assert.Equal(t, strategy.WorkManagerNormal, sw.FromStrategy)
	assert.Equal(t, strategy.ForegroundService, sw.ToStrategy)
	assert.Equal(t, strategy.TriggerPeriodicOptimization, sw.Trigger)
	assert.NotEmpty(t, sw.ID)
	assert.Equal(t, strategy.ForegroundService, c.Current())
	assert.Equal(t, strategy.ForegroundService, c.config.stored)
	assert.Len(t, c.history.switches, 1)
	assert.Equal(t, 1, c.reports.calls)
}

func TestEvaluateSwitch_ExactlyThresholdKeeps(t *testing.T) {
	c := setupTestController(t, strategy.WorkManagerNormal)

	r := reportWith(strategy.ForegroundService, map[strategy.ExecutionStrategy]float64{
		strategy.WorkManagerNormal: 60,
		strategy.ForegroundService: 75,
	})

	sw, err := c.EvaluateSwitch(context.Background(), strategy.WorkManagerNormal, r)
	require.NoError(t, err)
	assert.Nil(t, sw)
	assert.Empty(t, c.history.switches)
}

func TestEvaluateSwitch_Hysteresis(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for range 200 {
		c := setupTestController(t, strategy.WorkManagerNormal)
		base := rng.Float64() * 60
		diff := rng.Float64() * 30

		r := reportWith(strategy.WorkManagerExpedited, map[strategy.ExecutionStrategy]float64{
			strategy.WorkManagerNormal:    base,
			strategy.WorkManagerExpedited: base + diff,
		})

		sw, err := c.EvaluateSwitch(context.Background(), strategy.WorkManagerNormal, r)
		require.NoError(t, err)

		if r.StrategyScores[0].Score-r.StrategyScores[1].Score > DefaultThreshold {
			assert.NotNil(t, sw, "diff %.3f should switch", diff)
		} else {
			assert.Nil(t, sw, "diff %.3f should keep", diff)
		}
	}
}

func TestEvaluateSwitch_SameStrategy(t *testing.T) {
	c := setupTestController(t, strategy.WorkManagerNormal)

	r := reportWith(strategy.WorkManagerNormal, map[strategy.ExecutionStrategy]float64{strategy.WorkManagerNormal: 90})
	sw, err := c.EvaluateSwitch(context.Background(), strategy.WorkManagerNormal, r)
	require.NoError(t, err)
	assert.Nil(t, sw)
}

func TestEvaluateSwitch_HybridIsNoOp(t *testing.T) {
	c := setupTestController(t, strategy.HybridAutoSwitch)

	r := reportWith(strategy.ForegroundService, map[strategy.ExecutionStrategy]float64{strategy.ForegroundService: 99})
	sw, err := c.EvaluateSwitch(context.Background(), strategy.HybridAutoSwitch, r)
	require.NoError(t, err)
	assert.Nil(t, sw)
	assert.Equal(t, strategy.HybridAutoSwitch, c.Current())
}

func TestEvaluateSwitch_MissingScore(t *testing.T) {
	c := setupTestController(t, strategy.WorkManagerNormal)

	r := reportWith(strategy.ForegroundService, map[strategy.ExecutionStrategy]float64{strategy.ForegroundService: 99})
	sw, err := c.EvaluateSwitch(context.Background(), strategy.WorkManagerNormal, r)
	require.NoError(t, err)
	assert.Nil(t, sw)
}

func TestEvaluateSwitch_UnknownCurrent(t *testing.T) {
	c := setupTestController(t, strategy.WorkManagerNormal)

	_, err := c.EvaluateSwitch(context.Background(), "PAGER", report.Report{})
	assert.ErrorIs(t, err, strategy.ErrUnknownStrategy)
}

func TestApplySwitch(t *testing.T) {
	c := setupTestController(t, strategy.WorkManagerNormal)
	ctx := context.Background()

	sw, err := c.ApplySwitch(ctx, strategy.ForegroundService, strategy.TriggerEmergencyFallback, "3 consecutive failures")
	require.NoError(t, err)
	require.NotNil(t, sw)
	assert.Equal(t, "3 consecutive failures", sw.Reason)

	sw, err = c.ApplySwitch(ctx, strategy.ForegroundService, strategy.TriggerEmergencyFallback, "again")
	require.NoError(t, err)
	assert.Nil(t, sw)
	assert.Len(t, c.history.switches, 1)

	_, err = c.ApplySwitch(ctx, "PAGER", strategy.TriggerUserPreference, "")
	assert.ErrorIs(t, err, strategy.ErrUnknownStrategy)
}

func TestApplySwitch_HistoryFailureStillSwitches(t *testing.T) {
	c := setupTestController(t, strategy.WorkManagerNormal)
	c.history.err = errors.New("postgres down")

	sw, err := c.ApplySwitch(context.Background(), strategy.WorkManagerExpedited, strategy.TriggerUserPreference, "user preference")
	require.NoError(t, err)
	require.NotNil(t, sw)
	assert.Equal(t, strategy.WorkManagerExpedited, c.Current())
}

func TestApplySwitch_ConfigRetriedOnNextCall(t *testing.T) {
	c := setupTestController(t, strategy.WorkManagerNormal)
	ctx := context.Background()

	c.config.SaveError = errors.New("redis down")
	_, err := c.ApplySwitch(ctx, strategy.ForegroundService, strategy.TriggerUserPreference, "user preference")
	require.NoError(t, err)
	assert.Equal(t, strategy.ForegroundService, c.Current())
	assert.Empty(t, c.config.stored)

	c.config.SaveError = nil
	sw, err := c.ApplySwitch(ctx, strategy.ForegroundService, strategy.TriggerUserPreference, "user preference")
	require.NoError(t, err)
	assert.Nil(t, sw)
	assert.Equal(t, strategy.ForegroundService, c.config.stored)
	assert.Len(t, c.config.saveCalls, 2)
}
