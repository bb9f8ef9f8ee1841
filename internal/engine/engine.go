// Package engine assembles the reliability components into the single entry
// point used by the HTTP API and the forwarding transport.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/relay/internal/device"
	"github.com/nadmax/relay/internal/health"
	"github.com/nadmax/relay/internal/metrics"
	"github.com/nadmax/relay/internal/report"
	"github.com/nadmax/relay/internal/repository/models"
	"github.com/nadmax/relay/internal/stats"
	"github.com/nadmax/relay/internal/strategy"
	"github.com/nadmax/relay/internal/switcher"
	"github.com/nadmax/relay/internal/worker"
	"go.uber.org/zap"
)

const DefaultOptimizeInterval = 15 * time.Minute

var ErrAttemptDropped = errors.New("attempt queue full, record dropped")

type Config struct {
	InitialStrategy  string        `toml:"initial_strategy"`
	SwitchThreshold  float64       `toml:"switch_threshold"`
	OptimizeInterval time.Duration `toml:"optimize_interval"`
	DeviceStateTTL   time.Duration `toml:"device_state_ttl"`
	ReadTimeout      time.Duration `toml:"read_timeout"`
	ReportTTL        time.Duration `toml:"report_ttl"`
	QueueCapacity    int           `toml:"queue_capacity"`
	Health           health.Config `toml:"health"`
}

func DefaultConfig() Config {
	return Config{
		InitialStrategy:  string(strategy.WorkManagerNormal),
		SwitchThreshold:  switcher.DefaultThreshold,
		OptimizeInterval: DefaultOptimizeInterval,
		DeviceStateTTL:   device.DefaultStateTTL,
		ReadTimeout:      device.DefaultReadTimeout,
		ReportTTL:        report.DefaultTTL,
		QueueCapacity:    worker.DefaultCapacity,
		Health:           health.DefaultConfig(),
	}
}

// History is the durable record of switches and attempts.
type History interface {
	AppendSwitch(ctx context.Context, sw strategy.StrategySwitch) error
	ListSwitches(ctx context.Context, limit int) ([]strategy.StrategySwitch, error)
	LogAttempt(ctx context.Context, rec strategy.AttemptRecord) error
	AttemptsSince(ctx context.Context, since time.Time) ([]strategy.AttemptRecord, error)
	AttemptSummary(ctx context.Context, hours int) ([]models.AttemptSummary, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Reset(ctx context.Context) error
}

type Resetter interface {
	Reset(ctx context.Context) error
}

// Dependencies are the external collaborators. Telemetry and Permissions may
// be nil, in which case defaults are served.
type Dependencies struct {
	Telemetry   device.TelemetryProvider
	Permissions device.PermissionProvider
	Snapshots   device.SnapshotSink
	Statistics  stats.Persistence
	Active      switcher.ActiveStrategyStore
	History     History
	State       Resetter
}

type Engine struct {
	cfg        Config
	devices    *device.Provider
	stats      *stats.Store
	reports    *report.Generator
	controller *switcher.Controller
	monitor    *health.Monitor
	worker     *worker.Worker
	history    History
	state      Resetter
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Engine, error) {
	initial, err := strategy.Parse(cfg.InitialStrategy)
	if err != nil {
		return nil, fmt.Errorf("failed to parse initial strategy: %w", err)
	}
	if cfg.OptimizeInterval <= 0 {
		cfg.OptimizeInterval = DefaultOptimizeInterval
	}

	e := &Engine{
		cfg:     cfg,
		history: deps.History,
		state:   deps.State,
		logger:  logger,
	}

	e.devices = device.NewProvider(deps.Telemetry, deps.Permissions, deps.Snapshots, cfg.DeviceStateTTL, cfg.ReadTimeout, logger.Named("device"))
	e.stats = stats.NewStore(deps.Statistics, logger.Named("stats"))
	e.reports = report.NewGenerator(e.devices, e.stats, cfg.ReportTTL, logger.Named("report"))

	var switchHistory switcher.HistoryStore
	var attemptHistory health.AttemptHistory
	if deps.History != nil {
		switchHistory = deps.History
		attemptHistory = deps.History
	}

	e.controller, err = switcher.NewController(deps.Active, switchHistory, e.reports, cfg.SwitchThreshold, initial, logger.Named("switcher"))
	if err != nil {
		return nil, fmt.Errorf("failed to create switch controller: %w", err)
	}

	e.monitor = health.NewMonitor(cfg.Health, e.stats, e.controller, e.reports, attemptHistory, logger.Named("health"))
	e.worker = worker.NewWorker("attempts", cfg.QueueCapacity, e.monitor.RecordAttempt, logger)

	return e, nil
}

// SetClock replaces the time source of every component.
func (e *Engine) SetClock(now func() time.Time) {
	e.devices.SetClock(now)
	e.stats.SetClock(now)
	e.reports.SetClock(now)
	e.controller.SetClock(now)
	e.monitor.SetClock(now)
}

// Start loads persisted state and launches the attempt worker and the
// periodic optimizer. Load failures are logged; the engine runs on defaults.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return errors.New("engine already running")
	}

	if err := e.stats.Load(ctx); err != nil {
		e.logger.Warn("starting with empty statistics", zap.Error(err))
	}
	if err := e.controller.Load(ctx); err != nil {
		e.logger.Warn("starting with initial strategy", zap.Error(err))
	}
	if err := e.monitor.Warm(ctx); err != nil {
		e.logger.Warn("starting with empty health window", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.running = true

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.worker.Start()
	}()
	go func() {
		defer e.wg.Done()
		e.optimizeLoop(runCtx)
	}()

	e.logger.Info("engine started",
		zap.String("active_strategy", e.controller.Current().String()),
		zap.Duration("optimize_interval", e.cfg.OptimizeInterval))
	return nil
}

// Stop halts the optimizer and drains the attempt queue.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		e.worker.Stop()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.worker.Stop()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

func (e *Engine) optimizeLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.OptimizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Optimize(ctx); err != nil {
				e.logger.Error("periodic optimization failed", zap.Error(err))
			}
		}
	}
}

// Optimize runs one optimization pass against a fresh report.
func (e *Engine) Optimize(ctx context.Context) (*strategy.StrategySwitch, error) {
	r := e.GenerateReliabilityReport(ctx, true)
	return e.controller.EvaluateSwitch(ctx, e.controller.Current(), r)
}

func (e *Engine) GenerateReliabilityReport(ctx context.Context, forceRefresh bool) report.Report {
	metrics.RecordReportRequest(forceRefresh)

	r := e.reports.Generate(ctx, forceRefresh)

	scores := make(map[string]float64, len(r.StrategyScores))
	for _, s := range r.StrategyScores {
		scores[string(s.Strategy)] = s.Score
	}
	metrics.UpdateStrategyScores(scores, r.OverallReliabilityScore)

	return r
}

// GetOptimalStrategy returns the strategy recommended by the current report.
func (e *Engine) GetOptimalStrategy(ctx context.Context, forceRefresh bool) strategy.ExecutionStrategy {
	r := e.GenerateReliabilityReport(ctx, forceRefresh)
	if r.RecommendedStrategy.Validate() != nil || r.RecommendedStrategy == strategy.HybridAutoSwitch {
		return report.FallbackStrategy
	}
	return r.RecommendedStrategy
}

// ExecutionStrategy returns the concrete strategy work should run under. In
// hybrid mode that is the current recommendation.
func (e *Engine) ExecutionStrategy(ctx context.Context) strategy.ExecutionStrategy {
	active := e.controller.Current()
	if active != strategy.HybridAutoSwitch {
		return active
	}
	return e.GetOptimalStrategy(ctx, false)
}

// RecordExecutionResult queues an attempt outcome for asynchronous
// processing. Unknown strategies are rejected before queueing.
func (e *Engine) RecordExecutionResult(rec strategy.AttemptRecord) error {
	if err := rec.Strategy.Validate(); err != nil {
		return err
	}

	if rec.ID == "" {
		fresh := strategy.NewAttemptRecord(rec.Strategy, rec.Success, 0, rec.FailureReason)
		rec.ID = fresh.ID
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	if !e.worker.Submit(rec) {
		return ErrAttemptDropped
	}
	return nil
}

// RecordExecutionResultSync processes an attempt inline, bypassing the queue.
func (e *Engine) RecordExecutionResultSync(ctx context.Context, rec strategy.AttemptRecord) error {
	return e.monitor.RecordAttempt(ctx, rec)
}

func (e *Engine) PendingAttempts() int {
	return e.worker.Pending()
}

func (e *Engine) GetStrategyStatistics(s strategy.ExecutionStrategy) (strategy.StrategyStatistics, error) {
	return e.stats.Get(s)
}

func (e *Engine) GetAllStrategyStatistics() map[strategy.ExecutionStrategy]strategy.StrategyStatistics {
	return e.stats.All()
}

func (e *Engine) PerformAutoRecovery(ctx context.Context) health.RecoveryResult {
	return e.monitor.PerformAutoRecovery(ctx)
}

// ResetAllData clears statistics, health state, history and caches. The
// active strategy is kept.
func (e *Engine) ResetAllData(ctx context.Context) error {
	var errs []error

	if err := e.stats.Reset(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to reset statistics: %w", err))
	}
	if e.state != nil {
		if err := e.state.Reset(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to reset shared state: %w", err))
		}
	}
	if e.history != nil {
		if err := e.history.Reset(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to reset history: %w", err))
		}
	}

	e.monitor.Reset()
	e.devices.Invalidate()
	e.reports.Invalidate()

	e.logger.Info("all reliability data reset", zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

func (e *Engine) ActiveStrategy() strategy.ExecutionStrategy {
	return e.controller.Current()
}

// SetPreferredStrategy switches to s on behalf of the user.
func (e *Engine) SetPreferredStrategy(ctx context.Context, s strategy.ExecutionStrategy) (*strategy.StrategySwitch, error) {
	return e.controller.ApplySwitch(ctx, s, strategy.TriggerUserPreference, "user preference")
}

func (e *Engine) HealthState() health.State {
	return e.monitor.State()
}

func (e *Engine) AnalyzeFailurePattern() health.FailureAnalysis {
	return e.monitor.AnalyzeFailurePattern()
}

func (e *Engine) SuggestOptimization() health.Suggestion {
	return e.monitor.SuggestOptimization(e.monitor.AnalyzeFailurePattern())
}

func (e *Engine) SwitchHistory(ctx context.Context, limit int) ([]strategy.StrategySwitch, error) {
	if e.history == nil {
		return []strategy.StrategySwitch{}, nil
	}
	return e.history.ListSwitches(ctx, limit)
}

func (e *Engine) AttemptSummary(ctx context.Context, hours int) ([]models.AttemptSummary, error) {
	if e.history == nil {
		return []models.AttemptSummary{}, nil
	}
	return e.history.AttemptSummary(ctx, hours)
}

func (e *Engine) DeviceState(ctx context.Context, forceRefresh bool) device.DeviceState {
	return e.devices.Get(ctx, forceRefresh)
}

func (e *Engine) PermissionStatus(ctx context.Context) device.PermissionStatus {
	return e.devices.Permissions(ctx)
}

// InvalidateDeviceState drops cached device and report data after new
// telemetry arrives.
func (e *Engine) InvalidateDeviceState() {
	e.devices.Invalidate()
	e.reports.Invalidate()
}
