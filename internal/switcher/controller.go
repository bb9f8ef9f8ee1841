// Package switcher decides when the active execution strategy changes and
// records every change.
package switcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/relay/internal/metrics"
	"github.com/nadmax/relay/internal/report"
	"github.com/nadmax/relay/internal/strategy"
	"go.uber.org/zap"
)

// DefaultThreshold is the minimum score gain required before the active
// strategy changes. Differences at or below it never cause a switch.
const DefaultThreshold = 15.0

const writeTimeout = 3 * time.Second

// ErrNoActiveStrategy is returned by an ActiveStrategyStore that has no value yet.
var ErrNoActiveStrategy = errors.New("no active strategy configured")

type ActiveStrategyStore interface {
	LoadActiveStrategy(ctx context.Context) (strategy.ExecutionStrategy, error)
	SaveActiveStrategy(ctx context.Context, s strategy.ExecutionStrategy) error
}

type HistoryStore interface {
	AppendSwitch(ctx context.Context, sw strategy.StrategySwitch) error
}

type Invalidator interface {
	Invalidate()
}

// Controller owns the active strategy. Evaluation and application are
// serialized by a single lock so only one mutation is in flight at a time.
type Controller struct {
	mu          sync.Mutex
	current     strategy.ExecutionStrategy
	configDirty bool

	config    ActiveStrategyStore
	history   HistoryStore
	reports   Invalidator
	threshold float64
	logger    *zap.Logger
	now       func() time.Time
}

func NewController(config ActiveStrategyStore, history HistoryStore, reports Invalidator, threshold float64, initial strategy.ExecutionStrategy, logger *zap.Logger) (*Controller, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	return &Controller{
		current:   initial,
		config:    config,
		history:   history,
		reports:   reports,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Load reads the active strategy from shared configuration. When nothing is
// stored yet the initial strategy is written.
func (c *Controller) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config == nil {
		return nil
	}

	active, err := c.config.LoadActiveStrategy(ctx)
	switch {
	case errors.Is(err, ErrNoActiveStrategy):
		c.saveConfig(ctx)
		metrics.UpdateActiveStrategy(string(c.current))
		return nil
	case err != nil:
		return fmt.Errorf("failed to load active strategy: %w", err)
	}

	if err := active.Validate(); err != nil {
		return fmt.Errorf("stored active strategy is invalid: %w", err)
	}

	c.current = active
	metrics.UpdateActiveStrategy(string(active))
	return nil
}

func (c *Controller) Current() strategy.ExecutionStrategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// EvaluateSwitch applies the report's recommendation when it beats current by
// more than the threshold, recording the change as a periodic optimization.
func (c *Controller) EvaluateSwitch(ctx context.Context, current strategy.ExecutionStrategy, r report.Report) (*strategy.StrategySwitch, error) {
	return c.Evaluate(ctx, current, r, strategy.TriggerPeriodicOptimization)
}

// Evaluate is EvaluateSwitch with an explicit trigger.
func (c *Controller) Evaluate(ctx context.Context, current strategy.ExecutionStrategy, r report.Report, trigger strategy.SwitchTrigger) (*strategy.StrategySwitch, error) {
	if err := current.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryConfig(ctx)

	// Hybrid mode already follows every recommendation.
	if current == strategy.HybridAutoSwitch {
		return nil, nil
	}

	recommended := r.RecommendedStrategy
	if recommended == current {
		return nil, nil
	}

	rec, ok := r.ScoreOf(recommended)
	if !ok {
		return nil, nil
	}
	cur, ok := r.ScoreOf(current)
	if !ok {
		return nil, nil
	}

	diff := rec.Score - cur.Score
	if diff <= c.threshold {
		c.logger.Debug("score difference within hysteresis band, keeping strategy",
			zap.String("current", string(current)),
			zap.String("recommended", string(recommended)),
			zap.Float64("diff", diff))
		return nil, nil
	}

	reason := fmt.Sprintf("%s scores %.1f vs %.1f for %s", recommended, rec.Score, cur.Score, current)
	sw := c.apply(ctx, current, recommended, trigger, reason)
	return &sw, nil
}

// ApplySwitch changes the active strategy unconditionally. It returns nil
// when to is already active.
func (c *Controller) ApplySwitch(ctx context.Context, to strategy.ExecutionStrategy, trigger strategy.SwitchTrigger, reason string) (*strategy.StrategySwitch, error) {
	if err := to.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryConfig(ctx)

	if to == c.current {
		return nil, nil
	}

	sw := c.apply(ctx, c.current, to, trigger, reason)
	return &sw, nil
}

func (c *Controller) apply(ctx context.Context, from, to strategy.ExecutionStrategy, trigger strategy.SwitchTrigger, reason string) strategy.StrategySwitch {
	sw := strategy.NewSwitch(from, to, trigger, reason, c.now())
	c.current = to
	metrics.UpdateActiveStrategy(string(to))

	c.saveConfig(ctx)

	if c.history != nil {
		hctx, cancel := context.WithTimeout(ctx, writeTimeout)
		if err := c.history.AppendSwitch(hctx, sw); err != nil {
			metrics.RecordPersistenceError("switch_history")
			c.logger.Warn("failed to append switch history", zap.String("switch_id", sw.ID), zap.Error(err))
		}
		cancel()
	}

	if c.reports != nil {
		c.reports.Invalidate()
	}

	metrics.RecordStrategySwitch(string(from), string(to), string(trigger))
	c.logger.Info("active strategy switched",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("trigger", string(trigger)),
		zap.String("reason", reason))

	return sw
}

// saveConfig writes the in-memory strategy; on failure the write is retried
// by the next call. Callers hold c.mu.
func (c *Controller) saveConfig(ctx context.Context) {
	if c.config == nil {
		return
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := c.config.SaveActiveStrategy(wctx, c.current); err != nil {
		c.configDirty = true
		metrics.RecordPersistenceError("active_strategy")
		c.logger.Warn("failed to save active strategy, will retry", zap.String("strategy", string(c.current)), zap.Error(err))
		return
	}

	c.configDirty = false
}

func (c *Controller) retryConfig(ctx context.Context) {
	if c.configDirty {
		c.saveConfig(ctx)
	}
}
