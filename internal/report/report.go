// Package report builds the background reliability report: a score for every
// concrete strategy, the recommended strategy, an overall reliability score
// and operator-facing recommendations.
package report

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/nadmax/relay/internal/cache"
	"github.com/nadmax/relay/internal/device"
	"github.com/nadmax/relay/internal/evaluator"
	"github.com/nadmax/relay/internal/strategy"
	"go.uber.org/zap"
)

const (
	DefaultTTL = 5 * time.Minute

	dozePenalty          = 0.9
	criticalBatteryLevel = 15
	criticalBatteryPenal = 0.8
	offlinePenalty       = 0.7
	lowCapabilityScore   = 50
	lowCapabilityPenalty = 0.8

	lowVendorScore  = 70
	lowBatteryLevel = 20
	weakBestScore   = 70
)

// FallbackStrategy is used when no strategy could be scored.
const FallbackStrategy = strategy.WorkManagerNormal

type Report struct {
	DeviceState             device.DeviceState         `json:"device_state"`
	PermissionStatus        device.PermissionStatus    `json:"permission_status"`
	StrategyScores          []strategy.StrategyScore   `json:"strategy_scores"`
	RecommendedStrategy     strategy.ExecutionStrategy `json:"recommended_strategy"`
	OverallReliabilityScore float64                    `json:"overall_reliability_score"`
	Recommendations         []string                   `json:"recommendations"`
	Timestamp               time.Time                  `json:"timestamp"`
}

// ScoreOf returns the score computed for s in this report.
func (r Report) ScoreOf(s strategy.ExecutionStrategy) (strategy.StrategyScore, bool) {
	for _, sc := range r.StrategyScores {
		if sc.Strategy == s {
			return sc, true
		}
	}

	return strategy.StrategyScore{}, false
}

type DeviceSource interface {
	Get(ctx context.Context, forceRefresh bool) device.DeviceState
	Permissions(ctx context.Context) device.PermissionStatus
}

type StatisticsSource interface {
	All() map[strategy.ExecutionStrategy]strategy.StrategyStatistics
}

type Generator struct {
	devices DeviceSource
	stats   StatisticsSource
	cache   *cache.TTL[Report]
	logger  *zap.Logger

	mu  sync.RWMutex
	now func() time.Time
}

func NewGenerator(devices DeviceSource, stats StatisticsSource, ttl time.Duration, logger *zap.Logger) *Generator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Generator{
		devices: devices,
		stats:   stats,
		cache:   cache.NewTTL[Report](ttl),
		logger:  logger,
		now:     time.Now,
	}
}

func (g *Generator) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
	g.cache.SetClock(now)
}

func (g *Generator) clock() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.now()
}

// Generate returns the cached report unless it expired or forceRefresh is set.
func (g *Generator) Generate(ctx context.Context, forceRefresh bool) Report {
	r, err := g.cache.Get(ctx, forceRefresh, func(ctx context.Context) (Report, error) {
		return g.build(ctx, forceRefresh), nil
	})
	if err != nil {
		g.logger.Error("report generation failed", zap.Error(err))
		return g.build(ctx, forceRefresh)
	}

	return r
}

// Invalidate forces the next Generate call to recompute.
func (g *Generator) Invalidate() {
	g.cache.Invalidate()
}

func (g *Generator) CacheStats() cache.Stats {
	return g.cache.Stats()
}

func (g *Generator) build(ctx context.Context, forceRefresh bool) Report {
	state := g.devices.Get(ctx, forceRefresh)
	perms := g.devices.Permissions(ctx)
	all := g.stats.All()

	scores := make([]strategy.StrategyScore, 0, len(strategy.Candidates()))
	for _, s := range strategy.Candidates() {
		sc, err := evaluator.Score(s, state, perms, all[s])
		if err != nil {
			g.logger.Error("failed to score strategy", zap.String("strategy", s.String()), zap.Error(err))
			continue
		}
		scores = append(scores, sc)
	}

	recommended, best := pickBest(scores)

	r := Report{
		DeviceState:             state,
		PermissionStatus:        perms,
		StrategyScores:          scores,
		RecommendedStrategy:     recommended,
		OverallReliabilityScore: overallScore(best, state),
		Recommendations:         recommendations(state, perms, best),
		Timestamp:               g.clock(),
	}

	g.logger.Debug("reliability report generated",
		zap.String("recommended", string(recommended)),
		zap.Float64("best_score", best),
		zap.Float64("overall", r.OverallReliabilityScore))

	return r
}

// pickBest returns the highest scoring strategy; scores arrive in enumeration
// order so a strict comparison keeps the earlier strategy on ties.
func pickBest(scores []strategy.StrategyScore) (strategy.ExecutionStrategy, float64) {
	if len(scores) == 0 {
		return FallbackStrategy, 0
	}

	best := scores[0]
	for _, sc := range scores[1:] {
		if sc.Score > best.Score {
			best = sc
		}
	}

	return best.Strategy, best.Score
}

func overallScore(best float64, d device.DeviceState) float64 {
	score := best
	if d.IsInDozeMode {
		score *= dozePenalty
	}
	if d.BatteryLevel < criticalBatteryLevel {
		score *= criticalBatteryPenal
	}
	if !d.HasNetwork() {
		score *= offlinePenalty
	}
	if d.BackgroundCapabilityScore < lowCapabilityScore {
		score *= lowCapabilityPenalty
	}

	return math.Max(0, math.Min(100, score))
}

func recommendations(d device.DeviceState, p device.PermissionStatus, best float64) []string {
	recs := []string{}

	if !p.HasSMSPermission {
		recs = append(recs, "Grant the SMS receive permission so incoming messages can be captured")
	}
	if !p.IsBatteryOptimizationIgnored {
		recs = append(recs, "Exclude the app from battery optimization to avoid deferred deliveries")
	}
	if !p.HasNotificationPermission {
		recs = append(recs, "Allow notifications so the foreground service strategy can run")
	}
	if p.VendorPermissionScore < lowVendorScore {
		recs = append(recs, "Review vendor-specific background restrictions (auto-start, app lock, power manager)")
	}
	if d.IsInDozeMode {
		recs = append(recs, "Device is in doze mode; background work may be delayed until the next maintenance window")
	}
	if d.BatteryLevel < lowBatteryLevel {
		recs = append(recs, "Battery is low; charge the device to keep background delivery reliable")
	}
	if !d.HasNetwork() {
		recs = append(recs, "No network connection; deliveries will fail until connectivity returns")
	}
	if best < weakBestScore {
		recs = append(recs, "No strategy scores well on this device; consider the foreground service strategy")
	}
	if d.Degraded || p.Degraded {
		recs = append(recs, "Device telemetry is partially unavailable; scores use conservative defaults")
	}

	return recs
}
