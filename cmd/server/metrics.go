package main

import (
	"context"
	"time"

	"github.com/nadmax/relay/internal/health"
	"github.com/nadmax/relay/internal/metrics"
	"github.com/nadmax/relay/internal/strategy"
)

type gaugeSource interface {
	PendingAttempts() int
	ActiveStrategy() strategy.ExecutionStrategy
	HealthState() health.State
}

func startMetricsCollector(ctx context.Context, src gaugeSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	updateGauges(src)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateGauges(src)
		}
	}
}

func updateGauges(src gaugeSource) {
	metrics.UpdateQueueDepth(src.PendingAttempts())
	metrics.UpdateActiveStrategy(string(src.ActiveStrategy()))

	state := src.HealthState()
	metrics.UpdateHealth(state.OverallHealthStatus.Level(), int(state.ConsecutiveFailures))
}
