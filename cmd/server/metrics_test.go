package main

import (
	"context"
	"testing"
	"time"

	"github.com/nadmax/relay/internal/health"
	"github.com/nadmax/relay/internal/metrics"
	"github.com/nadmax/relay/internal/strategy"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGaugeSource struct {
	pending int
	active  strategy.ExecutionStrategy
	state   health.State
}

func (f *fakeGaugeSource) PendingAttempts() int                       { return f.pending }
func (f *fakeGaugeSource) ActiveStrategy() strategy.ExecutionStrategy { return f.active }
func (f *fakeGaugeSource) HealthState() health.State                  { return f.state }

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestUpdateGauges(t *testing.T) {
	src := &fakeGaugeSource{
		pending: 7,
		active:  strategy.ForegroundService,
		state: health.State{
			OverallHealthStatus: health.StatusWarning,
			ConsecutiveFailures: 2,
		},
	}

	updateGauges(src)

	assert.Equal(t, 7.0, gaugeValue(t, metrics.QueueDepth))
	assert.Equal(t, 1.0, gaugeValue(t, metrics.HealthStatus))
	assert.Equal(t, 2.0, gaugeValue(t, metrics.ConsecutiveFailures))
	assert.Equal(t, 1.0, gaugeValue(t, metrics.ActiveStrategy.WithLabelValues(string(strategy.ForegroundService))))
	assert.Equal(t, 0.0, gaugeValue(t, metrics.ActiveStrategy.WithLabelValues(string(strategy.WorkManagerNormal))))
}

func TestStartMetricsCollector_StopsWithContext(t *testing.T) {
	src := &fakeGaugeSource{active: strategy.WorkManagerNormal}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		startMetricsCollector(ctx, src, time.Hour)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}
