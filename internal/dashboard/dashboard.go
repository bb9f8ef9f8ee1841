// Package dashboard implements the web-based monitoring interface for strategy reliability and delivery health.
package dashboard

import (
	"context"
	"net/http"
	"time"

	"github.com/nadmax/relay/internal/health"
	"github.com/nadmax/relay/internal/httputil"
	"github.com/nadmax/relay/internal/report"
	"github.com/nadmax/relay/internal/repository/models"
	"github.com/nadmax/relay/internal/strategy"
)

type Source interface {
	ActiveStrategy() strategy.ExecutionStrategy
	GenerateReliabilityReport(ctx context.Context, forceRefresh bool) report.Report
	HealthState() health.State
	GetAllStrategyStatistics() map[strategy.ExecutionStrategy]strategy.StrategyStatistics
	PendingAttempts() int
	AttemptSummary(ctx context.Context, hours int) ([]models.AttemptSummary, error)
}

type Dashboard struct {
	source Source
}

type Stats struct {
	ActiveStrategy      strategy.ExecutionStrategy `json:"active_strategy"`
	RecommendedStrategy strategy.ExecutionStrategy `json:"recommended_strategy"`
	OverallReliability  float64                    `json:"overall_reliability_score"`
	HealthStatus        health.Status              `json:"health_status"`
	CurrentSuccessRate  float64                    `json:"current_success_rate"`
	ConsecutiveFailures uint                       `json:"consecutive_failures"`
	TotalAttempts       uint64                     `json:"total_attempts"`
	FailedAttempts      uint64                     `json:"failed_attempts"`
	PendingAttempts     int                        `json:"pending_attempts"`
	SuccessRateByType   map[string]float64         `json:"success_rate_by_strategy"`
	AverageDuration     string                     `json:"average_duration"`
	LastUpdated         time.Time                  `json:"last_updated"`
}

type StrategyHistory struct {
	Strategy        string  `json:"strategy"`
	Attempts        int     `json:"attempts"`
	Failures        int     `json:"failures"`
	FailureRate     float64 `json:"failure_rate"`
	AverageDuration string  `json:"average_duration"`
	MaxDuration     string  `json:"max_duration"`
}

func NewDashboard(source Source) *Dashboard {
	return &Dashboard{source: source}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	rep := d.source.GenerateReliabilityReport(r.Context(), false)
	state := d.source.HealthState()

	stats := Stats{
		ActiveStrategy:      d.source.ActiveStrategy(),
		RecommendedStrategy: rep.RecommendedStrategy,
		OverallReliability:  rep.OverallReliabilityScore,
		HealthStatus:        state.OverallHealthStatus,
		CurrentSuccessRate:  state.CurrentSuccessRate,
		ConsecutiveFailures: state.ConsecutiveFailures,
		PendingAttempts:     d.source.PendingAttempts(),
		SuccessRateByType:   make(map[string]float64),
		LastUpdated:         time.Now(),
	}

	var weightedMs, executions uint64
	for s, st := range d.source.GetAllStrategyStatistics() {
		stats.TotalAttempts += st.TotalExecutions
		stats.FailedAttempts += st.FailedExecutions
		if st.TotalExecutions == 0 {
			continue
		}

		stats.SuccessRateByType[string(s)] = st.SuccessRate
		weightedMs += st.AverageExecutionTimeMs * st.TotalExecutions
		executions += st.TotalExecutions
	}

	if executions > 0 {
		avg := time.Duration(weightedMs/executions) * time.Millisecond
		stats.AverageDuration = avg.Round(time.Millisecond).String()
	} else {
		stats.AverageDuration = "N/A"
	}

	httputil.WriteJSON(w, stats, http.StatusOK)
}

// GetHistory summarizes logged attempts per strategy over the last
// ?hours= hours (default 24).
func (d *Dashboard) GetHistory(w http.ResponseWriter, r *http.Request) {
	hours, ok := httputil.QueryInt(r, "hours", 24, 24*30)
	if !ok {
		httputil.WriteJSONError(w, "Invalid hours parameter", http.StatusBadRequest)
		return
	}

	summary, err := d.source.AttemptSummary(r.Context(), hours)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	history := []StrategyHistory{}
	for _, s := range summary {
		h := StrategyHistory{
			Strategy:        s.Strategy,
			Attempts:        s.Attempts,
			Failures:        s.Failures,
			AverageDuration: (time.Duration(s.AvgDurationMs * float64(time.Millisecond))).Round(time.Millisecond).String(),
			MaxDuration:     (time.Duration(s.MaxDurationMs) * time.Millisecond).String(),
		}
		if s.Attempts > 0 {
			h.FailureRate = float64(s.Failures) / float64(s.Attempts)
		}
		history = append(history, h)
	}

	httputil.WriteJSON(w, history, http.StatusOK)
}
