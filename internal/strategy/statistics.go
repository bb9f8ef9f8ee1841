package strategy

import (
	"encoding/json"
	"math"
	"time"
)

const (
	MaxRecentFailures = 5
	MaxRecentResults  = 10

	// MinReliableSamples is the sample size below which historical figures
	// are treated as neutral.
	MinReliableSamples = 5
	reliableRate       = 0.8
	neutralSuccessRate = 0.5
)

type StrategyStatistics struct {
	Strategy               ExecutionStrategy `json:"strategy"`
	TotalExecutions        uint64            `json:"total_executions"`
	SuccessfulExecutions   uint64            `json:"successful_executions"`
	FailedExecutions       uint64            `json:"failed_executions"`
	AverageExecutionTimeMs uint64            `json:"average_execution_time_ms"`
	SuccessRate            float64           `json:"success_rate"`
	LastExecutionTime      time.Time         `json:"last_execution_time"`
	RecentFailures         []string          `json:"recent_failures"`
	RecentResults          []bool            `json:"recent_results"`
}

func NewStatistics(s ExecutionStrategy) StrategyStatistics {
	return StrategyStatistics{
		Strategy:       s,
		RecentFailures: []string{},
		RecentResults:  []bool{},
	}
}

// Apply folds one execution outcome into the aggregate and returns the
// updated copy. The receiver is left untouched.
func (s StrategyStatistics) Apply(success bool, durationMs uint64, failureReason string, at time.Time) StrategyStatistics {
	oldTotal := s.TotalExecutions
	s.TotalExecutions++
	if success {
		s.SuccessfulExecutions++
	} else {
		s.FailedExecutions++
	}

	weighted := float64(s.AverageExecutionTimeMs)*float64(oldTotal) + float64(durationMs)
	s.AverageExecutionTimeMs = uint64(math.Round(weighted / float64(s.TotalExecutions)))
	s.SuccessRate = float64(s.SuccessfulExecutions) / float64(s.TotalExecutions)
	s.LastExecutionTime = at

	failures := make([]string, 0, MaxRecentFailures)
	failures = append(failures, s.RecentFailures...)
	if !success && failureReason != "" {
		failures = append(failures, failureReason)
	}
	if len(failures) > MaxRecentFailures {
		failures = failures[len(failures)-MaxRecentFailures:]
	}
	s.RecentFailures = failures

	results := make([]bool, 0, MaxRecentResults+1)
	results = append(results, s.RecentResults...)
	results = append(results, success)
	if len(results) > MaxRecentResults {
		results = results[len(results)-MaxRecentResults:]
	}
	s.RecentResults = results

	return s
}

// EffectiveSuccessRate is the success rate used for scoring; an empty record
// is neutral.
func (s StrategyStatistics) EffectiveSuccessRate() float64 {
	if s.TotalExecutions == 0 {
		return neutralSuccessRate
	}

	return float64(s.SuccessfulExecutions) / float64(s.TotalExecutions)
}

// RecentSuccessRate returns the success rate over the recorded recent
// outcomes and false when there are none.
func (s StrategyStatistics) RecentSuccessRate() (float64, bool) {
	if len(s.RecentResults) == 0 {
		return 0, false
	}

	ok := 0
	for _, r := range s.RecentResults {
		if r {
			ok++
		}
	}

	return float64(ok) / float64(len(s.RecentResults)), true
}

func (s StrategyStatistics) IsReliable() bool {
	return s.TotalExecutions >= MinReliableSamples && s.SuccessRate >= reliableRate
}

func (s StrategyStatistics) Clone() StrategyStatistics {
	c := s
	c.RecentFailures = append([]string{}, s.RecentFailures...)
	c.RecentResults = append([]bool{}, s.RecentResults...)
	return c
}

func (s StrategyStatistics) ToJSON() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func StatisticsFromJSON(data string) (StrategyStatistics, error) {
	var s StrategyStatistics
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return StrategyStatistics{}, err
	}
	if s.RecentFailures == nil {
		s.RecentFailures = []string{}
	}
	if s.RecentResults == nil {
		s.RecentResults = []bool{}
	}

	return s, nil
}
