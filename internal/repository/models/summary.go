// Package models contains data structures used by the history repository layer.
package models

type AttemptSummary struct {
	Strategy      string  `json:"strategy"`
	Attempts      int     `json:"attempts"`
	Failures      int     `json:"failures"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MaxDurationMs int64   `json:"max_duration_ms"`
}
