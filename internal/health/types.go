// Package health tracks delivery outcomes in real time, diagnoses failure
// patterns and runs automatic recovery when delivery keeps failing.
package health

import (
	"strings"
	"time"

	"github.com/nadmax/relay/internal/strategy"
)

type (
	Status          string
	FailureCategory string
	Urgency         string
)

const (
	StatusHealthy  Status = "HEALTHY"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

const (
	CategoryBattery           FailureCategory = "BATTERY"
	CategoryDozeMode          FailureCategory = "DOZE_MODE"
	CategoryVendorRestriction FailureCategory = "VENDOR_RESTRICTION"
	CategoryNetwork           FailureCategory = "NETWORK"
	CategoryPermission        FailureCategory = "PERMISSION"
	CategoryTimeout           FailureCategory = "TIMEOUT"
	CategoryUnknown           FailureCategory = "UNKNOWN"
	CategoryNone              FailureCategory = "NONE"
)

const (
	UrgencyNormal   Urgency = "NORMAL"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyCritical Urgency = "CRITICAL"
)

// Level orders statuses from best to worst.
func (s Status) Level() int {
	switch s {
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	default:
		return 0
	}
}

type RealtimeStats struct {
	TotalAttempts      uint64    `json:"total_attempts"`
	SuccessfulAttempts uint64    `json:"successful_attempts"`
	FailedAttempts     uint64    `json:"failed_attempts"`
	LastAttemptTime    time.Time `json:"last_attempt_time"`
	LastSuccessTime    time.Time `json:"last_success_time"`
}

type State struct {
	RealtimeStats       RealtimeStats `json:"realtime_stats"`
	ConsecutiveFailures uint          `json:"consecutive_failures"`
	LastFailureTime     time.Time     `json:"last_failure_time"`
	LastFailureReason   string        `json:"last_failure_reason,omitempty"`
	OverallHealthStatus Status        `json:"overall_health_status"`
	CurrentSuccessRate  float64       `json:"current_success_rate"`
}

type FailureAnalysis struct {
	TotalAttempts     int                     `json:"total_attempts"`
	FailedAttempts    int                     `json:"failed_attempts"`
	FailureRatio      float64                 `json:"failure_ratio"`
	MainFailureReason FailureCategory         `json:"main_failure_reason"`
	CategoryCounts    map[FailureCategory]int `json:"category_counts"`
	HasDominantHour   bool                    `json:"has_dominant_hour"`
	DominantHour      int                     `json:"dominant_hour"`
	Recommendations   []string                `json:"recommendations"`
}

type Suggestion struct {
	MainFailureReason FailureCategory `json:"main_failure_reason"`
	Urgency           Urgency         `json:"urgency"`
	Suggestions       []string        `json:"suggestions"`
}

type RecoveryResult struct {
	Success         bool                       `json:"success"`
	Actions         []string                   `json:"actions"`
	StrategyChanged bool                       `json:"strategy_changed"`
	ActiveStrategy  strategy.ExecutionStrategy `json:"active_strategy"`
}

// categoryOrder is used for deterministic tie breaking.
var categoryOrder = []FailureCategory{
	CategoryBattery,
	CategoryDozeMode,
	CategoryVendorRestriction,
	CategoryNetwork,
	CategoryPermission,
	CategoryTimeout,
	CategoryUnknown,
}

var categoryKeywords = []struct {
	category FailureCategory
	keywords []string
}{
	{CategoryDozeMode, []string{"DOZE", "IDLE", "STANDBY"}},
	{CategoryBattery, []string{"BATTERY", "POWER_SAVE", "POWER SAVE", "LOW_POWER"}},
	{CategoryVendorRestriction, []string{"VENDOR", "AUTOSTART", "AUTO_START", "MIUI", "EMUI", "KILLED", "OEM"}},
	{CategoryNetwork, []string{"NETWORK", "CONNECT", "DNS", "HOST", "SMTP", "SOCKET", "UNREACHABLE"}},
	{CategoryPermission, []string{"PERMISSION", "DENIED", "FORBIDDEN", "UNAUTHORIZED"}},
	{CategoryTimeout, []string{"TIMEOUT", "TIMED OUT", "DEADLINE"}},
}

// Classify maps a free-form failure reason onto a failure category.
func Classify(reason string) FailureCategory {
	upper := strings.ToUpper(strings.TrimSpace(reason))
	if upper == "" {
		return CategoryUnknown
	}

	for _, ck := range categoryKeywords {
		for _, kw := range ck.keywords {
			if strings.Contains(upper, kw) {
				return ck.category
			}
		}
	}

	return CategoryUnknown
}

// RecoveryStrategyFor picks the strategy most likely to survive the given
// failure category.
func RecoveryStrategyFor(c FailureCategory) strategy.ExecutionStrategy {
	switch c {
	case CategoryBattery, CategoryDozeMode, CategoryVendorRestriction:
		return strategy.ForegroundService
	case CategoryNetwork:
		return strategy.WorkManagerNormal
	default:
		return strategy.HybridAutoSwitch
	}
}

var remediation = map[FailureCategory][]string{
	CategoryBattery: {
		"Exclude the app from battery optimization",
		"Switch to the foreground service strategy while the battery is low",
		"Disable any vendor power saving mode for the app",
	},
	CategoryDozeMode: {
		"Exclude the app from battery optimization so work runs during doze",
		"Use the foreground service strategy to stay active in doze",
	},
	CategoryVendorRestriction: {
		"Enable auto-start for the app in the vendor security settings",
		"Lock the app in the recent apps list",
		"Disable the vendor task killer for the app",
	},
	CategoryNetwork: {
		"Check the mail server settings and credentials",
		"Prefer the standard background task strategy so delivery waits for connectivity",
		"Verify that mobile data is allowed in the background",
	},
	CategoryPermission: {
		"Re-grant the SMS and notification permissions",
		"Review the app permissions after the last system update",
	},
	CategoryTimeout: {
		"Increase the delivery timeout",
		"Check mail server latency",
	},
	CategoryUnknown: {
		"Inspect the recent failure reasons in the strategy statistics",
		"Enable the hybrid strategy to let the engine adapt automatically",
	},
}
