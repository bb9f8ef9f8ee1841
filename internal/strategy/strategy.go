// Package strategy defines the execution strategy domain model shared by the
// reliability engine: the strategy catalogue, per-strategy statistics, scores,
// switch records and attempt records, plus their serialization helpers.
package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	ExecutionStrategy string
	BatteryImpact     string
	SwitchTrigger     string
)

const (
	WorkManagerExpedited ExecutionStrategy = "WORK_MANAGER_EXPEDITED"
	WorkManagerNormal    ExecutionStrategy = "WORK_MANAGER_NORMAL"
	ForegroundService    ExecutionStrategy = "FOREGROUND_SERVICE"
	HybridAutoSwitch     ExecutionStrategy = "HYBRID_AUTO_SWITCH"
)

const (
	ImpactLow     BatteryImpact = "LOW"
	ImpactMedium  BatteryImpact = "MEDIUM"
	ImpactHigh    BatteryImpact = "HIGH"
	ImpactDynamic BatteryImpact = "DYNAMIC"
)

const (
	TriggerSuccessRateDrop      SwitchTrigger = "SUCCESS_RATE_DROP"
	TriggerPermissionChange     SwitchTrigger = "PERMISSION_CHANGE"
	TriggerDeviceStateChange    SwitchTrigger = "DEVICE_STATE_CHANGE"
	TriggerUserPreference       SwitchTrigger = "USER_PREFERENCE"
	TriggerPeriodicOptimization SwitchTrigger = "PERIODIC_OPTIMIZATION"
	TriggerEmergencyFallback    SwitchTrigger = "EMERGENCY_FALLBACK"
)

// ErrUnknownStrategy is returned whenever a caller passes a strategy outside
// the fixed catalogue.
var ErrUnknownStrategy = errors.New("unknown execution strategy")

type Info struct {
	DisplayName   string        `json:"display_name"`
	Description   string        `json:"description"`
	BatteryImpact BatteryImpact `json:"battery_impact"`
}

var catalogue = map[ExecutionStrategy]Info{
	WorkManagerExpedited: {
		DisplayName:   "Expedited background task",
		Description:   "Runs delivery as an expedited job, started as soon as the OS grants quota",
		BatteryImpact: ImpactMedium,
	},
	WorkManagerNormal: {
		DisplayName:   "Standard background task",
		Description:   "Runs delivery as a regular deferrable job; most lenient with OS restrictions",
		BatteryImpact: ImpactLow,
	},
	ForegroundService: {
		DisplayName:   "Foreground service",
		Description:   "Keeps a visible service alive so delivery survives doze and vendor task killers",
		BatteryImpact: ImpactHigh,
	},
	HybridAutoSwitch: {
		DisplayName:   "Hybrid auto switch",
		Description:   "Resolves to the best scoring strategy on every evaluation",
		BatteryImpact: ImpactDynamic,
	},
}

// All returns every strategy in enumeration order.
func All() []ExecutionStrategy {
	return []ExecutionStrategy{WorkManagerExpedited, WorkManagerNormal, ForegroundService, HybridAutoSwitch}
}

// Candidates returns the concrete strategies a hybrid evaluation resolves to,
// in tie-breaking order.
func Candidates() []ExecutionStrategy {
	return []ExecutionStrategy{WorkManagerExpedited, WorkManagerNormal, ForegroundService}
}

func Parse(s string) (ExecutionStrategy, error) {
	st := ExecutionStrategy(s)
	if err := st.Validate(); err != nil {
		return "", err
	}

	return st, nil
}

func (s ExecutionStrategy) Validate() error {
	if _, ok := catalogue[s]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, string(s))
	}

	return nil
}

func (s ExecutionStrategy) Info() Info {
	return catalogue[s]
}

func (s ExecutionStrategy) String() string {
	return string(s)
}

// Rank is the position of the strategy in enumeration order, used for
// deterministic tie breaking. Unknown strategies rank last.
func (s ExecutionStrategy) Rank() int {
	for i, st := range All() {
		if st == s {
			return i
		}
	}

	return len(catalogue)
}

type StrategyScore struct {
	Strategy   ExecutionStrategy `json:"strategy"`
	Score      float64           `json:"score"`
	Reasons    []string          `json:"reasons"`
	Confidence float64           `json:"confidence"`
}

type StrategySwitch struct {
	ID           string            `json:"id"`
	FromStrategy ExecutionStrategy `json:"from_strategy"`
	ToStrategy   ExecutionStrategy `json:"to_strategy"`
	Trigger      SwitchTrigger     `json:"trigger"`
	Reason       string            `json:"reason"`
	Timestamp    time.Time         `json:"timestamp"`
}

func NewSwitch(from, to ExecutionStrategy, trigger SwitchTrigger, reason string, at time.Time) StrategySwitch {
	return StrategySwitch{
		ID:           uuid.New().String(),
		FromStrategy: from,
		ToStrategy:   to,
		Trigger:      trigger,
		Reason:       reason,
		Timestamp:    at,
	}
}

// AttemptRecord is the outcome of one delivery attempt as reported by the
// transport layer.
type AttemptRecord struct {
	ID              string            `json:"id"`
	Strategy        ExecutionStrategy `json:"strategy"`
	Success         bool              `json:"success"`
	DurationMs      uint64            `json:"duration_ms"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	MessageType     string            `json:"message_type,omitempty"`
	MessagePriority string            `json:"message_priority,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

func NewAttemptRecord(s ExecutionStrategy, success bool, duration time.Duration, failureReason string) AttemptRecord {
	return AttemptRecord{
		ID:            uuid.New().String(),
		Strategy:      s,
		Success:       success,
		DurationMs:    uint64(duration.Milliseconds()),
		FailureReason: failureReason,
		Timestamp:     time.Now(),
	}
}

func (r AttemptRecord) ToJSON() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func AttemptRecordFromJSON(data string) (AttemptRecord, error) {
	var r AttemptRecord
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return AttemptRecord{}, err
	}

	return r, nil
}
