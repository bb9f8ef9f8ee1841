// Package evaluator scores execution strategies against a device snapshot, a
// permission snapshot and accumulated statistics.
//
// Scoring is table driven: every strategy has a profile describing how it
// reads the permission snapshot and which device conditions add or remove
// points. Score is deterministic and has no side effects.
package evaluator

import (
	"fmt"
	"math"

	"github.com/nadmax/relay/internal/device"
	"github.com/nadmax/relay/internal/strategy"
)

const (
	PermissionWeight = 0.40
	DeviceWeight     = 0.20
	HistoricalWeight = 0.30
	RecentWeight     = 0.10

	baseDeviceScore   = 50.0
	neutralScore      = 60.0
	baseConfidence    = 0.5
	maxScore          = 100.0
	decisiveHighScore = 80.0
	decisiveLowScore  = 30.0
	stableBattery     = 20
)

type condition func(d device.DeviceState) bool

type adjustment struct {
	label  string
	when   condition
	points float64
}

type profile struct {
	permission func(p device.PermissionStatus) (float64, string)
	device     []adjustment
}

var (
	charging    = func(d device.DeviceState) bool { return d.IsCharging }
	notCharging = func(d device.DeviceState) bool { return !d.IsCharging }
	onWifi      = func(d device.DeviceState) bool { return d.IsWifiConnected }
	online      = func(d device.DeviceState) bool { return d.HasNetwork() }
	dozing      = func(d device.DeviceState) bool { return d.IsInDozeMode }
	awake       = func(d device.DeviceState) bool { return !d.IsInDozeMode }
	batteryOver = func(level int) condition {
		return func(d device.DeviceState) bool { return d.BatteryLevel > level }
	}
	batteryUnder = func(level int) condition {
		return func(d device.DeviceState) bool { return d.BatteryLevel < level }
	}
)

var profiles = map[strategy.ExecutionStrategy]profile{
	strategy.WorkManagerExpedited: {
		permission: func(p device.PermissionStatus) (float64, string) {
			return float64(p.BackgroundCapabilityScore), "background capability"
		},
		device: []adjustment{
			{"charging", charging, 20},
			{"on Wi-Fi", onWifi, 15},
			{"battery above 50%", batteryOver(50), 10},
			{"not in doze", awake, 5},
		},
	},
	strategy.WorkManagerNormal: {
		permission: func(p device.PermissionStatus) (float64, string) {
			return math.Min(float64(p.BackgroundCapabilityScore)+10, maxScore), "background capability with deferral leniency"
		},
		device: []adjustment{
			{"charging", charging, 10},
			{"deferrable through doze", dozing, 5},
		},
	},
	strategy.ForegroundService: {
		permission: func(p device.PermissionStatus) (float64, string) {
			if p.HasNotificationPermission {
				return 90, "notification permission granted"
			}
			return 50, "notification permission missing"
		},
		device: []adjustment{
			{"in doze", dozing, 25},
			{"battery below 30%", batteryUnder(30), 15},
			{"not charging", notCharging, 10},
		},
	},
	strategy.HybridAutoSwitch: {
		permission: func(device.PermissionStatus) (float64, string) {
			return 85, "adaptability bonus"
		},
		device: []adjustment{
			{"network available", online, 10},
			{"battery above 30%", batteryOver(30), 5},
		},
	},
}

// Components holds the four weighted sub-scores behind a StrategyScore.
type Components struct {
	Permission float64
	Device     float64
	Historical float64
	Recent     float64
}

func (c Components) Total() float64 {
	total := PermissionWeight*c.Permission +
		DeviceWeight*c.Device +
		HistoricalWeight*c.Historical +
		RecentWeight*c.Recent
	return clamp(total, 0, maxScore)
}

func Score(s strategy.ExecutionStrategy, d device.DeviceState, p device.PermissionStatus, stats strategy.StrategyStatistics) (strategy.StrategyScore, error) {
	prof, ok := profiles[s]
	if !ok {
		return strategy.StrategyScore{}, fmt.Errorf("%w: %q", strategy.ErrUnknownStrategy, string(s))
	}

	var reasons []string
	var c Components

	perm, permLabel := prof.permission(p)
	c.Permission = clamp(perm, 0, maxScore)
	reasons = append(reasons, fmt.Sprintf("permission %.0f (%s)", c.Permission, permLabel))

	dev := baseDeviceScore
	for _, adj := range prof.device {
		if adj.when(d) {
			dev += adj.points
			reasons = append(reasons, fmt.Sprintf("%s (+%.0f)", adj.label, adj.points))
		}
	}
	c.Device = clamp(dev, 0, maxScore)

	if stats.TotalExecutions >= strategy.MinReliableSamples {
		c.Historical = clamp(stats.EffectiveSuccessRate()*100, 0, maxScore)
		reasons = append(reasons, fmt.Sprintf("history %.0f%% over %d runs", c.Historical, stats.TotalExecutions))
	} else {
		c.Historical = neutralScore
		reasons = append(reasons, fmt.Sprintf("insufficient history (%d runs)", stats.TotalExecutions))
	}

	if rate, ok := stats.RecentSuccessRate(); ok {
		c.Recent = clamp(rate*100, 0, maxScore)
		reasons = append(reasons, fmt.Sprintf("recent %.0f%% over last %d", c.Recent, len(stats.RecentResults)))
	} else {
		c.Recent = neutralScore
	}

	return strategy.StrategyScore{
		Strategy:   s,
		Score:      c.Total(),
		Reasons:    reasons,
		Confidence: confidence(stats.TotalExecutions, c.Permission, d),
	}, nil
}

func confidence(samples uint64, permission float64, d device.DeviceState) float64 {
	conf := baseConfidence
	if samples >= strategy.MinReliableSamples {
		conf += 0.2
	}
	if samples >= 10 {
		conf += 0.1
	}
	if permission > decisiveHighScore || permission < decisiveLowScore {
		conf += 0.1
	}
	if !d.IsInDozeMode && d.BatteryLevel > stableBattery {
		conf += 0.1
	}

	return clamp(conf, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
