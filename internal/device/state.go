// Package device provides the device and permission snapshots the reliability
// engine scores strategies against.
package device

import (
	"context"
	"encoding/json"
	"time"
)

const (
	defaultBatteryLevel       = 100
	neutralCapabilityScore    = 50
	neutralVendorPermissScore = 50
)

type DeviceState struct {
	IsCharging                bool      `json:"is_charging"`
	BatteryLevel              int       `json:"battery_level"`
	IsWifiConnected           bool      `json:"is_wifi_connected"`
	IsMobileDataConnected     bool      `json:"is_mobile_data_connected"`
	IsInDozeMode              bool      `json:"is_in_doze_mode"`
	BackgroundCapabilityScore int       `json:"background_capability_score"`
	Timestamp                 time.Time `json:"timestamp"`
	// Degraded is set when part of the snapshot was substituted with defaults.
	Degraded bool `json:"degraded"`
}

type PermissionStatus struct {
	HasSMSPermission             bool   `json:"has_sms_permission"`
	HasNotificationPermission    bool   `json:"has_notification_permission"`
	IsBatteryOptimizationIgnored bool   `json:"is_battery_optimization_ignored"`
	HasAutoStartPermission       bool   `json:"has_auto_start_permission"`
	BackgroundCapabilityScore    int    `json:"background_capability_score"`
	VendorPermissionScore        int    `json:"vendor_permission_score"`
	DeviceVendor                 string `json:"device_vendor,omitempty"`
	Degraded                     bool   `json:"degraded"`
}

type TelemetryProvider interface {
	ReadDeviceState(ctx context.Context) (DeviceState, error)
}

type PermissionProvider interface {
	ReadStatus(ctx context.Context) (PermissionStatus, error)
}

type SnapshotSink interface {
	SaveDeviceSnapshot(ctx context.Context, state DeviceState) error
}

func DefaultDeviceState(at time.Time) DeviceState {
	return DeviceState{
		BatteryLevel:              defaultBatteryLevel,
		BackgroundCapabilityScore: neutralCapabilityScore,
		Timestamp:                 at,
		Degraded:                  true,
	}
}

func DefaultPermissionStatus() PermissionStatus {
	return PermissionStatus{
		BackgroundCapabilityScore: neutralCapabilityScore,
		VendorPermissionScore:     neutralVendorPermissScore,
		Degraded:                  true,
	}
}

func (d DeviceState) HasNetwork() bool {
	return d.IsWifiConnected || d.IsMobileDataConnected
}

// Normalize clamps the integer fields into their documented ranges.
func (d DeviceState) Normalize() DeviceState {
	d.BatteryLevel = clampPercent(d.BatteryLevel)
	d.BackgroundCapabilityScore = clampPercent(d.BackgroundCapabilityScore)
	return d
}

func (p PermissionStatus) Normalize() PermissionStatus {
	p.BackgroundCapabilityScore = clampPercent(p.BackgroundCapabilityScore)
	p.VendorPermissionScore = clampPercent(p.VendorPermissionScore)
	return p
}

func (d DeviceState) ToJSON() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func (p PermissionStatus) ToJSON() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func DeviceStateFromJSON(data string) (DeviceState, error) {
	var d DeviceState
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return DeviceState{}, err
	}

	return d, nil
}

func PermissionStatusFromJSON(data string) (PermissionStatus, error) {
	var p PermissionStatus
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return PermissionStatus{}, err
	}

	return p, nil
}

func clampPercent(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
