package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/relay/internal/device"
	"github.com/nadmax/relay/internal/strategy"
	"github.com/nadmax/relay/internal/switcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := NewRedisStore(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestNewRedisStore_ConnectionFailure(t *testing.T) {
	_, err := NewRedisStore("127.0.0.1:1")
	assert.ErrorContains(t, err, "failed to connect to Redis")
}

func TestStatistics(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()

	rec := strategy.NewStatistics(strategy.ForegroundService).Apply(false, 200, "doze", time.Now())
	require.NoError(t, s.SaveStatistics(ctx, map[strategy.ExecutionStrategy]strategy.StrategyStatistics{
		strategy.ForegroundService: rec,
	}))
	require.NoError(t, s.SaveStatistics(ctx, nil))

	mr.HSet(statisticsKey, "PAGER", `{}`)
	mr.HSet(statisticsKey, string(strategy.WorkManagerNormal), `not json`)

	loaded, err := s.LoadStatistics(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, uint64(1), loaded[strategy.ForegroundService].FailedExecutions)
	assert.Equal(t, []string{"doze"}, loaded[strategy.ForegroundService].RecentFailures)

	require.NoError(t, s.ClearStatistics(ctx))
	loaded, err = s.LoadStatistics(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestActiveStrategy(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()

	_, err := s.LoadActiveStrategy(ctx)
	assert.ErrorIs(t, err, switcher.ErrNoActiveStrategy)

	require.NoError(t, s.SaveActiveStrategy(ctx, strategy.WorkManagerExpedited))
	got, err := s.LoadActiveStrategy(ctx)
	require.NoError(t, err)
	assert.Equal(t, strategy.WorkManagerExpedited, got)

	assert.ErrorIs(t, s.SaveActiveStrategy(ctx, "PAGER"), strategy.ErrUnknownStrategy)

	require.NoError(t, mr.Set(activeStrategyKey, "PAGER"))
	_, err = s.LoadActiveStrategy(ctx)
	assert.ErrorIs(t, err, strategy.ErrUnknownStrategy)
}

func TestDeviceSnapshot(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.LatestDeviceSnapshot(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	state := device.DeviceState{BatteryLevel: 33, IsCharging: true, Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, s.SaveDeviceSnapshot(ctx, state))

	got, err := s.LatestDeviceSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, state, got)
}

func TestTelemetry(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	_, err := s.ReadDeviceState(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveTelemetry(ctx, device.DeviceState{BatteryLevel: 55}))

	got, err := s.ReadDeviceState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 55, got.BatteryLevel)
	assert.True(t, got.Timestamp.Equal(now))

	now = now.Add(DefaultTelemetryMaxAge + time.Second)
	_, err = s.ReadDeviceState(ctx)
	assert.ErrorIs(t, err, ErrStaleTelemetry)

	s.SetTelemetryMaxAge(0)
	_, err = s.ReadDeviceState(ctx)
	assert.NoError(t, err)
}

func TestPermissions(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.ReadStatus(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	status := device.PermissionStatus{HasSMSPermission: true, VendorPermissionScore: 40, DeviceVendor: "xiaomi"}
	require.NoError(t, s.SavePermissions(ctx, status))

	got, err := s.ReadStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, status, got)
}

func TestReset_KeepsActiveStrategy(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveActiveStrategy(ctx, strategy.ForegroundService))
	require.NoError(t, s.SaveDeviceSnapshot(ctx, device.DeviceState{BatteryLevel: 1}))
	require.NoError(t, s.SaveStatistics(ctx, map[strategy.ExecutionStrategy]strategy.StrategyStatistics{
		strategy.ForegroundService: strategy.NewStatistics(strategy.ForegroundService),
	}))

	require.NoError(t, s.Reset(ctx))

	assert.False(t, mr.Exists(statisticsKey))
	assert.False(t, mr.Exists(snapshotKey))
	assert.True(t, mr.Exists(activeStrategyKey))
}

func TestRedisUnavailable(t *testing.T) {
	s, mr := setupTestStore(t)
	mr.Close()

	_, err := s.LoadStatistics(context.Background())
	assert.Error(t, err)
	_, err = s.LoadActiveStrategy(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, switcher.ErrNoActiveStrategy)
}
