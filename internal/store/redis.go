// Package store provides the Redis-backed shared state of the reliability
// engine: per-strategy statistics, the active strategy, the latest device
// snapshot and the telemetry pushed by the handset.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/relay/internal/device"
	"github.com/nadmax/relay/internal/strategy"
	"github.com/nadmax/relay/internal/switcher"
	"github.com/redis/go-redis/v9"
)

const (
	statisticsKey     = "relay:statistics"
	activeStrategyKey = "relay:active_strategy"
	snapshotKey       = "relay:device_snapshot"
	telemetryKey      = "relay:telemetry"
	permissionsKey    = "relay:permissions"

	DefaultTelemetryMaxAge = 10 * time.Minute
)

var (
	ErrNotFound       = errors.New("not found")
	ErrStaleTelemetry = errors.New("telemetry snapshot is stale")
)

type RedisStore struct {
	client          *redis.Client
	telemetryMaxAge time.Duration
	now             func() time.Time
}

func NewRedisStore(redisAddr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client:          client,
		telemetryMaxAge: DefaultTelemetryMaxAge,
		now:             time.Now,
	}, nil
}

func (s *RedisStore) SetTelemetryMaxAge(d time.Duration) {
	s.telemetryMaxAge = d
}

func (s *RedisStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *RedisStore) LoadStatistics(ctx context.Context) (map[strategy.ExecutionStrategy]strategy.StrategyStatistics, error) {
	raw, err := s.client.HGetAll(ctx, statisticsKey).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[strategy.ExecutionStrategy]strategy.StrategyStatistics, len(raw))
	for field, data := range raw {
		st, err := strategy.Parse(field)
		if err != nil {
			continue
		}

		rec, err := strategy.StatisticsFromJSON(data)
		if err != nil {
			continue
		}
		out[st] = rec
	}

	return out, nil
}

func (s *RedisStore) SaveStatistics(ctx context.Context, stats map[strategy.ExecutionStrategy]strategy.StrategyStatistics) error {
	if len(stats) == 0 {
		return nil
	}

	values := make([]any, 0, len(stats)*2)
	for st, rec := range stats {
		data, err := rec.ToJSON()
		if err != nil {
			return fmt.Errorf("failed to marshal statistics for %s: %w", st, err)
		}
		values = append(values, string(st), data)
	}

	return s.client.HSet(ctx, statisticsKey, values...).Err()
}

func (s *RedisStore) ClearStatistics(ctx context.Context) error {
	return s.client.Del(ctx, statisticsKey).Err()
}

func (s *RedisStore) LoadActiveStrategy(ctx context.Context) (strategy.ExecutionStrategy, error) {
	val, err := s.client.Get(ctx, activeStrategyKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", switcher.ErrNoActiveStrategy
	}
	if err != nil {
		return "", err
	}

	return strategy.Parse(val)
}

func (s *RedisStore) SaveActiveStrategy(ctx context.Context, st strategy.ExecutionStrategy) error {
	if err := st.Validate(); err != nil {
		return err
	}

	return s.client.Set(ctx, activeStrategyKey, string(st), 0).Err()
}

func (s *RedisStore) SaveDeviceSnapshot(ctx context.Context, state device.DeviceState) error {
	data, err := state.ToJSON()
	if err != nil {
		return err
	}

	return s.client.Set(ctx, snapshotKey, data, 0).Err()
}

func (s *RedisStore) LatestDeviceSnapshot(ctx context.Context) (device.DeviceState, error) {
	data, err := s.client.Get(ctx, snapshotKey).Result()
	if errors.Is(err, redis.Nil) {
		return device.DeviceState{}, ErrNotFound
	}
	if err != nil {
		return device.DeviceState{}, err
	}

	return device.DeviceStateFromJSON(data)
}

// SaveTelemetry stores a device state pushed by the handset agent.
func (s *RedisStore) SaveTelemetry(ctx context.Context, state device.DeviceState) error {
	if state.Timestamp.IsZero() {
		state.Timestamp = s.now()
	}

	data, err := state.ToJSON()
	if err != nil {
		return err
	}

	return s.client.Set(ctx, telemetryKey, data, 0).Err()
}

// ReadDeviceState serves the last pushed telemetry; snapshots older than the
// configured max age are rejected so callers fall back to defaults.
func (s *RedisStore) ReadDeviceState(ctx context.Context) (device.DeviceState, error) {
	data, err := s.client.Get(ctx, telemetryKey).Result()
	if errors.Is(err, redis.Nil) {
		return device.DeviceState{}, fmt.Errorf("device telemetry: %w", ErrNotFound)
	}
	if err != nil {
		return device.DeviceState{}, err
	}

	state, err := device.DeviceStateFromJSON(data)
	if err != nil {
		return device.DeviceState{}, fmt.Errorf("failed to decode telemetry: %w", err)
	}

	if s.telemetryMaxAge > 0 && s.now().Sub(state.Timestamp) > s.telemetryMaxAge {
		return device.DeviceState{}, ErrStaleTelemetry
	}

	return state, nil
}

func (s *RedisStore) SavePermissions(ctx context.Context, status device.PermissionStatus) error {
	data, err := status.ToJSON()
	if err != nil {
		return err
	}

	return s.client.Set(ctx, permissionsKey, data, 0).Err()
}

func (s *RedisStore) ReadStatus(ctx context.Context) (device.PermissionStatus, error) {
	data, err := s.client.Get(ctx, permissionsKey).Result()
	if errors.Is(err, redis.Nil) {
		return device.PermissionStatus{}, fmt.Errorf("permission status: %w", ErrNotFound)
	}
	if err != nil {
		return device.PermissionStatus{}, err
	}

	return device.PermissionStatusFromJSON(data)
}

// Reset removes every key owned by the engine except the active strategy.
func (s *RedisStore) Reset(ctx context.Context) error {
	return s.client.Del(ctx, statisticsKey, snapshotKey).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
