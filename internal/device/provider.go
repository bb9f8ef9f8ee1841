package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nadmax/relay/internal/cache"
	"go.uber.org/zap"
)

const (
	DefaultStateTTL    = 30 * time.Second
	DefaultReadTimeout = 2 * time.Second
)

var errNoSource = errors.New("no source configured")

// Provider serves cached device snapshots. It never fails: collaborator errors
// and timeouts are replaced with neutral defaults and flagged as degraded.
type Provider struct {
	telemetry   TelemetryProvider
	permissions PermissionProvider
	sink        SnapshotSink
	cache       *cache.TTL[DeviceState]
	timeout     time.Duration
	logger      *zap.Logger

	mu  sync.RWMutex
	now func() time.Time
}

func NewProvider(telemetry TelemetryProvider, permissions PermissionProvider, sink SnapshotSink, ttl, timeout time.Duration, logger *zap.Logger) *Provider {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	return &Provider{
		telemetry:   telemetry,
		permissions: permissions,
		sink:        sink,
		cache:       cache.NewTTL[DeviceState](ttl),
		timeout:     timeout,
		logger:      logger,
		now:         time.Now,
	}
}

func (p *Provider) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
	p.cache.SetClock(now)
}

func (p *Provider) clock() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.now()
}

func (p *Provider) Get(ctx context.Context, forceRefresh bool) DeviceState {
	state, err := p.cache.Get(ctx, forceRefresh, p.load)
	if err != nil {
		// load never returns an error; keep the engine available regardless.
		return DefaultDeviceState(p.clock())
	}

	return state
}

// Permissions reads the current permission snapshot with the provider's
// timeout, falling back to neutral defaults.
func (p *Provider) Permissions(ctx context.Context) PermissionStatus {
	status, err := p.readPermissions(ctx)
	if err != nil {
		p.logger.Warn("permission status unavailable, using defaults", zap.Error(err))
		return DefaultPermissionStatus()
	}

	return status.Normalize()
}

func (p *Provider) Invalidate() {
	p.cache.Invalidate()
}

func (p *Provider) CacheStats() cache.Stats {
	return p.cache.Stats()
}

func (p *Provider) load(ctx context.Context) (DeviceState, error) {
	now := p.clock()

	state, err := p.readTelemetry(ctx)
	if err != nil {
		p.logger.Warn("device telemetry unavailable, using defaults", zap.Error(err))
		state = DefaultDeviceState(now)
	}

	perms, err := p.readPermissions(ctx)
	if err != nil {
		p.logger.Warn("background capability unavailable, using neutral score", zap.Error(err))
		state.BackgroundCapabilityScore = neutralCapabilityScore
		state.Degraded = true
	} else {
		state.BackgroundCapabilityScore = perms.BackgroundCapabilityScore
	}

	state.Timestamp = now
	state = state.Normalize()

	if p.sink != nil {
		sinkCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		if err := p.sink.SaveDeviceSnapshot(sinkCtx, state); err != nil {
			p.logger.Warn("failed to persist device snapshot", zap.Error(err))
		}
	}

	return state, nil
}

func (p *Provider) readTelemetry(ctx context.Context) (DeviceState, error) {
	if p.telemetry == nil {
		return DeviceState{}, errNoSource
	}
	return readWithTimeout(ctx, p.timeout, p.telemetry.ReadDeviceState)
}

func (p *Provider) readPermissions(ctx context.Context) (PermissionStatus, error) {
	if p.permissions == nil {
		return PermissionStatus{}, errNoSource
	}
	return readWithTimeout(ctx, p.timeout, p.permissions.ReadStatus)
}

// readWithTimeout bounds a collaborator read even when the collaborator
// ignores its context.
func readWithTimeout[T any](ctx context.Context, timeout time.Duration, read func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := read(ctx)
		ch <- result{value: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
