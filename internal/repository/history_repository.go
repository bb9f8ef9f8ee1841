package repository

import (
	"context"
	"time"

	"github.com/nadmax/relay/internal/repository/models"
	"github.com/nadmax/relay/internal/strategy"
)

type HistoryRepository interface {
	AppendSwitch(ctx context.Context, sw strategy.StrategySwitch) error
	ListSwitches(ctx context.Context, limit int) ([]strategy.StrategySwitch, error)
	LogAttempt(ctx context.Context, rec strategy.AttemptRecord) error
	AttemptsSince(ctx context.Context, since time.Time) ([]strategy.AttemptRecord, error)
	AttemptSummary(ctx context.Context, hours int) ([]models.AttemptSummary, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Reset(ctx context.Context) error
	Close() error
}

var (
	_ HistoryRepository = (*PostgresHistoryRepository)(nil)
	_ HistoryRepository = (*MockHistoryRepository)(nil)
)
