// Package repository provides PostgreSQL persistence for strategy switch
// history and the delivery attempt log.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/nadmax/relay/internal/repository/models"
	"github.com/nadmax/relay/internal/strategy"
)

const Schema = `
CREATE TABLE IF NOT EXISTS strategy_switch_history (
	switch_id     UUID PRIMARY KEY,
	from_strategy TEXT NOT NULL,
	to_strategy   TEXT NOT NULL,
	trigger       TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	switched_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_switch_history_switched_at ON strategy_switch_history (switched_at);

CREATE TABLE IF NOT EXISTS execution_attempt_log (
	attempt_id       UUID PRIMARY KEY,
	strategy         TEXT NOT NULL,
	success          BOOLEAN NOT NULL,
	duration_ms      BIGINT NOT NULL,
	failure_reason   TEXT,
	message_type     TEXT,
	message_priority TEXT,
	attempted_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempt_log_attempted_at ON execution_attempt_log (attempted_at);
`

type PostgresHistoryRepository struct {
	db *sql.DB
}

func NewPostgresHistoryRepository(connectionString string) (*PostgresHistoryRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresHistoryRepository{db: db}, nil
}

func (r *PostgresHistoryRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	return nil
}

func (r *PostgresHistoryRepository) AppendSwitch(ctx context.Context, sw strategy.StrategySwitch) error {
	query := `
		INSERT INTO strategy_switch_history (
			switch_id, from_strategy, to_strategy, trigger, reason, switched_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (switch_id) DO NOTHING
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		sw.ID,
		string(sw.FromStrategy),
		string(sw.ToStrategy),
		string(sw.Trigger),
		sw.Reason,
		sw.Timestamp,
	)

	return err
}

func (r *PostgresHistoryRepository) ListSwitches(ctx context.Context, limit int) (_ []strategy.StrategySwitch, err error) {
	query := `
		SELECT switch_id, from_strategy, to_strategy, trigger, reason, switched_at
		FROM strategy_switch_history
		ORDER BY switched_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	defer closeRows(rows, &err)

	var switches []strategy.StrategySwitch
	for rows.Next() {
		var sw strategy.StrategySwitch
		var from, to, trigger string
		if err := rows.Scan(
			&sw.ID,
			&from,
			&to,
			&trigger,
			&sw.Reason,
			&sw.Timestamp,
		); err != nil {
			return nil, err
		}

		sw.FromStrategy = strategy.ExecutionStrategy(from)
		sw.ToStrategy = strategy.ExecutionStrategy(to)
		sw.Trigger = strategy.SwitchTrigger(trigger)
		switches = append(switches, sw)
	}

	return switches, rows.Err()
}

func (r *PostgresHistoryRepository) LogAttempt(ctx context.Context, rec strategy.AttemptRecord) error {
	query := `
		INSERT INTO execution_attempt_log (
			attempt_id, strategy, success, duration_ms,
			failure_reason, message_type, message_priority, attempted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (attempt_id) DO NOTHING
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		rec.ID,
		string(rec.Strategy),
		rec.Success,
		int64(rec.DurationMs),
		nullable(rec.FailureReason),
		nullable(rec.MessageType),
		nullable(rec.MessagePriority),
		rec.Timestamp,
	)

	return err
}

func (r *PostgresHistoryRepository) AttemptsSince(ctx context.Context, since time.Time) (_ []strategy.AttemptRecord, err error) {
	query := `
		SELECT
			attempt_id, strategy, success, duration_ms,
			failure_reason, message_type, message_priority, attempted_at
		FROM execution_attempt_log
		WHERE attempted_at >= $1
		ORDER BY attempted_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, err
	}

	defer closeRows(rows, &err)

	var records []strategy.AttemptRecord
	for rows.Next() {
		var rec strategy.AttemptRecord
		var st string
		var durationMs int64
		var failureReason, messageType, messagePriority sql.NullString

		if err := rows.Scan(
			&rec.ID,
			&st,
			&rec.Success,
			&durationMs,
			&failureReason,
			&messageType,
			&messagePriority,
			&rec.Timestamp,
		); err != nil {
			return nil, err
		}

		rec.Strategy = strategy.ExecutionStrategy(st)
		if durationMs > 0 {
			rec.DurationMs = uint64(durationMs)
		}
		rec.FailureReason = failureReason.String
		rec.MessageType = messageType.String
		rec.MessagePriority = messagePriority.String

		records = append(records, rec)
	}

	return records, rows.Err()
}

func (r *PostgresHistoryRepository) AttemptSummary(ctx context.Context, hours int) (_ []models.AttemptSummary, err error) {
	query := `
		SELECT
			strategy, COUNT(*) AS attempts,
			COUNT(*) FILTER (WHERE NOT success) AS failures,
			COALESCE(AVG(duration_ms), 0) AS avg_duration_ms,
			COALESCE(MAX(duration_ms), 0) AS max_duration_ms
		FROM execution_attempt_log
		WHERE attempted_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY strategy
		ORDER BY strategy
	`
	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}

	defer closeRows(rows, &err)

	var summary []models.AttemptSummary
	for rows.Next() {
		var s models.AttemptSummary
		if err := rows.Scan(
			&s.Strategy,
			&s.Attempts,
			&s.Failures,
			&s.AvgDurationMs,
			&s.MaxDurationMs,
		); err != nil {
			return nil, err
		}

		summary = append(summary, s)
	}

	return summary, rows.Err()
}

// PurgeOlderThan deletes switch history and attempt log rows older than cutoff.
func (r *PostgresHistoryRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64

	res, err := r.db.ExecContext(ctx, `DELETE FROM execution_attempt_log WHERE attempted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge attempt log: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = r.db.ExecContext(ctx, `DELETE FROM strategy_switch_history WHERE switched_at < $1`, cutoff)
	if err != nil {
		return total, fmt.Errorf("failed to purge switch history: %w", err)
	}
	n, _ = res.RowsAffected()
	total += n

	return total, nil
}

func (r *PostgresHistoryRepository) Reset(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `TRUNCATE execution_attempt_log, strategy_switch_history`)
	return err
}

// closeRows reports a close failure through err unless an earlier error is
// already being returned.
func closeRows(rows *sql.Rows, err *error) {
	if cerr := rows.Close(); cerr != nil && *err == nil {
		*err = fmt.Errorf("failed to close rows: %w", cerr)
	}
}

func (r *PostgresHistoryRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresHistoryRepository) Close() error {
	return r.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}
