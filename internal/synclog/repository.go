// Package synclog persists the append-only record of sync attempts. The
// service only ever inserts and reads; pruning is an operator concern.
package synclog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mstakhov/wbsync/internal/database"
	"github.com/mstakhov/wbsync/internal/domain"
)

// ErrNotFound is returned when a tenant has no sync logs yet.
var ErrNotFound = errors.New("sync log not found")

// Repository provides append and read access to the sync log database.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a sync log repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "synclog_repository").Logger(),
	}
}

const logColumns = `id, tenant_id, started_at, finished_at, status, products_processed,
	products_failed, orders_fetched_raw, orders_after_filter, error_kind, error_message,
	warnings, projection_retried`

// Append inserts one completed attempt. A missing ID is generated.
func (r *Repository) Append(ctx context.Context, l *domain.SyncLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}

	var warnings sql.NullString
	if len(l.Warnings) > 0 {
		data, err := json.Marshal(l.Warnings)
		if err != nil {
			return fmt.Errorf("failed to encode warnings: %w", err)
		}
		warnings = sql.NullString{String: string(data), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_logs (`+logColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.TenantID, l.StartedAt.UnixMilli(), l.FinishedAt.UnixMilli(), string(l.Status),
		l.ProductsProcessed, l.ProductsFailed, l.OrdersFetchedRaw, l.OrdersAfterFilter,
		nullable(l.ErrorKind), nullable(l.ErrorMessage), warnings, boolToInt(l.ProjectionRetried),
	)
	if err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}

	r.log.Debug().
		Str("tenant", l.TenantID).
		Str("status", string(l.Status)).
		Dur("duration", l.Duration()).
		Msg("Sync log appended")
	return nil
}

// Latest returns the most recent attempt for a tenant.
func (r *Repository) Latest(ctx context.Context, tenantID string) (*domain.SyncLog, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM sync_logs WHERE tenant_id = ?
		 ORDER BY started_at DESC LIMIT 1`, tenantID)

	l, err := scanLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return l, nil
}

// Recent returns attempts for a tenant within the trailing number of days,
// newest first.
func (r *Repository) Recent(ctx context.Context, tenantID string, days int) ([]*domain.SyncLog, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().AddDate(0, 0, -days).UnixMilli()

	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT `+logColumns+` FROM sync_logs WHERE tenant_id = ? AND started_at >= ?
		 ORDER BY started_at DESC`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*domain.SyncLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLog(s scanner) (*domain.SyncLog, error) {
	var (
		l          domain.SyncLog
		startedAt  int64
		finishedAt int64
		status     string
		errorKind  sql.NullString
		errorMsg   sql.NullString
		warnings   sql.NullString
		retried    int
	)

	err := s.Scan(&l.ID, &l.TenantID, &startedAt, &finishedAt, &status, &l.ProductsProcessed,
		&l.ProductsFailed, &l.OrdersFetchedRaw, &l.OrdersAfterFilter, &errorKind, &errorMsg,
		&warnings, &retried)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan sync log: %w", err)
	}

	l.StartedAt = time.UnixMilli(startedAt)
	l.FinishedAt = time.UnixMilli(finishedAt)
	l.Status = domain.SyncStatus(status)
	l.ErrorKind = errorKind.String
	l.ErrorMessage = errorMsg.String
	l.ProjectionRetried = retried != 0

	if warnings.Valid && warnings.String != "" {
		if err := json.Unmarshal([]byte(warnings.String), &l.Warnings); err != nil {
			return nil, fmt.Errorf("failed to decode warnings: %w", err)
		}
	}

	return &l, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
