// Package tenant persists seller accounts in the core database.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mstakhov/wbsync/internal/database"
	"github.com/mstakhov/wbsync/internal/domain"
)

// ErrNotFound is returned when no tenant matches the given id.
var ErrNotFound = errors.New("tenant not found")

// Repository provides tenant CRUD over the core database.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a tenant repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "tenant_repository").Logger(),
	}
}

const tenantColumns = `id, name, marketplace, marketplace_creds_enc, spreadsheet_creds_enc,
	spreadsheet_id, worksheet_name, sync_interval_hours, paused, created_at, updated_at`

// Create inserts a tenant. A missing ID is generated; timestamps are set here.
func (r *Repository) Create(ctx context.Context, t *domain.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Marketplace == "" {
		t.Marketplace = domain.MarketplaceWildberries
	}
	if t.WorksheetName == "" {
		t.WorksheetName = "Stock"
	}
	if t.SyncInterval <= 0 {
		t.SyncInterval = 24 * time.Hour
	}

	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tenants (`+tenantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, string(t.Marketplace), t.MarketplaceCredsEnc, t.SpreadsheetCredsEnc,
		t.SpreadsheetID, t.WorksheetName, int(t.SyncInterval.Hours()), boolToInt(t.Paused),
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}

	r.log.Info().Str("tenant", t.ID).Str("name", t.Name).Msg("Tenant created")
	return nil
}

// Get returns one tenant by id.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

// List returns all tenants ordered by name.
func (r *Repository) List(ctx context.Context) ([]*domain.Tenant, error) {
	return r.query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY name`)
}

// ListActive returns tenants eligible for scheduling (not paused).
func (r *Repository) ListActive(ctx context.Context) ([]*domain.Tenant, error) {
	return r.query(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE paused = 0 ORDER BY name`)
}

// Update rewrites the tenant's mutable fields.
func (r *Repository) Update(ctx context.Context, t *domain.Tenant) error {
	t.UpdatedAt = time.Now()

	res, err := r.db.ExecContext(ctx,
		`UPDATE tenants SET name = ?, marketplace = ?, marketplace_creds_enc = ?,
			spreadsheet_creds_enc = ?, spreadsheet_id = ?, worksheet_name = ?,
			sync_interval_hours = ?, paused = ?, updated_at = ?
		 WHERE id = ?`,
		t.Name, string(t.Marketplace), t.MarketplaceCredsEnc, t.SpreadsheetCredsEnc,
		t.SpreadsheetID, t.WorksheetName, int(t.SyncInterval.Hours()), boolToInt(t.Paused),
		t.UpdatedAt.Unix(), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	return requireRow(res)
}

// SetPaused toggles scheduling for a tenant.
func (r *Repository) SetPaused(ctx context.Context, id string, paused bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tenants SET paused = ?, updated_at = ? WHERE id = ?`,
		boolToInt(paused), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set tenant paused state: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	r.log.Info().Str("tenant", id).Bool("paused", paused).Msg("Tenant paused state changed")
	return nil
}

// Delete removes a tenant. Cache entries are invalidated by the caller.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	r.log.Info().Str("tenant", id).Msg("Tenant deleted")
	return nil
}

func (r *Repository) query(ctx context.Context, q string, args ...interface{}) ([]*domain.Tenant, error) {
	rows, err := r.db.Conn().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTenant(s scanner) (*domain.Tenant, error) {
	var (
		t             domain.Tenant
		marketplace   string
		intervalHours int
		paused        int
		createdAt     int64
		updatedAt     int64
	)

	err := s.Scan(&t.ID, &t.Name, &marketplace, &t.MarketplaceCredsEnc, &t.SpreadsheetCredsEnc,
		&t.SpreadsheetID, &t.WorksheetName, &intervalHours, &paused, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}

	t.Marketplace = domain.MarketplaceType(marketplace)
	t.SyncInterval = time.Duration(intervalHours) * time.Hour
	t.Paused = paused != 0
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
