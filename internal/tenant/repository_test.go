package tenant

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstakhov/wbsync/internal/database"
	"github.com/mstakhov/wbsync/internal/domain"
)

func setupRepo(t *testing.T) *Repository {
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "core.db"),
		Profile: database.ProfileStandard,
		Name:    "core",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	return NewRepository(db, zerolog.Nop())
}

func sampleTenant(name string) *domain.Tenant {
	return &domain.Tenant{
		Name:                name,
		MarketplaceCredsEnc: []byte{0x01, 0x02},
		SpreadsheetCredsEnc: []byte{0x03, 0x04},
		SpreadsheetID:       "sp-" + name,
	}
}

func TestCreateGet_RoundTrip(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	in := sampleTenant("acme")
	require.NoError(t, repo.Create(ctx, in))
	require.NotEmpty(t, in.ID, "id generated on create")

	got, err := repo.Get(ctx, in.ID)
	require.NoError(t, err)

	assert.Equal(t, "acme", got.Name)
	assert.Equal(t, domain.MarketplaceWildberries, got.Marketplace)
	assert.Equal(t, []byte{0x01, 0x02}, got.MarketplaceCredsEnc)
	assert.Equal(t, "Stock", got.WorksheetName)
	assert.Equal(t, 24*time.Hour, got.SyncInterval)
	assert.False(t, got.Paused)
}

func TestGet_NotFound(t *testing.T) {
	repo := setupRepo(t)

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListActive_ExcludesPaused(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	a := sampleTenant("alpha")
	b := sampleTenant("beta")
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))

	require.NoError(t, repo.SetPaused(ctx, b.ID, true))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdate_PersistsMutableFields(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	in := sampleTenant("acme")
	require.NoError(t, repo.Create(ctx, in))

	in.Name = "acme2"
	in.SyncInterval = 6 * time.Hour
	in.WorksheetName = "Остатки"
	require.NoError(t, repo.Update(ctx, in))

	got, err := repo.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme2", got.Name)
	assert.Equal(t, 6*time.Hour, got.SyncInterval)
	assert.Equal(t, "Остатки", got.WorksheetName)
}

func TestDelete(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	in := sampleTenant("acme")
	require.NoError(t, repo.Create(ctx, in))
	require.NoError(t, repo.Delete(ctx, in.ID))

	_, err := repo.Get(ctx, in.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, repo.Delete(ctx, in.ID), ErrNotFound)
}
