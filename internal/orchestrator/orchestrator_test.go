package orchestrator

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstakhov/wbsync/internal/domain"
	"github.com/mstakhov/wbsync/internal/events"
	"github.com/mstakhov/wbsync/internal/marketplace"
	"github.com/mstakhov/wbsync/internal/merge"
	"github.com/mstakhov/wbsync/internal/sheets"
)

type fakeTenants struct {
	tenant *domain.Tenant
}

func (f *fakeTenants) Get(_ context.Context, id string) (*domain.Tenant, error) {
	return f.tenant, nil
}

type fakeVault struct{}

func (fakeVault) Decrypt(ciphertext []byte) ([]byte, error) {
	if bytes.Equal(ciphertext, []byte("bad")) {
		return nil, domain.NewError(domain.KindCredentialCorrupt, "authentication failed")
	}
	return ciphertext, nil
}

type fakeClient struct {
	aggregates    []marketplace.ProductAggregate
	breakdown     []marketplace.WarehouseBreakdown
	orders        []marketplace.OrderRecord
	aggregatesErr error
	breakdownErr  error
	ordersErr     error
	breakdownWait bool
}

func (c *fakeClient) FetchProductAggregates(ctx context.Context, _ marketplace.Period) ([]marketplace.ProductAggregate, error) {
	return c.aggregates, c.aggregatesErr
}

func (c *fakeClient) FetchWarehouseBreakdown(ctx context.Context) ([]marketplace.WarehouseBreakdown, error) {
	if c.breakdownWait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.breakdown, c.breakdownErr
}

func (c *fakeClient) FetchOrders(ctx context.Context, _ time.Time) ([]marketplace.OrderRecord, error) {
	return c.orders, c.ordersErr
}

type fakeClients struct {
	client *fakeClient
	err    error
}

func (f *fakeClients) ClientFor(*domain.Tenant, []byte) (marketplace.Client, error) {
	return f.client, f.err
}

type fakeProjector struct {
	mu       sync.Mutex
	calls    int
	products []domain.Product
	err      error
	retried  bool
}

func (p *fakeProjector) Project(ctx context.Context, _, _ string, products []domain.Product) (sheets.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if err := ctx.Err(); err != nil {
		return sheets.Result{}, err
	}
	p.products = products
	if p.err != nil {
		return sheets.Result{Retried: p.retried}, p.err
	}
	return sheets.Result{ProductsWritten: len(products), Retried: p.retried}, nil
}

type memLogs struct {
	mu   sync.Mutex
	logs []*domain.SyncLog
}

func (m *memLogs) Append(_ context.Context, l *domain.SyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *l
	m.logs = append(m.logs, &copied)
	return nil
}

func (m *memLogs) all() []*domain.SyncLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.SyncLog(nil), m.logs...)
}

type fixture struct {
	orch      *Orchestrator
	client    *fakeClient
	projector *fakeProjector
	logs      *memLogs
	bus       *events.Bus
}

func newFixture(t *testing.T, mutate func(*fixture)) *fixture {
	t.Helper()

	f := &fixture{
		client: &fakeClient{
			aggregates: []marketplace.ProductAggregate{{NmID: 100, VendorCode: "SKU-1", StockCount: 50, OrdersCount: 1}},
			breakdown: []marketplace.WarehouseBreakdown{
				{NmID: 100, Warehouses: []marketplace.WarehouseQuantity{{Name: "A", Quantity: 50}}},
			},
			orders: []marketplace.OrderRecord{{NmID: 100, WarehouseName: "A", SRID: "s1"}},
		},
		projector: &fakeProjector{},
		logs:      &memLogs{},
		bus:       events.NewBus(zerolog.Nop()),
	}
	if mutate != nil {
		mutate(f)
	}

	tenant := &domain.Tenant{
		ID:                  "t1",
		Marketplace:         domain.MarketplaceWildberries,
		MarketplaceCredsEnc: []byte(`{"token":"tok"}`),
		SpreadsheetCredsEnc: []byte(`{}`),
		SpreadsheetID:       "sp1",
		WorksheetName:       "Stock",
	}

	f.orch = New(Config{
		Tenants: &fakeTenants{tenant: tenant},
		Vault:   fakeVault{},
		Clients: &fakeClients{client: f.client},
		Merger:  merge.New(zerolog.Nop()),
		Projectors: func(context.Context, []byte) (Projector, error) {
			return f.projector, nil
		},
		Logs:        f.logs,
		Bus:         f.bus,
		SoftTimeout: time.Second,
	}, zerolog.Nop())

	return f
}

func TestRunSync_Success(t *testing.T) {
	f := newFixture(t, nil)

	var completed []events.SyncCompletedData
	f.bus.Subscribe(events.SyncCompleted, func(data any) {
		completed = append(completed, data.(events.SyncCompletedData))
	})

	sl := f.orch.RunSync(context.Background(), "t1", domain.TriggerScheduled)

	assert.Equal(t, domain.SyncSuccess, sl.Status)
	assert.Equal(t, 1, sl.ProductsProcessed)
	assert.Equal(t, 1, sl.OrdersFetchedRaw)
	assert.Equal(t, 1, sl.OrdersAfterFilter)
	assert.Empty(t, sl.ErrorKind)
	assert.False(t, sl.FinishedAt.Before(sl.StartedAt))

	require.Len(t, f.logs.all(), 1, "exactly one sync log per run")
	require.Len(t, completed, 1)
	assert.Equal(t, "success", completed[0].Status)
	assert.Equal(t, 1, f.projector.calls)
}

func TestRunSync_CredentialCorrupt(t *testing.T) {
	f := newFixture(t, nil)

	var rejected []events.CredentialRejectedData
	f.bus.Subscribe(events.CredentialRejected, func(data any) {
		rejected = append(rejected, data.(events.CredentialRejectedData))
	})

	tenant := &domain.Tenant{
		ID:                  "t1",
		MarketplaceCredsEnc: []byte("bad"),
		SpreadsheetCredsEnc: []byte(`{}`),
	}
	f.orch.tenants = &fakeTenants{tenant: tenant}

	sl := f.orch.RunSync(context.Background(), "t1", domain.TriggerManual)

	assert.Equal(t, domain.SyncFailed, sl.Status)
	assert.Equal(t, string(domain.KindCredentialCorrupt), sl.ErrorKind)
	require.Len(t, rejected, 1)
	assert.Equal(t, "t1", rejected[0].TenantID)
	assert.Equal(t, 0, f.projector.calls)
	require.Len(t, f.logs.all(), 1)
}

func TestRunSync_AggregatesFailureIsFatal(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.client.aggregatesErr = domain.NewError(domain.KindMarketplaceTransient, "giving up after 3 attempts")
	})

	var failed []events.SyncFailedData
	f.bus.Subscribe(events.SyncFailed, func(data any) {
		failed = append(failed, data.(events.SyncFailedData))
	})

	sl := f.orch.RunSync(context.Background(), "t1", domain.TriggerScheduled)

	assert.Equal(t, domain.SyncFailed, sl.Status)
	assert.Equal(t, string(domain.KindMarketplaceTransient), sl.ErrorKind)
	assert.Equal(t, 0, f.projector.calls, "nothing projected on a fatal fetch")
	require.Len(t, failed, 1)
	require.Len(t, f.logs.all(), 1)
}

func TestRunSync_BreakdownFailureIsPartial(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.client.breakdownErr = domain.NewError(domain.KindMarketplaceTransient, "remains task stuck")
	})

	sl := f.orch.RunSync(context.Background(), "t1", domain.TriggerScheduled)

	assert.Equal(t, domain.SyncPartial, sl.Status)
	assert.Equal(t, string(domain.ReasonNoBreakdown), sl.ErrorKind)
	assert.Equal(t, 1, f.projector.calls, "totals still projected without breakdown")

	// Without FBO detail the residual carries the whole total.
	require.NotEmpty(t, f.projector.products)
	assert.Equal(t, 50, f.projector.products[0].TotalStock)
}

func TestRunSync_OrdersFailureIsPartial(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.client.ordersErr = domain.NewError(domain.KindMarketplaceTransient, "orders feed down")
	})

	sl := f.orch.RunSync(context.Background(), "t1", domain.TriggerScheduled)

	assert.Equal(t, domain.SyncPartial, sl.Status)
	assert.Equal(t, string(domain.ReasonNoOrders), sl.ErrorKind)
	assert.Equal(t, 1, f.projector.calls)
}

func TestRunSync_SoftDeadlinePartial(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.client.breakdownWait = true
	})
	f.orch.softTimeout = 30 * time.Millisecond

	sl := f.orch.RunSync(context.Background(), "t1", domain.TriggerScheduled)

	assert.Equal(t, domain.SyncPartial, sl.Status)
	assert.Equal(t, string(domain.ReasonDeadline), sl.ErrorKind)
	assert.Equal(t, 1, f.projector.calls, "completed sources still projected")
	assert.Equal(t, 1, sl.ProductsProcessed, "write lands on a live context after the fetch window closed")
	require.NotEmpty(t, f.projector.products)
}

func TestRunSync_ProjectionQuotaFailure(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.projector.err = domain.NewError(domain.KindQuotaExceeded, "quota exhausted twice")
		f.projector.retried = true
	})

	sl := f.orch.RunSync(context.Background(), "t1", domain.TriggerScheduled)

	assert.Equal(t, domain.SyncFailed, sl.Status)
	assert.Equal(t, string(domain.KindQuotaExceeded), sl.ErrorKind)
	assert.True(t, sl.ProjectionRetried)
	assert.Equal(t, 1, sl.ProductsFailed)
	require.Len(t, f.logs.all(), 1)
}

func TestRunSync_ReconciliationWarningKeepsSuccess(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.client.aggregates = []marketplace.ProductAggregate{{NmID: 100, StockCount: 10}}
		f.client.breakdown = []marketplace.WarehouseBreakdown{
			{NmID: 100, Warehouses: []marketplace.WarehouseQuantity{{Name: "A", Quantity: 25}}},
		}
		f.client.orders = nil
	})

	sl := f.orch.RunSync(context.Background(), "t1", domain.TriggerScheduled)

	assert.Equal(t, domain.SyncSuccess, sl.Status)
	assert.Equal(t, string(domain.KindReconciliationMismatch), sl.ErrorKind)
	require.Len(t, sl.Warnings, 1)
	assert.Contains(t, sl.Warnings[0], "reconciliation_mismatch")
}
