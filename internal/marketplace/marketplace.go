// Package marketplace defines the capability set a marketplace data source
// must provide, plus a registry mapping marketplace types to client
// factories. The sync pipeline is polymorphic over this interface; concrete
// variants live under internal/clients.
package marketplace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mstakhov/wbsync/internal/domain"
)

// Period is a reporting window for the aggregates endpoint.
type Period struct {
	Start time.Time
	End   time.Time
}

// ProductAggregate is one row of the aggregated analytics source. StockCount
// is authoritative for the product's total stock across all fulfillment
// modes.
type ProductAggregate struct {
	NmID        int64
	VendorCode  string
	Name        string
	StockCount  int
	OrdersCount int
}

// WarehouseQuantity is a per-warehouse stock figure.
type WarehouseQuantity struct {
	Name     string
	Quantity int
}

// WarehouseBreakdown is one row of the per-warehouse detail source.
// Authoritative only for marketplace-operated (FBO) stock.
type WarehouseBreakdown struct {
	NmID       int64
	VendorCode string
	Warehouses []WarehouseQuantity
}

// OrderRecord is one order event attributed to a warehouse. SRID is the
// marketplace's unique order-record identifier used for deduplication.
type OrderRecord struct {
	NmID          int64
	WarehouseName string
	SRID          string
	Cancelled     bool
}

// Client is the capability set every marketplace variant implements.
type Client interface {
	// FetchProductAggregates returns aggregated totals for the period.
	FetchProductAggregates(ctx context.Context, period Period) ([]ProductAggregate, error)
	// FetchWarehouseBreakdown returns per-warehouse FBO stock.
	FetchWarehouseBreakdown(ctx context.Context) ([]WarehouseBreakdown, error)
	// FetchOrders returns raw order records since dateFrom.
	FetchOrders(ctx context.Context, dateFrom time.Time) ([]OrderRecord, error)
}

// Factory builds a client from a tenant's decrypted credential blob.
type Factory func(tenantID string, credentials []byte) (Client, error)

// Registry maps marketplace types to client factories.
type Registry struct {
	factories map[domain.MarketplaceType]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[domain.MarketplaceType]Factory)}
}

// Register adds a factory for a marketplace type.
func (r *Registry) Register(mt domain.MarketplaceType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[mt] = f
}

// ClientFor builds a client for the tenant's marketplace type.
func (r *Registry) ClientFor(tenant *domain.Tenant, credentials []byte) (Client, error) {
	r.mu.RLock()
	f, ok := r.factories[tenant.Marketplace]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no client registered for marketplace %q", tenant.Marketplace)
	}
	return f(tenant.ID, credentials)
}
