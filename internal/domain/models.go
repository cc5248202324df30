// Package domain holds the core data model shared by every component:
// tenants, products, warehouses, sync jobs and sync logs.
// The domain layer is pure - no infrastructure dependencies.
package domain

import "time"

// MarketplaceType identifies which marketplace a tenant's credentials belong to.
type MarketplaceType string

const (
	MarketplaceWildberries MarketplaceType = "wildberries"
	MarketplaceOzon        MarketplaceType = "ozon"
)

// Tenant is one seller account: marketplace credentials plus a spreadsheet
// destination. Credential blobs are stored encrypted and only decrypted for
// the lifetime of a single sync job.
type Tenant struct {
	ID                   string
	Name                 string
	Marketplace          MarketplaceType
	MarketplaceCredsEnc  []byte // encrypted marketplace API token
	SpreadsheetCredsEnc  []byte // encrypted spreadsheet service-account JSON
	SpreadsheetID        string
	WorksheetName        string
	SyncInterval         time.Duration // per-tenant cadence, default 24h
	Paused               bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// FulfillmentClass describes who physically holds the stock of a warehouse row.
type FulfillmentClass string

const (
	// FulfillmentFBO - stock on marketplace-operated warehouses.
	FulfillmentFBO FulfillmentClass = "fbo"
	// FulfillmentFBS - stock on the seller's own premises.
	FulfillmentFBS FulfillmentClass = "fbs"
	// FulfillmentSynthetic - a row created to carry orders for a warehouse
	// that reported no stock.
	FulfillmentSynthetic FulfillmentClass = "synthetic"
)

// Warehouse is a per-product, per-location row. A warehouse row may exist
// with Stock=0 when Orders>0.
type Warehouse struct {
	Name        string
	Fulfillment FulfillmentClass
	Stock       int
	Orders      int
}

// Product is a SKU as seen on a marketplace for a given tenant, keyed by
// (tenant, NmID). TotalStock is authoritative from the aggregates endpoint
// and covers all fulfillment modes.
type Product struct {
	NmID        int64
	VendorCode  string
	Name        string
	TotalStock  int
	TotalOrders int
	Warehouses  []Warehouse
	UpdatedAt   time.Time
}

// StockSum returns the sum of stock across the product's warehouses.
func (p *Product) StockSum() int {
	total := 0
	for _, w := range p.Warehouses {
		total += w.Stock
	}
	return total
}

// SyncTrigger records what caused a sync job to be dispatched.
type SyncTrigger string

const (
	TriggerScheduled SyncTrigger = "scheduled"
	TriggerManual    SyncTrigger = "manual"
)

// SyncJob is the runtime dispatch unit. It is never persisted; the SyncLog
// written on terminal outcome is the durable record.
type SyncJob struct {
	ID         string
	TenantID   string
	Trigger    SyncTrigger
	EnqueuedAt time.Time
}

// SyncStatus is the terminal status of one sync attempt.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "success"
	SyncPartial SyncStatus = "partial"
	SyncFailed  SyncStatus = "failed"
)

// PartialReason qualifies a partial or failed outcome.
type PartialReason string

const (
	ReasonNoBreakdown PartialReason = "no_breakdown"
	ReasonNoOrders    PartialReason = "no_orders"
	ReasonDeadline    PartialReason = "deadline"
)

// SyncLog is the append-only record of one completed sync attempt.
// Every dispatched job produces exactly one SyncLog on terminal outcome.
type SyncLog struct {
	ID                string
	TenantID          string
	StartedAt         time.Time
	FinishedAt        time.Time
	Status            SyncStatus
	ProductsProcessed int
	ProductsFailed    int
	OrdersFetchedRaw  int
	OrdersAfterFilter int
	ErrorKind         string // empty when Status == SyncSuccess and no warnings
	ErrorMessage      string
	Warnings          []string
	ProjectionRetried bool
}

// Duration returns the wall-clock duration of the attempt.
func (l *SyncLog) Duration() time.Duration {
	return l.FinishedAt.Sub(l.StartedAt)
}
