// Package merge reconciles the three marketplace sources into the per-tenant
// Product/Warehouse tree. Aggregates are authoritative for totals, the
// warehouse breakdown covers FBO stock only, and orders attribute demand to
// named warehouses.
package merge

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/mstakhov/wbsync/internal/domain"
	"github.com/mstakhov/wbsync/internal/marketplace"
)

// FBSWarehouseName labels the synthesized row carrying stock held on the
// seller's own premises.
const FBSWarehouseName = "МП/FBS (со склада продавца)"

// In-transit logistics buckets reported by the orders feed. These are not
// inventory and never become warehouse rows.
var inTransitWarehouses = map[string]bool{
	"В пути до получателей":        true,
	"На возврате от покупателя":    true,
}

// Result is the merge output for one tenant cycle.
type Result struct {
	Products          []domain.Product
	OrdersFetchedRaw  int
	OrdersAfterFilter int
	Warnings          []string
}

// Merger combines aggregates, breakdown and orders into products.
type Merger struct {
	log zerolog.Logger
}

// New creates a merger.
func New(log zerolog.Logger) *Merger {
	return &Merger{log: log.With().Str("component", "merge").Logger()}
}

// Merge builds the product tree for every nmId present in aggregates or the
// breakdown. It never fails for data reasons; invariant violations become
// warnings on the result.
func (m *Merger) Merge(
	aggregates []marketplace.ProductAggregate,
	breakdown []marketplace.WarehouseBreakdown,
	orders []marketplace.OrderRecord,
) Result {
	res := Result{OrdersFetchedRaw: len(orders)}

	filtered := filterOrders(orders)
	res.OrdersAfterFilter = len(filtered)

	// (nmId, warehouseName) -> order count.
	orderCounts := make(map[int64]map[string]int)
	for _, o := range filtered {
		if orderCounts[o.NmID] == nil {
			orderCounts[o.NmID] = make(map[string]int)
		}
		orderCounts[o.NmID][o.WarehouseName]++
	}

	byNm := make(map[int64]*domain.Product)
	fromAggregates := make(map[int64]bool, len(aggregates))
	var nmOrder []int64

	// Aggregates win for catalog fields and the authoritative total.
	for _, a := range aggregates {
		fromAggregates[a.NmID] = true
		byNm[a.NmID] = &domain.Product{
			NmID:       a.NmID,
			VendorCode: a.VendorCode,
			Name:       a.Name,
			TotalStock: a.StockCount,
			UpdatedAt:  time.Now(),
		}
		nmOrder = append(nmOrder, a.NmID)
	}

	for _, b := range breakdown {
		p, ok := byNm[b.NmID]
		if !ok {
			p = &domain.Product{NmID: b.NmID, VendorCode: b.VendorCode, UpdatedAt: time.Now()}
			byNm[b.NmID] = p
			nmOrder = append(nmOrder, b.NmID)
		}
		for _, w := range b.Warehouses {
			if inTransitWarehouses[w.Name] {
				continue
			}
			p.Warehouses = append(p.Warehouses, domain.Warehouse{
				Name:        w.Name,
				Fulfillment: domain.FulfillmentFBO,
				Stock:       w.Quantity,
			})
		}
	}

	for _, nmID := range nmOrder {
		p := byNm[nmID]
		m.injectOrders(p, orderCounts[nmID])
		m.reconcileTotals(p, fromAggregates[nmID], &res)

		total := 0
		for i := range p.Warehouses {
			total += p.Warehouses[i].Orders
		}
		p.TotalOrders = total

		res.Products = append(res.Products, *p)
	}

	sort.Slice(res.Products, func(i, j int) bool {
		return res.Products[i].NmID < res.Products[j].NmID
	})

	m.log.Debug().
		Int("products", len(res.Products)).
		Int("orders_raw", res.OrdersFetchedRaw).
		Int("orders_filtered", res.OrdersAfterFilter).
		Int("warnings", len(res.Warnings)).
		Msg("Merge complete")

	return res
}

// filterOrders drops cancelled records, deduplicates by srid and removes
// in-transit pseudo-warehouses. Deduplication keeps the first occurrence.
func filterOrders(orders []marketplace.OrderRecord) []marketplace.OrderRecord {
	seen := make(map[string]bool, len(orders))
	out := make([]marketplace.OrderRecord, 0, len(orders))
	for _, o := range orders {
		if o.Cancelled {
			continue
		}
		if o.SRID != "" {
			if seen[o.SRID] {
				continue
			}
			seen[o.SRID] = true
		}
		if inTransitWarehouses[o.WarehouseName] {
			continue
		}
		out = append(out, o)
	}
	return out
}

// injectOrders attributes order counts to warehouse rows, synthesizing a
// zero-stock row when a warehouse has orders but no reported stock.
func (m *Merger) injectOrders(p *domain.Product, counts map[string]int) {
	if len(counts) == 0 {
		return
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		matched := false
		for i := range p.Warehouses {
			if p.Warehouses[i].Name == name {
				p.Warehouses[i].Orders = counts[name]
				matched = true
				break
			}
		}
		if !matched {
			p.Warehouses = append(p.Warehouses, domain.Warehouse{
				Name:        name,
				Fulfillment: domain.FulfillmentSynthetic,
				Orders:      counts[name],
			})
		}
	}
}

// reconcileTotals settles the authoritative total against the FBO sum: a
// surplus becomes the FBS residual row, a deficit becomes a warning.
func (m *Merger) reconcileTotals(p *domain.Product, hasAggregate bool, res *Result) {
	fboSum := 0
	for _, w := range p.Warehouses {
		if w.Fulfillment == domain.FulfillmentFBO {
			fboSum += w.Stock
		}
	}

	// Products seen only in the breakdown have no authoritative total.
	if !hasAggregate {
		p.TotalStock = fboSum
		return
	}

	switch {
	case p.TotalStock > fboSum:
		p.Warehouses = append(p.Warehouses, domain.Warehouse{
			Name:        FBSWarehouseName,
			Fulfillment: domain.FulfillmentFBS,
			Stock:       p.TotalStock - fboSum,
		})
	case p.TotalStock < fboSum:
		warning := fmt.Sprintf("reconciliation_mismatch: nmId %d total stock %d is below FBO sum %d",
			p.NmID, p.TotalStock, fboSum)
		res.Warnings = append(res.Warnings, warning)
		m.log.Warn().
			Int64("nm_id", p.NmID).
			Int("total_stock", p.TotalStock).
			Int("fbo_sum", fboSum).
			Msg("Aggregate total below FBO warehouse sum")
	}
}
