package sheets

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mstakhov/wbsync/internal/domain"
)

const (
	// MaxReadsPerCycle bounds read units spent on one projection cycle.
	MaxReadsPerCycle = 8

	// DefaultRetryPause is the wait before the single quota retry.
	DefaultRetryPause = 5 * time.Second

	// canonicalWorksheetName is the default tab name for new tenants.
	// legacyWorksheetName is the tab name older deployments used; it is
	// renamed in place the first time the canonical name is requested.
	canonicalWorksheetName = "Stock"
	legacyWorksheetName    = "Лист1"

	// maxDataRows bounds the existence scan range.
	maxDataRows = 5000
)

// Result summarizes one projection cycle.
type Result struct {
	ProductsWritten int
	Retried         bool
	ReadsUsed       int
}

// Projector writes the merged product tree into a spreadsheet. One worksheet
// resolve, one existence scan and one batched write per cycle; a quota error
// on the write is retried once after a pause.
type Projector struct {
	api        API
	retryPause time.Duration
	log        zerolog.Logger
}

// New creates a projector. retryPause <= 0 takes the default.
func New(api API, retryPause time.Duration, log zerolog.Logger) *Projector {
	if retryPause <= 0 {
		retryPause = DefaultRetryPause
	}
	return &Projector{
		api:        api,
		retryPause: retryPause,
		log:        log.With().Str("component", "projector").Logger(),
	}
}

// cycle carries per-cycle accounting: the read-unit budget and whether the
// quota retry fired.
type cycle struct {
	spreadsheetID string
	reads         int
	retried       bool
}

// Project upserts all products into the tenant's worksheet. Existing rows
// keep their position, new products are appended, stale rows are blanked so
// reruns with unchanged data leave identical state.
func (p *Projector) Project(ctx context.Context, spreadsheetID, worksheetName string, products []domain.Product) (Result, error) {
	cy := &cycle{spreadsheetID: spreadsheetID}

	ws, err := p.ensureWorksheet(ctx, cy, worksheetName)
	if err != nil {
		return Result{ReadsUsed: cy.reads}, err
	}

	slots := maxWarehouseSlots(products)
	if err := p.verifySchema(ctx, cy, ws, slots); err != nil {
		return Result{ReadsUsed: cy.reads}, err
	}

	if err := p.upsertProducts(ctx, cy, ws, products, slots, false); err != nil {
		return Result{Retried: cy.retried, ReadsUsed: cy.reads}, err
	}

	p.log.Info().
		Str("spreadsheet", spreadsheetID).
		Str("worksheet", ws.Title).
		Int("products", len(products)).
		Int("reads", cy.reads).
		Bool("retried", cy.retried).
		Msg("Projection complete")

	return Result{ProductsWritten: len(products), Retried: cy.retried, ReadsUsed: cy.reads}, nil
}

// Rebuild clears the data region and writes all products in bulk, skipping
// the existence scan. Used for explicit resets, not the regular cycle.
func (p *Projector) Rebuild(ctx context.Context, spreadsheetID, worksheetName string, products []domain.Product) (Result, error) {
	cy := &cycle{spreadsheetID: spreadsheetID}

	ws, err := p.ensureWorksheet(ctx, cy, worksheetName)
	if err != nil {
		return Result{ReadsUsed: cy.reads}, err
	}

	slots := maxWarehouseSlots(products)
	if err := p.verifySchema(ctx, cy, ws, slots); err != nil {
		return Result{ReadsUsed: cy.reads}, err
	}

	if err := p.clearData(ctx, cy, ws); err != nil {
		return Result{ReadsUsed: cy.reads}, err
	}

	if err := p.upsertProducts(ctx, cy, ws, products, slots, true); err != nil {
		return Result{Retried: cy.retried, ReadsUsed: cy.reads}, err
	}

	return Result{ProductsWritten: len(products), Retried: cy.retried, ReadsUsed: cy.reads}, nil
}

// ensureWorksheet resolves the worksheet handle for the cycle. When the
// canonical name is requested and absent, a legacy tab is renamed in place
// before falling back to creating a fresh one.
func (p *Projector) ensureWorksheet(ctx context.Context, cy *cycle, name string) (Worksheet, error) {
	tabs, err := p.listWorksheets(ctx, cy)
	if err != nil {
		return Worksheet{}, err
	}

	for _, ws := range tabs {
		if ws.Title == name {
			return ws, nil
		}
	}

	if name == canonicalWorksheetName {
		for _, ws := range tabs {
			if ws.Title == legacyWorksheetName {
				if err := p.api.RenameWorksheet(ctx, cy.spreadsheetID, ws.ID, name); err != nil {
					return Worksheet{}, fmt.Errorf("failed to rename legacy worksheet: %w", err)
				}
				p.log.Info().Str("spreadsheet", cy.spreadsheetID).Msg("Renamed legacy worksheet")
				ws.Title = name
				return ws, nil
			}
		}
	}

	ws, err := p.api.AddWorksheet(ctx, cy.spreadsheetID, name)
	if err != nil {
		return Worksheet{}, fmt.Errorf("failed to create worksheet %q: %w", name, err)
	}
	return ws, nil
}

// verifySchema confirms the two-header-row layout and rewrites the headers in
// one batched update when they drifted.
func (p *Projector) verifySchema(ctx context.Context, cy *cycle, ws Worksheet, slots int) error {
	width := layoutWidth(slots)
	rangeA1 := fmt.Sprintf("'%s'!A1:%s2", ws.Title, columnName(width-1))

	rows, err := p.readRange(ctx, cy, rangeA1)
	if err != nil {
		return err
	}

	if headersMatch(rows, slots) {
		return nil
	}

	p.log.Debug().Str("worksheet", ws.Title).Msg("Rewriting worksheet headers")
	return p.writeWithRetry(ctx, cy, rangeA1, headerRows(slots))
}

// headersMatch reports whether the sheet's second row carries the expected
// field names for the given slot count.
func headersMatch(rows [][]string, slots int) bool {
	if len(rows) < 2 {
		return false
	}

	want := headerRows(slots)[1]
	got := rows[1]
	if len(got) < len(want) {
		return false
	}
	for i, cell := range want {
		if got[i] != cell.(string) {
			return false
		}
	}
	return true
}

// upsertProducts writes all products in a single batched update. Without
// skipExistenceCheck the row positions come from one full-range scan; rows
// whose product disappeared are blanked in the same write.
func (p *Projector) upsertProducts(ctx context.Context, cy *cycle, ws Worksheet, products []domain.Product, slots int, skipExistenceCheck bool) error {
	width := layoutWidth(slots)

	rowIndex := make(map[int64]int)
	existingRows := 0

	if !skipExistenceCheck {
		scanRange := fmt.Sprintf("'%s'!A%d:B%d", ws.Title, dataStartRow, dataStartRow+maxDataRows-1)
		rows, err := p.readRange(ctx, cy, scanRange)
		if err != nil {
			return err
		}
		existingRows = len(rows)
		for i, row := range rows {
			if len(row) < 2 {
				continue
			}
			var nmID int64
			if _, err := fmt.Sscanf(row[1], "%d", &nmID); err == nil && nmID != 0 {
				if _, dup := rowIndex[nmID]; !dup {
					rowIndex[nmID] = i
				}
			}
		}
	}

	next := existingRows
	assigned := make(map[int]domain.Product, len(products))
	for _, prod := range products {
		idx, ok := rowIndex[prod.NmID]
		if !ok {
			idx = next
			next++
		}
		assigned[idx] = prod
	}

	total := existingRows
	if next > total {
		total = next
	}
	if total == 0 {
		return nil
	}

	blank := make([]interface{}, width)
	for i := range blank {
		blank[i] = ""
	}

	grid := make([][]interface{}, total)
	for i := 0; i < total; i++ {
		if prod, ok := assigned[i]; ok {
			grid[i] = productRow(prod, slots)
		} else {
			grid[i] = blank
		}
	}

	writeRange := fmt.Sprintf("'%s'!A%d:%s%d", ws.Title, dataStartRow, columnName(width-1), dataStartRow+total-1)
	return p.writeWithRetry(ctx, cy, writeRange, grid)
}

// clearData wipes the data region below the headers.
func (p *Projector) clearData(ctx context.Context, cy *cycle, ws Worksheet) error {
	rangeA1 := fmt.Sprintf("'%s'!A%d:ZZ%d", ws.Title, dataStartRow, dataStartRow+maxDataRows-1)
	if err := p.api.ClearRange(ctx, cy.spreadsheetID, rangeA1); err != nil {
		return fmt.Errorf("failed to clear worksheet data: %w", err)
	}
	return nil
}

// writeWithRetry performs one batched update, retrying exactly once after a
// pause when the provider reports quota exhaustion.
func (p *Projector) writeWithRetry(ctx context.Context, cy *cycle, rangeA1 string, values [][]interface{}) error {
	err := p.api.UpdateRange(ctx, cy.spreadsheetID, rangeA1, values)
	if err == nil {
		return nil
	}
	if !domain.IsKind(err, domain.KindQuotaExceeded) {
		return err
	}

	p.log.Warn().
		Str("spreadsheet", cy.spreadsheetID).
		Dur("pause", p.retryPause).
		Msg("Spreadsheet quota exhausted, pausing before the single retry")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.retryPause):
	}

	cy.retried = true
	if err := p.api.UpdateRange(ctx, cy.spreadsheetID, rangeA1, values); err != nil {
		return err
	}
	return nil
}

func (p *Projector) listWorksheets(ctx context.Context, cy *cycle) ([]Worksheet, error) {
	if err := cy.spendRead(); err != nil {
		return nil, err
	}
	tabs, err := p.api.ListWorksheets(ctx, cy.spreadsheetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list worksheets: %w", err)
	}
	return tabs, nil
}

func (p *Projector) readRange(ctx context.Context, cy *cycle, rangeA1 string) ([][]string, error) {
	if err := cy.spendRead(); err != nil {
		return nil, err
	}
	rows, err := p.api.ReadRange(ctx, cy.spreadsheetID, rangeA1)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rangeA1, err)
	}
	return rows, nil
}

func (cy *cycle) spendRead() error {
	if cy.reads >= MaxReadsPerCycle {
		return domain.NewError(domain.KindInternal,
			fmt.Sprintf("projection cycle exceeded its %d read units", MaxReadsPerCycle))
	}
	cy.reads++
	return nil
}
