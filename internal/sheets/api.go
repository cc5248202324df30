// Package sheets projects the merged product tree into a tenant's
// spreadsheet. The projector is written against a narrow API surface so tests
// run against an in-memory fake and production runs against Google Sheets.
package sheets

import "context"

// Worksheet is a resolved tab inside a spreadsheet, valid for one cycle.
type Worksheet struct {
	ID    int64
	Title string
}

// API is the spreadsheet surface the projector needs: batch read, batch
// update, clear and worksheet management. Implementations translate provider
// quota errors into domain.KindQuotaExceeded.
type API interface {
	ListWorksheets(ctx context.Context, spreadsheetID string) ([]Worksheet, error)
	AddWorksheet(ctx context.Context, spreadsheetID, title string) (Worksheet, error)
	RenameWorksheet(ctx context.Context, spreadsheetID string, sheetID int64, title string) error
	ReadRange(ctx context.Context, spreadsheetID, rangeA1 string) ([][]string, error)
	UpdateRange(ctx context.Context, spreadsheetID, rangeA1 string, values [][]interface{}) error
	ClearRange(ctx context.Context, spreadsheetID, rangeA1 string) error
}
