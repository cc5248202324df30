package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheetsv4 "google.golang.org/api/sheets/v4"

	"github.com/mstakhov/wbsync/internal/domain"
)

// GoogleAPI implements API on Google Sheets. One instance per tenant, built
// from the tenant's decrypted service-account JSON.
type GoogleAPI struct {
	svc *sheetsv4.Service
}

// NewGoogleAPI builds a Sheets service from service-account credentials.
func NewGoogleAPI(ctx context.Context, credentialsJSON []byte) (*GoogleAPI, error) {
	svc, err := sheetsv4.NewService(ctx,
		option.WithCredentialsJSON(credentialsJSON),
		option.WithScopes(sheetsv4.SpreadsheetsScope),
	)
	if err != nil {
		return nil, domain.WrapError(domain.KindCredentialCorrupt, "failed to build spreadsheet service", err)
	}
	return &GoogleAPI{svc: svc}, nil
}

func (g *GoogleAPI) ListWorksheets(ctx context.Context, spreadsheetID string) ([]Worksheet, error) {
	resp, err := g.svc.Spreadsheets.Get(spreadsheetID).
		Fields("sheets.properties.sheetId", "sheets.properties.title").
		Context(ctx).Do()
	if err != nil {
		return nil, translateErr(err)
	}

	tabs := make([]Worksheet, 0, len(resp.Sheets))
	for _, s := range resp.Sheets {
		if s.Properties == nil {
			continue
		}
		tabs = append(tabs, Worksheet{ID: s.Properties.SheetId, Title: s.Properties.Title})
	}
	return tabs, nil
}

func (g *GoogleAPI) AddWorksheet(ctx context.Context, spreadsheetID, title string) (Worksheet, error) {
	resp, err := g.svc.Spreadsheets.BatchUpdate(spreadsheetID, &sheetsv4.BatchUpdateSpreadsheetRequest{
		Requests: []*sheetsv4.Request{{
			AddSheet: &sheetsv4.AddSheetRequest{
				Properties: &sheetsv4.SheetProperties{Title: title},
			},
		}},
	}).Context(ctx).Do()
	if err != nil {
		return Worksheet{}, translateErr(err)
	}

	for _, r := range resp.Replies {
		if r.AddSheet != nil && r.AddSheet.Properties != nil {
			return Worksheet{ID: r.AddSheet.Properties.SheetId, Title: r.AddSheet.Properties.Title}, nil
		}
	}
	return Worksheet{}, fmt.Errorf("add-sheet reply missing properties for %q", title)
}

func (g *GoogleAPI) RenameWorksheet(ctx context.Context, spreadsheetID string, sheetID int64, title string) error {
	_, err := g.svc.Spreadsheets.BatchUpdate(spreadsheetID, &sheetsv4.BatchUpdateSpreadsheetRequest{
		Requests: []*sheetsv4.Request{{
			UpdateSheetProperties: &sheetsv4.UpdateSheetPropertiesRequest{
				Properties: &sheetsv4.SheetProperties{SheetId: sheetID, Title: title},
				Fields:     "title",
			},
		}},
	}).Context(ctx).Do()
	return translateErr(err)
}

func (g *GoogleAPI) ReadRange(ctx context.Context, spreadsheetID, rangeA1 string) ([][]string, error) {
	resp, err := g.svc.Spreadsheets.Values.Get(spreadsheetID, rangeA1).Context(ctx).Do()
	if err != nil {
		return nil, translateErr(err)
	}

	rows := make([][]string, len(resp.Values))
	for i, row := range resp.Values {
		cells := make([]string, len(row))
		for j, cell := range row {
			cells[j] = fmt.Sprint(cell)
		}
		rows[i] = cells
	}
	return rows, nil
}

func (g *GoogleAPI) UpdateRange(ctx context.Context, spreadsheetID, rangeA1 string, values [][]interface{}) error {
	_, err := g.svc.Spreadsheets.Values.Update(spreadsheetID, rangeA1, &sheetsv4.ValueRange{
		Range:  rangeA1,
		Values: values,
	}).ValueInputOption("RAW").Context(ctx).Do()
	return translateErr(err)
}

func (g *GoogleAPI) ClearRange(ctx context.Context, spreadsheetID, rangeA1 string) error {
	_, err := g.svc.Spreadsheets.Values.Clear(spreadsheetID, rangeA1, &sheetsv4.ClearValuesRequest{}).
		Context(ctx).Do()
	return translateErr(err)
}

// translateErr maps provider quota responses to the quota error kind so the
// projector's single-retry policy can see them.
func translateErr(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests ||
			(apiErr.Code == http.StatusForbidden && strings.Contains(strings.ToLower(apiErr.Message), "quota")) {
			return domain.WrapError(domain.KindQuotaExceeded, "spreadsheet quota exhausted", err)
		}
	}
	return err
}
