package connectors

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/username/cryptotaxreports/src/models"
)

// maxPages stops a provider that keeps returning the same cursor.
const maxPages = 10000

// Pager walks a cursor-paginated JSON listing of trade records.
type Pager struct {
	Client      *HTTPClient
	RecordsPath string
	CursorPath  string
	Build       func(ctx context.Context, cursor string) (*http.Request, error)
}

// Collect maps every record of every page. Records that cannot be mapped are
// reported as warnings with their 1-based position in the listing.
func (p *Pager) Collect(ctx context.Context, sourceRef string, loc *time.Location) (*FetchResult, error) {
	res := &FetchResult{}
	cursor := ""
	row := 0
	for page := 0; page < maxPages; page++ {
		body, err := p.Client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			return p.Build(ctx, cursor)
		})
		if err != nil {
			return nil, err
		}
		pg, err := ExtractPage(body, p.RecordsPath, p.CursorPath)
		if err != nil {
			return nil, &models.UpstreamError{Provider: p.Client.Provider, Kind: models.ErrUpstreamUnavailable, Err: err}
		}
		for _, rec := range pg.Records {
			row++
			tx, err := MapRecord(rec, sourceRef, loc)
			if err != nil {
				res.Warnings = append(res.Warnings, models.WarningFromMalformed(&models.MalformedInputError{Source: sourceRef, Row: row, Reason: err.Error()}))
				continue
			}
			if tx.ProviderID == "" {
				tx.ProviderID = fmt.Sprintf("record-%08d", row)
			}
			res.Transactions = append(res.Transactions, tx)
		}
		if pg.Cursor == "" || pg.Cursor == cursor || len(pg.Records) == 0 {
			return res, nil
		}
		cursor = pg.Cursor
	}
	return nil, &models.UpstreamError{Provider: p.Client.Provider, Kind: models.ErrUpstreamUnavailable, Err: fmt.Errorf("pagination did not terminate after %d pages", maxPages)}
}
