// Package connectors turns an external transaction source into canonical
// transactions. Each source kind lives in its own subpackage.
package connectors

import (
	"context"
	"fmt"
	"sort"

	"github.com/username/cryptotaxreports/src/models"
)

// FetchResult is the output of one connector run. Warnings carry rows that
// were skipped without failing the fetch.
type FetchResult struct {
	Transactions []models.Transaction
	Warnings     []models.Warning
}

// Connector fetches the transactions described by a source payload. The
// window bounds the result; a zero bound is open.
type Connector interface {
	Fetch(ctx context.Context, sd models.SourceData, window models.DateRange) (*FetchResult, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, sd models.SourceData, window models.DateRange) (*FetchResult, error)

func (f ConnectorFunc) Fetch(ctx context.Context, sd models.SourceData, window models.DateRange) (*FetchResult, error) {
	return f(ctx, sd, window)
}

// Registry maps each data source to the connector serving it.
type Registry map[models.DataSource]Connector

func (r Registry) Get(ds models.DataSource) (Connector, error) {
	c, ok := r[ds]
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: no connector available for data source %q", models.ErrValidation, ds)
	}
	return c, nil
}

// Finalize converts timestamps to UTC, drops records outside window and
// repeated provider ids, and sorts by (timestamp, provider id).
func Finalize(res *FetchResult, window models.DateRange) *FetchResult {
	seen := make(map[string]struct{}, len(res.Transactions))
	kept := res.Transactions[:0]
	for _, tx := range res.Transactions {
		tx.Timestamp = tx.Timestamp.UTC()
		if !window.Contains(tx.Timestamp) {
			continue
		}
		key := tx.SourceRef + "|" + tx.ProviderID
		if _, dup := seen[key]; dup {
			res.Warnings = append(res.Warnings, models.Warning{
				Code:    models.WarnDuplicateTransaction,
				Message: fmt.Sprintf("duplicate provider id %q ignored", tx.ProviderID),
				Source:  tx.SourceRef,
			})
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, tx)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if !kept[i].Timestamp.Equal(kept[j].Timestamp) {
			return kept[i].Timestamp.Before(kept[j].Timestamp)
		}
		return kept[i].ProviderID < kept[j].ProviderID
	})
	res.Transactions = kept
	return res
}

// Window picks the payload's own range when it has one, otherwise fallback.
func Window(payload *models.DateRange, fallback models.DateRange) models.DateRange {
	if payload == nil {
		return fallback
	}
	out := *payload
	if out.From.IsZero() {
		out.From = fallback.From
	}
	if out.To.IsZero() {
		out.To = fallback.To
	}
	return out
}
