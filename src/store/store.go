// Package store defines the persistence contracts of report requests, their
// ledgers and price overrides.
package store

import (
	"context"
	"time"

	"github.com/username/cryptotaxreports/src/models"
)

// ReportStore persists report requests. Status transitions are compare-and-set
// operations: each succeeds only from its legal source state and, for a
// running attempt, only for the attempt that currently owns the record.
type ReportStore interface {
	Create(ctx context.Context, r *models.ReportRequest) error
	Get(ctx context.Context, id string) (*models.ReportRequest, error)
	List(ctx context.Context) ([]*models.ReportRequest, error)
	// UpdateDraft replaces the input fields while the request is draft or error.
	UpdateDraft(ctx context.Context, r *models.ReportRequest) error
	// Delete fails with ErrConflict while processing.
	Delete(ctx context.Context, id string) error

	// BeginRun moves draft|error to processing and returns the new attempt.
	BeginRun(ctx context.Context, id string) (int, error)
	// UpdateProgress stores max(stored, pct) for a processing attempt.
	UpdateProgress(ctx context.Context, id string, attempt, pct int, msg string) error
	CompleteRun(ctx context.Context, id string, attempt int, rec models.CompletionRecord) error
	FailRun(ctx context.Context, id string, attempt int, code models.ErrorCode, msg string) error
	// ListStaleRuns returns processing requests started before cutoff.
	ListStaleRuns(ctx context.Context, cutoff time.Time) ([]*models.ReportRequest, error)
}

// LedgerStore keeps the canonical ledger of the latest run.
type LedgerStore interface {
	ReplaceLedger(ctx context.Context, reportID string, txs []models.Transaction) error
	ListLedger(ctx context.Context, reportID string) ([]models.Transaction, error)
}

// PriceOverrideStore keeps user-supplied prices per report.
type PriceOverrideStore interface {
	PutPriceOverrides(ctx context.Context, reportID string, overrides []models.PriceOverride) error
	ListPriceOverrides(ctx context.Context, reportID string) ([]models.PriceOverride, error)
}

type Store interface {
	ReportStore
	LedgerStore
	PriceOverrideStore
}

// ClampProgress bounds pct to [0, 100].
func ClampProgress(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
