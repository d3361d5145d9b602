// Package storetest holds behavioural tests every store.Store implementation
// must pass.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/store"
)

// NewDraft returns a valid draft request with the given id.
func NewDraft(id string) *models.ReportRequest {
	now := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	return &models.ReportRequest{
		ID:         id,
		DataSource: models.SourceCSV,
		SourceData: models.SourceData{CSV: &models.CSVPayload{Filename: "trades.csv", Content: "timestamp,type,asset,amount,fiat_value\n"}},
		ReportType: models.ReportModel100,
		FiscalYear: 2023,
		Method:     models.MethodFIFO,
		Formats:    []string{"csv"},
		Taxpayer:   models.Taxpayer{Name: "Ana", TaxID: "12345678Z"},
		Status:     models.StatusDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Run exercises s against the store contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("CreateGetList", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewDraft("a")))
		require.NoError(t, s.Create(ctx, NewDraft("b")))

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, models.StatusDraft, got.Status)
		assert.Equal(t, "trades.csv", got.SourceData.CSV.Filename)
		assert.Equal(t, []string{"csv"}, got.Formats)

		list, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("BeginRunTwiceConflicts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewDraft("r")))
		attempt, err := s.BeginRun(ctx, "r")
		require.NoError(t, err)
		assert.Equal(t, 1, attempt)

		_, err = s.BeginRun(ctx, "r")
		assert.ErrorIs(t, err, models.ErrConflict)

		got, err := s.Get(ctx, "r")
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, got.Status)
		assert.Equal(t, 1, got.Attempt)
		assert.NotNil(t, got.StartedAt)
	})

	t.Run("ConcurrentBeginExactlyOneWins", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewDraft("race")))

		const n = 32
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := s.BeginRun(ctx, "race")
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if assert.ErrorIs(t, err, models.ErrConflict) {
					conflicts++
				}
			}()
		}
		close(start)
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, n-1, conflicts)
	})

	t.Run("ProgressIsMonotonicAndClamped", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewDraft("p")))
		attempt, err := s.BeginRun(ctx, "p")
		require.NoError(t, err)

		require.NoError(t, s.UpdateProgress(ctx, "p", attempt, 40, "Resolving historical prices…"))
		require.NoError(t, s.UpdateProgress(ctx, "p", attempt, 20, "late writer"))
		got, err := s.Get(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, 40, got.Progress)

		require.NoError(t, s.UpdateProgress(ctx, "p", attempt, 250, "over"))
		got, err = s.Get(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, 100, got.Progress)
	})

	t.Run("DraftCannotCompleteOrFail", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewDraft("d")))
		err := s.CompleteRun(ctx, "d", 0, models.CompletionRecord{})
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
		err = s.FailRun(ctx, "d", 0, models.CodeInternal, "x")
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
		err = s.UpdateProgress(ctx, "d", 0, 10, "x")
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("CompleteIsTerminal", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewDraft("c")))
		attempt, err := s.BeginRun(ctx, "c")
		require.NoError(t, err)

		rec := models.CompletionRecord{
			GeneratedReport: "reports/c/1/report.csv",
			Artifacts:       map[string]models.ArtifactRef{"csv": {Format: "csv", Key: "reports/c/1/report.csv", Size: 10}},
			Totals: models.Totals{
				TotalTransactions: 3,
				TotalGains:        decimal.RequireFromString("150.25"),
				TotalLosses:       decimal.RequireFromString("50"),
				NetResult:         decimal.RequireFromString("100.25"),
			},
			Warnings: []models.Warning{{Code: models.WarnMalformedInput, Row: 4, Message: "bad amount"}},
		}
		require.NoError(t, s.CompleteRun(ctx, "c", attempt, rec))

		got, err := s.Get(ctx, "c")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		assert.Equal(t, 100, got.Progress)
		assert.Equal(t, "reports/c/1/report.csv", got.GeneratedReport)
		require.NotNil(t, got.Totals)
		assert.True(t, got.Totals.NetResult.Equal(decimal.RequireFromString("100.25")))
		assert.Equal(t, 3, got.Totals.TotalTransactions)
		require.Len(t, got.Warnings, 1)
		assert.Equal(t, 4, got.Warnings[0].Row)
		assert.Equal(t, int64(10), got.Artifacts["csv"].Size)

		_, err = s.BeginRun(ctx, "c")
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
		assert.ErrorIs(t, s.FailRun(ctx, "c", attempt, models.CodeInternal, "x"), models.ErrInvalidTransition)
		assert.ErrorIs(t, s.UpdateDraft(ctx, NewDraft("c")), models.ErrInvalidTransition)
	})

	t.Run("ErrorCanBeRetriedAndStaleAttemptIsIgnored", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewDraft("e")))
		first, err := s.BeginRun(ctx, "e")
		require.NoError(t, err)
		require.NoError(t, s.FailRun(ctx, "e", first, models.CodeTimeout, models.PublicMessage(models.CodeTimeout)))

		got, err := s.Get(ctx, "e")
		require.NoError(t, err)
		assert.Equal(t, models.StatusError, got.Status)
		assert.Equal(t, models.CodeTimeout, got.ErrorCode)

		second, err := s.BeginRun(ctx, "e")
		require.NoError(t, err)
		assert.Equal(t, first+1, second)

		assert.ErrorIs(t, s.UpdateProgress(ctx, "e", first, 90, "stale"), models.ErrStaleAttempt)
		assert.ErrorIs(t, s.CompleteRun(ctx, "e", first, models.CompletionRecord{}), models.ErrStaleAttempt)

		got, err = s.Get(ctx, "e")
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, got.Status)
		assert.Equal(t, 0, got.Progress)
		assert.Empty(t, got.ErrorCode)
	})

	t.Run("UpdateDraftAndDelete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewDraft("u")))
		upd := NewDraft("u")
		upd.FiscalYear = 2022
		upd.ReportType = models.ReportModel720
		require.NoError(t, s.UpdateDraft(ctx, upd))
		got, err := s.Get(ctx, "u")
		require.NoError(t, err)
		assert.Equal(t, 2022, got.FiscalYear)
		assert.Equal(t, models.ReportModel720, got.ReportType)

		_, err = s.BeginRun(ctx, "u")
		require.NoError(t, err)
		assert.ErrorIs(t, s.Delete(ctx, "u"), models.ErrConflict)
		assert.ErrorIs(t, s.UpdateDraft(ctx, upd), models.ErrInvalidTransition)

		require.NoError(t, s.Create(ctx, NewDraft("v")))
		require.NoError(t, s.Delete(ctx, "v"))
		_, err = s.Get(ctx, "v")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("ListStaleRuns", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewDraft("old")))
		require.NoError(t, s.Create(ctx, NewDraft("idle")))
		_, err := s.BeginRun(ctx, "old")
		require.NoError(t, err)

		stale, err := s.ListStaleRuns(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "old", stale[0].ID)

		stale, err = s.ListStaleRuns(ctx, time.Now().Add(-24*365*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, stale)
	})

	t.Run("LedgerAndOverrides", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewDraft("l")))
		txs := []models.Transaction{{
			ID:         "t1",
			Timestamp:  time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC),
			Asset:      "BTC",
			Type:       models.TxBuy,
			Amount:     decimal.RequireFromString("0.5"),
			FiatValue:  decimal.NewNullDecimal(decimal.RequireFromString("10000")),
			SourceRef:  "csv:trades.csv",
			ProviderID: "row-1",
		}}
		require.NoError(t, s.ReplaceLedger(ctx, "l", txs))
		require.NoError(t, s.ReplaceLedger(ctx, "l", txs))
		got, err := s.ListLedger(ctx, "l")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Amount.Equal(decimal.RequireFromString("0.5")))
		assert.True(t, got[0].FiatValue.Valid)
		assert.False(t, got[0].FeeAmount.Valid)

		require.NoError(t, s.PutPriceOverrides(ctx, "l", []models.PriceOverride{
			{Asset: "ETH", Day: "2023-03-01", Price: decimal.NewFromInt(1500)},
			{Asset: "BTC", Day: "2023-03-01", Price: decimal.NewFromInt(20000)},
		}))
		require.NoError(t, s.PutPriceOverrides(ctx, "l", []models.PriceOverride{
			{Asset: "BTC", Day: "2023-03-01", Price: decimal.NewFromInt(21000)},
		}))
		ov, err := s.ListPriceOverrides(ctx, "l")
		require.NoError(t, err)
		require.Len(t, ov, 2)
		assert.Equal(t, "BTC", ov[0].Asset)
		assert.True(t, ov[0].Price.Equal(decimal.NewFromInt(21000)))
	})
}
