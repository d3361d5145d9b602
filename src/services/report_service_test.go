package services

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/cryptotaxreports/src/models"
)

func TestCreateValidatesInput(t *testing.T) {
	h := newHarness(t, nil, nil, 0)
	ctx := context.Background()

	in := csvInput(btcCSV)
	in.FiscalYear = 2030
	in.ReportType = "model-999"
	_, err := h.reports.Create(ctx, in)
	require.ErrorIs(t, err, models.ErrValidation)
	assert.Contains(t, err.Error(), "model-999")

	in = csvInput(btcCSV)
	in.DataSource = "carrier-pigeon"
	_, err = h.reports.Create(ctx, in)
	assert.ErrorIs(t, err, models.ErrValidation)

	req, err := h.reports.Create(ctx, csvInput(btcCSV))
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, req.Status)
	assert.Equal(t, models.MethodFIFO, req.Method)
	assert.Len(t, req.ID, 36)
}

func TestCreateAcceptsCSVAwaitingUpload(t *testing.T) {
	h := newHarness(t, nil, nil, 0)
	ctx := context.Background()
	in := csvInput("")
	in.SourceData = json.RawMessage(`{"csv":{"filename":"later.csv"}}`)

	req, err := h.reports.Create(ctx, in)
	require.NoError(t, err)

	_, err = h.reports.AttachCSV(ctx, req.ID, "trades.csv", []byte("   "))
	assert.ErrorIs(t, err, models.ErrValidation)

	updated, err := h.reports.AttachCSV(ctx, req.ID, "trades.csv", []byte(btcCSV))
	require.NoError(t, err)
	assert.Equal(t, "trades.csv", updated.SourceData.CSV.Filename)
	assert.EqualValues(t, len(btcCSV), updated.SourceData.CSV.Size)
}

func TestUpdateOnlyWhileEditable(t *testing.T) {
	h := newHarness(t, nil, nil, 0)
	ctx := context.Background()
	req, err := h.reports.Create(ctx, csvInput(btcCSV))
	require.NoError(t, err)

	in := csvInput(btcCSV)
	in.Method = "lifo"
	updated, err := h.reports.Update(ctx, req.ID, in)
	require.NoError(t, err)
	assert.Equal(t, models.MethodLIFO, updated.Method)

	_, err = h.gen.Machine().Begin(ctx, req.ID)
	require.NoError(t, err)
	_, err = h.reports.Update(ctx, req.ID, in)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.ErrorIs(t, h.reports.Delete(ctx, req.ID), models.ErrConflict)
}

func TestPutPriceOverridesValidates(t *testing.T) {
	h := newHarness(t, nil, nil, 0)
	ctx := context.Background()
	req, err := h.reports.Create(ctx, csvInput(btcCSV))
	require.NoError(t, err)

	_, err = h.reports.PutPriceOverrides(ctx, req.ID, []models.PriceOverride{
		{Asset: "", Day: "2023-13-01", Price: decimal.NewFromInt(-1)},
	})
	require.ErrorIs(t, err, models.ErrValidation)

	stored, err := h.reports.PutPriceOverrides(ctx, req.ID, []models.PriceOverride{
		{Asset: " sol ", Day: "2023-04-01", Price: decimal.NewFromInt(20)},
	})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "SOL", stored[0].Asset)

	_, err = h.reports.PutPriceOverrides(ctx, "missing", nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDownloadLinkRequiresCompletion(t *testing.T) {
	h := newHarness(t, nil, nil, 0)
	ctx := context.Background()
	req, err := h.reports.Create(ctx, csvInput(btcCSV))
	require.NoError(t, err)

	_, err = h.reports.DownloadLink(ctx, req.ID, "csv")
	require.ErrorIs(t, err, models.ErrNotReady)

	run, err := h.gen.Machine().Begin(ctx, req.ID)
	require.NoError(t, err)
	require.NoError(t, h.gen.Generate(ctx, run))

	_, err = h.reports.DownloadLink(ctx, req.ID, "html")
	assert.ErrorIs(t, err, models.ErrValidation)

	link, err := h.reports.DownloadLink(ctx, req.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "csv", link.Format)
	u, err := url.Parse(link.URL)
	require.NoError(t, err)
	assert.Equal(t, "/api/artifacts/download", u.Path)

	claims, err := h.tokens.Validate(u.Query().Get("token"))
	require.NoError(t, err)
	assert.Equal(t, req.ID, claims.Subject)
	assert.Equal(t, "reports/"+req.ID+"/1/report.csv", claims.Key)
}
