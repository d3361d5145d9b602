package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/processors"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func tx(id string, ts time.Time, asset string, typ models.TxType, amount, fiat string) models.Transaction {
	return models.Transaction{
		Timestamp:  ts,
		Asset:      asset,
		Type:       typ,
		Amount:     decimal.RequireFromString(amount),
		FiatValue:  decimal.NewNullDecimal(decimal.RequireFromString(fiat)),
		SourceRef:  "test",
		ProviderID: id,
	}
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

type fixedPrices map[string]decimal.Decimal

func (f fixedPrices) Resolve(_ context.Context, asset string, _ time.Time) (decimal.Decimal, error) {
	p, ok := f[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", models.ErrPriceUnavailable, asset)
	}
	return p, nil
}

func fixture(t *testing.T, reportType models.ReportType) Input {
	t.Helper()
	txs := []models.Transaction{
		tx("b1", day(2023, 1, 10), "BTC", models.TxBuy, "1.0", "20000"),
		tx("b2", day(2023, 6, 1), "BTC", models.TxBuy, "1.0", "30000"),
		tx("s1", day(2023, 12, 1), "BTC", models.TxSell, "1.5", "42500"),
		tx("e1", day(2023, 2, 1), "ETH", models.TxBuy, "2", "4000"),
		tx("e2", day(2023, 3, 1), "ETH", models.TxSell, "2", "3000"),
		tx("r1", day(2023, 7, 1), "ETH", models.TxStakeReward, "0.1", "180"),
		tx("n1", day(2024, 2, 1), "BTC", models.TxSell, "0.1", "5000"),
	}
	ledger, warnings := processors.NewTransactionProcessor().Normalize(txs)
	require.Empty(t, warnings)
	engine := processors.NewCostBasisProcessor(models.MethodFIFO, models.ShortfallZeroCost)
	res, err := engine.Process(context.Background(), ledger)
	require.NoError(t, err)
	year := models.FiscalYearRange(2023, time.UTC)
	holdings, err := engine.HoldingsAt(context.Background(), ledger, year.To.Add(time.Nanosecond))
	require.NoError(t, err)

	return Input{
		Request: &models.ReportRequest{
			ID:         "rep-1",
			ReportType: reportType,
			FiscalYear: 2023,
			Method:     models.MethodFIFO,
			Taxpayer:   models.Taxpayer{Name: "Ana García", TaxID: "12345678Z"},
		},
		Ledger:   ledger,
		Result:   res,
		Holdings: holdings,
		Prices:   fixedPrices{"BTC": decimal.NewFromInt(40000), "ETH": decimal.NewFromInt(1800)},
	}
}

func newCompiler() *Compiler {
	c := New("eur", time.UTC)
	c.Now = func() time.Time { return day(2024, 3, 1) }
	return c
}

func TestCompileModel100(t *testing.T) {
	r, err := newCompiler().Compile(context.Background(), fixture(t, models.ReportModel100))
	require.NoError(t, err)

	assert.Equal(t, "EUR", r.Currency)
	assert.Equal(t, 6, r.Totals.TotalTransactions, "the 2024 sale is outside the fiscal year")
	assertDecimal(t, "7500", r.Totals.TotalGains)
	assertDecimal(t, "1000", r.Totals.TotalLosses)
	assertDecimal(t, "6500", r.Totals.NetResult)

	require.Len(t, r.Disposals, 2)
	assert.Equal(t, "ETH", r.Disposals[0].Asset)
	btc := r.Disposals[1]
	assertDecimal(t, "35000", btc.AcquisitionValue)
	assertDecimal(t, "42500", btc.TransmissionValue)
	assert.Equal(t, day(2023, 1, 10), btc.AcquiredAt)
	assert.Len(t, btc.LotIDs, 2)

	require.Len(t, r.AssetTotals, 2)
	assert.Equal(t, "BTC", r.AssetTotals[0].Asset)
	assertDecimal(t, "-1000", r.AssetTotals[1].Net)

	require.Len(t, r.Income, 1)
	assertDecimal(t, "180", r.Income[0].FiatValue)
	assert.Empty(t, r.Holdings)
	assert.Contains(t, strings.Join(r.Notes, "\n"), "Staking rewards")
}

func TestCompileExcludesFiatDisposals(t *testing.T) {
	in := fixture(t, models.ReportModel100)
	in.Result.Disposals = append(in.Result.Disposals, models.DisposalEvent{
		TransactionID: "fiat-out",
		Asset:         "EUR",
		Type:          models.TxTransferOut,
		DisposedAt:    day(2023, 8, 1),
		GainOrLoss:    decimal.NewFromInt(10),
	})
	r, err := newCompiler().Compile(context.Background(), in)
	require.NoError(t, err)

	assert.Len(t, r.Disposals, 2)
	assertDecimal(t, "6500", r.Totals.NetResult)
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, models.WarnUnsupportedForForm, r.Warnings[0].Code)
	assert.Equal(t, "fiat-out", r.Warnings[0].TransactionID)
}

func TestCompileModel720(t *testing.T) {
	r, err := newCompiler().Compile(context.Background(), fixture(t, models.ReportModel720))
	require.NoError(t, err)

	assert.Empty(t, r.Disposals)
	require.Len(t, r.Holdings, 2)
	assert.Equal(t, "BTC", r.Holdings[0].Asset)
	assertDecimal(t, "0.5", r.Holdings[0].Quantity)
	assertDecimal(t, "15000", r.Holdings[0].AcquisitionCost)
	assert.False(t, r.Holdings[0].MarketValue.Valid)
	assertDecimal(t, "15180", r.HoldingsValue)
	assertDecimal(t, "6500", r.Totals.NetResult)
	assert.Contains(t, strings.Join(r.Notes, "\n"), "does not exceed")
}

func TestCompileModel720AboveThreshold(t *testing.T) {
	in := fixture(t, models.ReportModel720)
	in.Holdings["SOL"] = []models.Lot{{ID: "x", Asset: "SOL", QuantityRemaining: decimal.NewFromInt(1000), CostRemaining: decimal.NewFromInt(60000)}}
	r, err := newCompiler().Compile(context.Background(), in)
	require.NoError(t, err)
	assertDecimal(t, "75180", r.HoldingsValue)
	assert.NotContains(t, strings.Join(r.Notes, "\n"), "does not exceed")
}

func TestCompileModel714ValuesAtYearEnd(t *testing.T) {
	r, err := newCompiler().Compile(context.Background(), fixture(t, models.ReportModel714))
	require.NoError(t, err)

	require.Len(t, r.Holdings, 2)
	assertDecimal(t, "40000", r.Holdings[0].MarketPrice.Decimal)
	assertDecimal(t, "20000", r.Holdings[0].MarketValue.Decimal)
	assertDecimal(t, "180", r.Holdings[1].MarketValue.Decimal)
	assertDecimal(t, "20180", r.HoldingsValue)
}

func TestCompileModel714MissingPrice(t *testing.T) {
	in := fixture(t, models.ReportModel714)
	in.Prices = fixedPrices{"BTC": decimal.NewFromInt(40000)}
	_, err := newCompiler().Compile(context.Background(), in)
	assert.ErrorIs(t, err, models.ErrPriceUnavailable)
}

func TestCompileRejectsUnknownForm(t *testing.T) {
	in := fixture(t, models.ReportModel100)
	in.Request.ReportType = "model-999"
	_, err := newCompiler().Compile(context.Background(), in)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCSVRoundTrip(t *testing.T) {
	r, err := newCompiler().Compile(context.Background(), fixture(t, models.ReportModel100))
	require.NoError(t, err)
	r.Notes = append(r.Notes, "=HYPERLINK(\"x\")")

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, r))
	assert.NotContains(t, buf.String(), "\n=HYPERLINK")

	parsed, err := ParseCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, r.Totals.TotalTransactions, parsed.Totals.TotalTransactions)
	assertDecimal(t, r.Totals.NetResult.String(), parsed.Totals.NetResult)
	assertDecimal(t, r.Totals.TotalLosses.String(), parsed.Totals.TotalLosses)
	require.Len(t, parsed.Disposals, len(r.Disposals))
	for i, d := range r.Disposals {
		p := parsed.Disposals[i]
		assert.Equal(t, d.TransactionID, p.TransactionID)
		assert.True(t, d.DisposedAt.Equal(p.DisposedAt))
		assert.True(t, d.AcquiredAt.Equal(p.AcquiredAt))
		assertDecimal(t, d.GainOrLoss.String(), p.GainOrLoss)
		assertDecimal(t, d.Quantity.String(), p.Quantity)
	}
	require.Len(t, parsed.Income, 1)
	assert.Len(t, parsed.AssetTotals, 2)
	assert.Equal(t, r.Notes, parsed.Notes)
}

func TestParseCSVRejectsForeignHeader(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("a,b,c,d,e,f,g,h,i,j,k,l,m,n\n"))
	assert.Error(t, err)
}

func TestRenderFormats(t *testing.T) {
	r, err := newCompiler().Compile(context.Background(), fixture(t, models.ReportModel100))
	require.NoError(t, err)
	r.Notes = append(r.Notes, "<script>alert(1)</script>")

	js, err := Render(r, "json")
	require.NoError(t, err)
	assert.Equal(t, "application/json", js.ContentType)
	var decoded struct {
		Totals struct {
			NetResult string `json:"netResult"`
		} `json:"totals"`
	}
	require.NoError(t, json.Unmarshal(js.Data, &decoded))
	assert.Equal(t, "6500", decoded.Totals.NetResult)

	md, err := Render(r, "md")
	require.NoError(t, err)
	assert.Contains(t, string(md.Data), "# Modelo 100")
	assert.Contains(t, string(md.Data), formatMoney(decimal.NewFromInt(6500), "EUR"))
	assert.Contains(t, string(md.Data), "## Income")

	page, err := Render(r, "html")
	require.NoError(t, err)
	assert.Equal(t, "html", page.Extension)
	assert.Contains(t, string(page.Data), "<table>")
	assert.NotContains(t, string(page.Data), "<script>")
}

func TestRenderHoldingsMarkdown(t *testing.T) {
	r, err := newCompiler().Compile(context.Background(), fixture(t, models.ReportModel714))
	require.NoError(t, err)
	md, err := Render(r, "md")
	require.NoError(t, err)
	assert.Contains(t, string(md.Data), "Holdings at 31 December")
	assert.Contains(t, string(md.Data), formatMoney(decimal.NewFromInt(20180), "EUR"))
}

func TestRenderUnknownFormat(t *testing.T) {
	_, err := Render(&Report{}, "pdf")
	assert.True(t, errors.Is(err, models.ErrReportFormat))
}

func TestFormatMoneyRoundsToMinorUnit(t *testing.T) {
	assert.Equal(t, formatMoney(decimal.RequireFromString("1234.57"), "EUR"), formatMoney(decimal.RequireFromString("1234.5678"), "EUR"))
	assert.NotEqual(t, formatMoney(decimal.NewFromInt(1), "EUR"), formatMoney(decimal.NewFromInt(-1), "EUR"))
}

func TestVerifyParsedCSV(t *testing.T) {
	r, err := newCompiler().Compile(context.Background(), fixture(t, models.ReportModel100))
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, r))
	parsed, err := ParseCSV(&buf)
	require.NoError(t, err)
	require.NoError(t, Verify(parsed))

	parsed.Totals.NetResult = parsed.Totals.NetResult.Add(decimal.NewFromInt(1))
	err = Verify(parsed)
	require.ErrorIs(t, err, models.ErrReportFormat)
	assert.Contains(t, err.Error(), "net result")

	parsed.Totals.NetResult = parsed.Totals.NetResult.Sub(decimal.NewFromInt(1))
	parsed.Disposals[0].GainOrLoss = parsed.Disposals[0].GainOrLoss.Add(decimal.NewFromInt(1))
	err = Verify(parsed)
	require.ErrorIs(t, err, models.ErrReportFormat)
	assert.Contains(t, err.Error(), parsed.Disposals[0].TransactionID)
}
