package processors

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/cryptotaxreports/src/models"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func mkTx(id string, ts time.Time, asset string, typ models.TxType, amount, fiat string) models.Transaction {
	return models.Transaction{
		ID:         id,
		Timestamp:  ts,
		Asset:      asset,
		Type:       typ,
		Amount:     decimal.RequireFromString(amount),
		FiatValue:  decimal.NewNullDecimal(decimal.RequireFromString(fiat)),
		SourceRef:  "test",
		ProviderID: id,
	}
}

func withFee(tx models.Transaction, fee string) models.Transaction {
	tx.FeeAmount = decimal.NewNullDecimal(decimal.RequireFromString(fee))
	return tx
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func process(t *testing.T, p *CostBasisProcessor, txs []models.Transaction) *CostBasisResult {
	t.Helper()
	ledger, warnings := NewTransactionProcessor().Normalize(txs)
	require.Empty(t, warnings)
	res, err := p.Process(context.Background(), ledger)
	require.NoError(t, err)
	return res
}

func TestFIFOBitcoinExample(t *testing.T) {
	txs := []models.Transaction{
		mkTx("b1", day(2023, 1, 10), "BTC", models.TxBuy, "1.0", "20000"),
		mkTx("b2", day(2023, 6, 1), "BTC", models.TxBuy, "1.0", "30000"),
		mkTx("s1", day(2023, 12, 1), "BTC", models.TxSell, "1.5", "35000"),
	}
	res := process(t, NewCostBasisProcessor(models.MethodFIFO, models.ShortfallZeroCost), txs)

	require.Len(t, res.Disposals, 1)
	d := res.Disposals[0]
	assertDecimal(t, "35000", d.Proceeds)
	assertDecimal(t, "35000", d.CostBasis)
	assertDecimal(t, "0", d.GainOrLoss)
	assert.Equal(t, []string{"b1", "b2"}, d.MatchedLotIDs())
	assertDecimal(t, "1.0", d.Matches[0].Quantity)
	assertDecimal(t, "0.5", d.Matches[1].Quantity)
	assertDecimal(t, "15000", d.Matches[1].CostBasis)
	assert.False(t, d.InsufficientCostBasis)

	open := res.OpenLots["BTC"]
	require.Len(t, open, 1)
	assert.Equal(t, "b2", open[0].ID)
	assertDecimal(t, "0.5", open[0].QuantityRemaining)
	assertDecimal(t, "30000", open[0].UnitCostBasis)
	assertDecimal(t, "15000", open[0].CostRemaining)
}

func TestLIFOConsumesNewestLotFirst(t *testing.T) {
	txs := []models.Transaction{
		mkTx("b1", day(2023, 1, 10), "BTC", models.TxBuy, "1.0", "20000"),
		mkTx("b2", day(2023, 6, 1), "BTC", models.TxBuy, "1.0", "30000"),
		mkTx("s1", day(2023, 12, 1), "BTC", models.TxSell, "1.5", "35000"),
	}
	res := process(t, NewCostBasisProcessor(models.MethodLIFO, models.ShortfallZeroCost), txs)

	require.Len(t, res.Disposals, 1)
	d := res.Disposals[0]
	assert.Equal(t, []string{"b2", "b1"}, d.MatchedLotIDs())
	assertDecimal(t, "40000", d.CostBasis)
	assertDecimal(t, "-5000", d.GainOrLoss)

	open := res.OpenLots["BTC"]
	require.Len(t, open, 1)
	assert.Equal(t, "b1", open[0].ID)
	assertDecimal(t, "0.5", open[0].QuantityRemaining)
	assertDecimal(t, "10000", open[0].CostRemaining)
}

func TestShortfallZeroCostFlagsRemainder(t *testing.T) {
	txs := []models.Transaction{
		mkTx("b1", day(2023, 2, 1), "ETH", models.TxBuy, "1", "1000"),
		mkTx("b2", day(2023, 3, 1), "ETH", models.TxBuy, "2", "3000"),
		mkTx("s1", day(2023, 9, 1), "ETH", models.TxSell, "5", "10000"),
	}
	res := process(t, NewCostBasisProcessor(models.MethodFIFO, models.ShortfallZeroCost), txs)

	require.Len(t, res.Disposals, 1)
	d := res.Disposals[0]
	assert.True(t, d.InsufficientCostBasis)
	assertDecimal(t, "2", d.UnmatchedQuantity)
	assertDecimal(t, "4000", d.CostBasis)
	assertDecimal(t, "6000", d.GainOrLoss)
	assert.Empty(t, res.OpenLots["ETH"], "all lots are consumed")

	require.Len(t, res.Warnings, 1)
	assert.Equal(t, models.WarnInsufficientCostBasis, res.Warnings[0].Code)
	assert.Equal(t, "s1", res.Warnings[0].TransactionID)
}

func TestShortfallWithNoLotsRealisesFullProceeds(t *testing.T) {
	txs := []models.Transaction{
		mkTx("s1", day(2023, 9, 1), "SOL", models.TxSell, "3", "300"),
	}
	res := process(t, NewCostBasisProcessor(models.MethodFIFO, models.ShortfallZeroCost), txs)

	require.Len(t, res.Disposals, 1)
	assertDecimal(t, "300", res.Disposals[0].GainOrLoss)
	assertDecimal(t, "0", res.Disposals[0].CostBasis)
	assert.Empty(t, res.Disposals[0].Matches)
}

func TestShortfallRejectFailsRun(t *testing.T) {
	txs := []models.Transaction{
		mkTx("b1", day(2023, 2, 1), "ETH", models.TxBuy, "1", "1000"),
		mkTx("s1", day(2023, 9, 1), "ETH", models.TxSell, "1.1", "2000"),
	}
	ledger, _ := NewTransactionProcessor().Normalize(txs)
	_, err := NewCostBasisProcessor(models.MethodFIFO, models.ShortfallReject).Process(context.Background(), ledger)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInsufficientCostBasis)
	assert.Equal(t, models.CodeInsufficientCostBasis, models.CodeOf(err))
}

func TestFeesAdjustCostAndProceeds(t *testing.T) {
	txs := []models.Transaction{
		withFee(mkTx("b1", day(2023, 1, 1), "BTC", models.TxBuy, "2", "40000"), "100"),
		withFee(mkTx("s1", day(2023, 5, 1), "BTC", models.TxSell, "1", "25000"), "50"),
	}
	res := process(t, NewCostBasisProcessor(models.MethodFIFO, models.ShortfallZeroCost), txs)

	d := res.Disposals[0]
	assertDecimal(t, "24950", d.Proceeds)
	assertDecimal(t, "20050", d.CostBasis)
	assertDecimal(t, "4900", d.GainOrLoss)
	assertDecimal(t, "20050", res.OpenLots["BTC"][0].CostRemaining)
}

func TestFeeTransactionConsumesLotsWithoutGain(t *testing.T) {
	txs := []models.Transaction{
		mkTx("b1", day(2023, 1, 1), "ETH", models.TxBuy, "1", "1500"),
		mkTx("f1", day(2023, 1, 2), "ETH", models.TxFee, "0.01", "15"),
	}
	res := process(t, NewCostBasisProcessor(models.MethodFIFO, models.ShortfallZeroCost), txs)

	assert.Empty(t, res.Disposals)
	require.Len(t, res.FeeConsumptions, 1)
	assertDecimal(t, "15", res.FeeConsumptions[0].CostBasis)
	assertDecimal(t, "0.99", res.OpenLots["ETH"][0].QuantityRemaining)
	assertDecimal(t, "1485", res.OpenLots["ETH"][0].CostRemaining)
}

func TestIncomeAcquisitionsOpenLotsAndRecordIncome(t *testing.T) {
	txs := []models.Transaction{
		mkTx("r1", day(2023, 4, 1), "ADA", models.TxStakeReward, "10", "3"),
		mkTx("a1", day(2023, 4, 2), "ADA", models.TxAirdrop, "5", "1.5"),
	}
	res := process(t, NewCostBasisProcessor(models.MethodFIFO, models.ShortfallZeroCost), txs)

	require.Len(t, res.Income, 2)
	assert.Equal(t, "r1", res.Income[0].TransactionID)
	assert.Len(t, res.OpenLots["ADA"], 2)
}

func TestUnpricedTransactionBlocks(t *testing.T) {
	tx := mkTx("b1", day(2023, 1, 1), "BTC", models.TxBuy, "1", "0")
	tx.FiatValue = decimal.NullDecimal{}
	_, err := NewCostBasisProcessor("", "").Process(context.Background(), []models.Transaction{tx})

	var pu *models.PriceUnavailableError
	require.ErrorAs(t, err, &pu)
	assert.Equal(t, "BTC", pu.Asset)
	assert.Equal(t, "2023-01-01", pu.Day)
}

func TestSameTimestampOrderedByProviderID(t *testing.T) {
	ts := day(2023, 3, 3)
	buy := mkTx("a-buy", ts, "BTC", models.TxBuy, "1", "100")
	sell := mkTx("b-sell", ts, "BTC", models.TxSell, "1", "150")
	res := process(t, NewCostBasisProcessor(models.MethodFIFO, models.ShortfallZeroCost), []models.Transaction{sell, buy})

	require.Len(t, res.Disposals, 1)
	assert.False(t, res.Disposals[0].InsufficientCostBasis)
	assertDecimal(t, "50", res.Disposals[0].GainOrLoss)
}

func TestDisposalsMergedInDeterministicOrder(t *testing.T) {
	ts := day(2023, 7, 7)
	txs := []models.Transaction{
		mkTx("e-buy", day(2023, 1, 1), "ETH", models.TxBuy, "1", "1000"),
		mkTx("b-buy", day(2023, 1, 1), "BTC", models.TxBuy, "1", "20000"),
		mkTx("e-sell", ts, "ETH", models.TxSell, "1", "1200"),
		mkTx("b-sell", ts, "BTC", models.TxSell, "1", "25000"),
	}
	res := process(t, NewCostBasisProcessor(models.MethodFIFO, models.ShortfallZeroCost), txs)

	require.Len(t, res.Disposals, 2)
	assert.Equal(t, "BTC", res.Disposals[0].Asset)
	assert.Equal(t, "ETH", res.Disposals[1].Asset)
}

func TestHoldingsAtCutoff(t *testing.T) {
	txs := []models.Transaction{
		mkTx("b1", day(2023, 1, 10), "BTC", models.TxBuy, "1", "20000"),
		mkTx("s1", day(2023, 6, 1), "BTC", models.TxSell, "0.25", "7000"),
		mkTx("b2", day(2024, 2, 1), "BTC", models.TxBuy, "1", "40000"),
	}
	ledger, _ := NewTransactionProcessor().Normalize(txs)
	holdings, err := NewCostBasisProcessor(models.MethodFIFO, models.ShortfallZeroCost).
		HoldingsAt(context.Background(), ledger, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.Len(t, holdings["BTC"], 1)
	assertDecimal(t, "0.75", holdings["BTC"][0].QuantityRemaining)
	assertDecimal(t, "15000", holdings["BTC"][0].CostRemaining)
}

// randomLedger builds a plausible ledger of buys and sells across a few assets.
func randomLedger(r *rand.Rand, n int) []models.Transaction {
	assets := []string{"BTC", "ETH", "SOL"}
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	txs := make([]models.Transaction, 0, n)
	for i := 0; i < n; i++ {
		typ := models.TxBuy
		switch r.Intn(5) {
		case 0, 1:
			typ = models.TxSell
		case 2:
			typ = models.TxTransferOut
		case 3:
			typ = models.TxStakeReward
		}
		amount := decimal.New(int64(r.Intn(5000)+1), -3)
		fiat := decimal.New(int64(r.Intn(1_000_000)), -2)
		ts := start.Add(time.Duration(r.Intn(400)) * time.Hour)
		tx := models.Transaction{
			Timestamp:  ts,
			Asset:      assets[r.Intn(len(assets))],
			Type:       typ,
			Amount:     amount,
			FiatValue:  decimal.NewNullDecimal(fiat),
			SourceRef:  "rand",
			ProviderID: fmt.Sprintf("tx-%04d", i),
		}
		txs = append(txs, tx)
	}
	return txs
}

func TestQuantityConservation(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		txs := randomLedger(r, 200)
		ledger, _ := NewTransactionProcessor().Normalize(txs)
		res, err := NewCostBasisProcessor(models.MethodFIFO, models.ShortfallZeroCost).Process(context.Background(), ledger)
		require.NoError(t, err)

		acquired := map[string]decimal.Decimal{}
		for _, tx := range ledger {
			if tx.Type.IsAcquisition() {
				acquired[tx.Asset] = acquired[tx.Asset].Add(tx.Amount)
			}
		}
		consumed := map[string]decimal.Decimal{}
		for _, d := range res.Disposals {
			matched := decimal.Zero
			for _, m := range d.Matches {
				assert.True(t, m.Quantity.IsPositive())
				matched = matched.Add(m.Quantity)
			}
			assert.True(t, matched.Add(d.UnmatchedQuantity).Equal(d.Quantity), "disposal %s quantity must be fully accounted", d.TransactionID)
			consumed[d.Asset] = consumed[d.Asset].Add(matched)
		}
		for asset, total := range acquired {
			open := decimal.Zero
			for _, lot := range res.OpenLots[asset] {
				assert.False(t, lot.QuantityRemaining.IsNegative())
				assert.False(t, lot.CostRemaining.IsNegative())
				open = open.Add(lot.QuantityRemaining)
			}
			assert.True(t, total.Equal(consumed[asset].Add(open)), "asset %s: acquired %s != consumed %s + open %s", asset, total, consumed[asset], open)
		}
	}
}

func TestDeterministicUnderReingestion(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	txs := randomLedger(r, 150)
	p := NewCostBasisProcessor(models.MethodFIFO, models.ShortfallZeroCost)

	first, _ := NewTransactionProcessor().Normalize(txs)
	want, err := p.Process(context.Background(), first)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		shuffled := append([]models.Transaction(nil), txs...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		ledger, _ := NewTransactionProcessor().Normalize(shuffled)
		got, err := p.Process(context.Background(), ledger)
		require.NoError(t, err)
		assert.Equal(t, want.Disposals, got.Disposals)
		assert.Equal(t, want.OpenLots, got.OpenLots)
	}
}
