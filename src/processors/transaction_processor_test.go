package processors

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/cryptotaxreports/src/models"
)

func TestNormalizeOrdersAndAssignsSeq(t *testing.T) {
	madrid, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)

	txs := []models.Transaction{
		{Timestamp: time.Date(2023, 5, 1, 10, 0, 0, 0, madrid), Asset: " eth", Type: models.TxBuy, Amount: decimal.NewFromInt(1), SourceRef: "csv:a", ProviderID: "2"},
		{Timestamp: time.Date(2023, 5, 1, 8, 0, 0, 0, time.UTC), Asset: "BTC", Type: models.TxBuy, Amount: decimal.NewFromInt(1), SourceRef: "csv:a", ProviderID: "1"},
	}
	ledger, warnings := NewTransactionProcessor().Normalize(txs)
	require.Empty(t, warnings)
	require.Len(t, ledger, 2)

	assert.Equal(t, "ETH", ledger[1].Asset)
	assert.Equal(t, time.UTC, ledger[1].Timestamp.Location())
	assert.Equal(t, "BTC", ledger[0].Asset, "10:00 Madrid is 08:00 UTC, tie broken by provider id")
	assert.Equal(t, 0, ledger[0].Seq)
	assert.Equal(t, 1, ledger[1].Seq)
	assert.Equal(t, GenerateTransactionID("csv:a", "1"), ledger[0].ID)
}

func TestNormalizeDropsDuplicatesAndInvalid(t *testing.T) {
	ts := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	txs := []models.Transaction{
		{Timestamp: ts, Asset: "BTC", Type: models.TxBuy, Amount: decimal.NewFromInt(1), SourceRef: "exchange:x", ProviderID: "abc"},
		{Timestamp: ts, Asset: "BTC", Type: models.TxBuy, Amount: decimal.NewFromInt(1), SourceRef: "exchange:x", ProviderID: "abc"},
		{Timestamp: ts, Asset: "BTC", Type: models.TxBuy, Amount: decimal.Zero, SourceRef: "exchange:x", ProviderID: "zero"},
	}
	ledger, warnings := NewTransactionProcessor().Normalize(txs)

	assert.Len(t, ledger, 1)
	require.Len(t, warnings, 2)
	codes := []models.WarningCode{warnings[0].Code, warnings[1].Code}
	assert.ElementsMatch(t, []models.WarningCode{models.WarnDuplicateTransaction, models.WarnMalformedInput}, codes)
}

func TestGenerateTransactionIDIsStable(t *testing.T) {
	a := GenerateTransactionID("wallet:ethereum:0xabc", "0xhash")
	b := GenerateTransactionID("wallet:ethereum:0xabc", "0xhash")
	c := GenerateTransactionID("wallet:polygon:0xabc", "0xhash")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
