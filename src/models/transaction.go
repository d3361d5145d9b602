// src/models/transaction.go
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TxType classifies a canonical transaction.
type TxType string

const (
	TxBuy         TxType = "buy"
	TxSell        TxType = "sell"
	TxTransferIn  TxType = "transfer-in"
	TxTransferOut TxType = "transfer-out"
	TxStakeReward TxType = "stake-reward"
	TxAirdrop     TxType = "airdrop"
	TxFee         TxType = "fee"
)

// IsAcquisition reports whether the type opens a new lot.
func (t TxType) IsAcquisition() bool {
	switch t {
	case TxBuy, TxTransferIn, TxStakeReward, TxAirdrop:
		return true
	}
	return false
}

// IsDisposal reports whether the type realizes a gain or loss.
func (t TxType) IsDisposal() bool {
	return t == TxSell || t == TxTransferOut
}

// IsIncome reports whether the acquisition is taxed as income when received.
func (t TxType) IsIncome() bool {
	return t == TxStakeReward || t == TxAirdrop
}

// ParseTxType maps the many spellings found in exchange exports onto a TxType.
func ParseTxType(s string) (TxType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "purchase", "trade-buy", "compra":
		return TxBuy, nil
	case "sell", "sale", "trade-sell", "venta", "venda":
		return TxSell, nil
	case "transfer-in", "transfer_in", "deposit", "receive", "received":
		return TxTransferIn, nil
	case "transfer-out", "transfer_out", "withdrawal", "withdraw", "send", "sent":
		return TxTransferOut, nil
	case "stake-reward", "staking", "stake_reward", "reward", "interest":
		return TxStakeReward, nil
	case "airdrop":
		return TxAirdrop, nil
	case "fee", "network-fee", "gas":
		return TxFee, nil
	default:
		return "", fmt.Errorf("unknown transaction type %q", s)
	}
}

// Transaction is the canonical, immutable ledger entry every connector produces.
type Transaction struct {
	ID         string              `json:"id"`
	Timestamp  time.Time           `json:"timestamp"`
	Asset      string              `json:"asset"`
	Type       TxType              `json:"type"`
	Amount     decimal.Decimal     `json:"amount"`
	FiatValue  decimal.NullDecimal `json:"fiatValue"` // total value of Amount in the report currency
	FeeAmount  decimal.NullDecimal `json:"feeAmount"` // in the report currency
	SourceRef  string              `json:"sourceRef"`
	ProviderID string              `json:"providerId"`
	Seq        int                 `json:"seq"` // ingestion order assigned by the ledger normaliser
}

// Fee returns the fee or zero.
func (t Transaction) Fee() decimal.Decimal {
	if t.FeeAmount.Valid {
		return t.FeeAmount.Decimal
	}
	return decimal.Zero
}

// Priced reports whether the fiat value has been resolved.
func (t Transaction) Priced() bool {
	return t.FiatValue.Valid
}

// Validate checks the invariants of a canonical transaction.
func (t Transaction) Validate() error {
	if strings.TrimSpace(t.Asset) == "" {
		return fmt.Errorf("asset is required")
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if !t.Amount.IsPositive() {
		return fmt.Errorf("amount must be > 0, got %s", t.Amount)
	}
	if t.FiatValue.Valid && t.FiatValue.Decimal.IsNegative() {
		return fmt.Errorf("fiat value must be >= 0, got %s", t.FiatValue.Decimal)
	}
	if t.FeeAmount.Valid && t.FeeAmount.Decimal.IsNegative() {
		return fmt.Errorf("fee must be >= 0, got %s", t.FeeAmount.Decimal)
	}
	return nil
}

// DateRange bounds a fetch. A zero bound is open.
type DateRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// Contains reports whether ts lies in [From, To].
func (r DateRange) Contains(ts time.Time) bool {
	if !r.From.IsZero() && ts.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && ts.After(r.To) {
		return false
	}
	return true
}

// FiscalYearRange returns the calendar year in loc as a closed range.
func FiscalYearRange(year int, loc *time.Location) DateRange {
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, loc)
	return DateRange{From: start.UTC(), To: start.AddDate(1, 0, 0).Add(-time.Nanosecond).UTC()}
}
