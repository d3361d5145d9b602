package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Lot is an open acquisition parcel. Only the cost-basis engine mutates it.
type Lot struct {
	ID                string          `json:"id"` // id of the acquiring transaction
	Asset             string          `json:"asset"`
	AcquiredAt        time.Time       `json:"acquiredAt"`
	QuantityRemaining decimal.Decimal `json:"quantityRemaining"`
	UnitCostBasis     decimal.Decimal `json:"unitCostBasis"`
	CostRemaining     decimal.Decimal `json:"costRemaining"`
}

// LotMatch is one component of a disposal: the part of a lot it consumed.
type LotMatch struct {
	LotID      string          `json:"lotId"`
	AcquiredAt time.Time       `json:"acquiredAt"`
	Quantity   decimal.Decimal `json:"quantity"`
	CostBasis  decimal.Decimal `json:"costBasis"`
}

// DisposalEvent is the realized result of one sell or transfer-out.
type DisposalEvent struct {
	TransactionID         string          `json:"transactionId"`
	Asset                 string          `json:"asset"`
	Type                  TxType          `json:"type"`
	DisposedAt            time.Time       `json:"disposedAt"`
	Quantity              decimal.Decimal `json:"quantity"`
	Proceeds              decimal.Decimal `json:"proceeds"`
	CostBasis             decimal.Decimal `json:"costBasis"`
	GainOrLoss            decimal.Decimal `json:"gainOrLoss"`
	Matches               []LotMatch      `json:"matches"`
	UnmatchedQuantity     decimal.Decimal `json:"unmatchedQuantity"`
	InsufficientCostBasis bool            `json:"insufficientCostBasis"`
}

// MatchedLotIDs returns the consumed lot ids in consumption order.
func (d DisposalEvent) MatchedLotIDs() []string {
	ids := make([]string, 0, len(d.Matches))
	for _, m := range d.Matches {
		ids = append(ids, m.LotID)
	}
	return ids
}

// AcquiredAt returns the acquisition date of the first matched lot, or the
// zero time when the disposal had no tracked basis.
func (d DisposalEvent) AcquiredAt() time.Time {
	if len(d.Matches) == 0 {
		return time.Time{}
	}
	return d.Matches[0].AcquiredAt
}

// FeeConsumption records lot quantity consumed by a fee transaction.
type FeeConsumption struct {
	TransactionID string          `json:"transactionId"`
	Asset         string          `json:"asset"`
	At            time.Time       `json:"at"`
	Quantity      decimal.Decimal `json:"quantity"`
	CostBasis     decimal.Decimal `json:"costBasis"`
	Matches       []LotMatch      `json:"matches"`
}

// IncomeEvent is an acquisition taxed on receipt (staking rewards, airdrops).
type IncomeEvent struct {
	TransactionID string          `json:"transactionId"`
	Asset         string          `json:"asset"`
	Type          TxType          `json:"type"`
	ReceivedAt    time.Time       `json:"receivedAt"`
	Quantity      decimal.Decimal `json:"quantity"`
	FiatValue     decimal.Decimal `json:"fiatValue"`
}
