// src/processors/costbasis_processor.go
package processors

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/username/cryptotaxreports/src/models"
)

// costPrecision is the number of decimal places kept when a lot is split.
const costPrecision = 12

// CostBasisResult is the output of one matching pass over a ledger.
type CostBasisResult struct {
	Disposals       []models.DisposalEvent
	FeeConsumptions []models.FeeConsumption
	Income          []models.IncomeEvent
	OpenLots        map[string][]models.Lot // per asset, oldest first
	Warnings        []models.Warning
}

// CostBasisProcessor matches disposals against acquisition lots.
type CostBasisProcessor struct {
	Method    models.CostBasisMethod
	Shortfall models.ShortfallPolicy
}

func NewCostBasisProcessor(method models.CostBasisMethod, shortfall models.ShortfallPolicy) *CostBasisProcessor {
	if method == "" {
		method = models.MethodFIFO
	}
	if shortfall == "" {
		shortfall = models.ShortfallZeroCost
	}
	return &CostBasisProcessor{Method: method, Shortfall: shortfall}
}

// Process matches the whole ledger. Every transaction must be priced.
// Assets are independent and are matched concurrently; the merged output is
// ordered by (DisposedAt, Asset, TransactionID).
func (p *CostBasisProcessor) Process(ctx context.Context, txs []models.Transaction) (*CostBasisResult, error) {
	byAsset := groupByAsset(txs)
	assets := make([]string, 0, len(byAsset))
	for asset := range byAsset {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	results := make([]*assetResult, len(assets))
	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range assets {
		g.Go(func() error {
			r, err := p.matchAsset(gctx, asset, byAsset[asset])
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &CostBasisResult{OpenLots: make(map[string][]models.Lot, len(assets))}
	for i, r := range results {
		out.Disposals = append(out.Disposals, r.disposals...)
		out.FeeConsumptions = append(out.FeeConsumptions, r.fees...)
		out.Income = append(out.Income, r.income...)
		out.Warnings = append(out.Warnings, r.warnings...)
		if lots := r.queue.snapshot(); len(lots) > 0 {
			out.OpenLots[assets[i]] = lots
		}
	}
	sort.SliceStable(out.Disposals, func(i, j int) bool {
		a, b := out.Disposals[i], out.Disposals[j]
		if !a.DisposedAt.Equal(b.DisposedAt) {
			return a.DisposedAt.Before(b.DisposedAt)
		}
		if a.Asset != b.Asset {
			return a.Asset < b.Asset
		}
		return a.TransactionID < b.TransactionID
	})
	sort.SliceStable(out.Income, func(i, j int) bool {
		a, b := out.Income[i], out.Income[j]
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.TransactionID < b.TransactionID
	})
	return out, nil
}

// HoldingsAt returns the lots still open immediately before cutoff.
func (p *CostBasisProcessor) HoldingsAt(ctx context.Context, txs []models.Transaction, cutoff time.Time) (map[string][]models.Lot, error) {
	prefix := make([]models.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Timestamp.Before(cutoff) {
			prefix = append(prefix, tx)
		}
	}
	res, err := p.Process(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return res.OpenLots, nil
}

type assetResult struct {
	queue     *lotQueue
	disposals []models.DisposalEvent
	fees      []models.FeeConsumption
	income    []models.IncomeEvent
	warnings  []models.Warning
}

func (p *CostBasisProcessor) matchAsset(ctx context.Context, asset string, txs []models.Transaction) (*assetResult, error) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].Timestamp.Equal(txs[j].Timestamp) {
			return txs[i].Timestamp.Before(txs[j].Timestamp)
		}
		return txs[i].Seq < txs[j].Seq
	})

	r := &assetResult{queue: &lotQueue{method: p.Method}}
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !tx.Priced() {
			return nil, &models.PriceUnavailableError{Asset: asset, Day: tx.Timestamp.UTC().Format("2006-01-02")}
		}

		switch {
		case tx.Type.IsAcquisition():
			cost := tx.FiatValue.Decimal.Add(tx.Fee())
			r.queue.push(models.Lot{
				ID:                tx.ID,
				Asset:             asset,
				AcquiredAt:        tx.Timestamp,
				QuantityRemaining: tx.Amount,
				UnitCostBasis:     cost.DivRound(tx.Amount, costPrecision),
				CostRemaining:     cost,
			})
			if tx.Type.IsIncome() {
				r.income = append(r.income, models.IncomeEvent{
					TransactionID: tx.ID,
					Asset:         asset,
					Type:          tx.Type,
					ReceivedAt:    tx.Timestamp,
					Quantity:      tx.Amount,
					FiatValue:     tx.FiatValue.Decimal,
				})
			}

		case tx.Type.IsDisposal():
			matches, cost, unmatched := r.queue.consume(tx.Amount)
			proceeds := tx.FiatValue.Decimal.Sub(tx.Fee())
			ev := models.DisposalEvent{
				TransactionID:     tx.ID,
				Asset:             asset,
				Type:              tx.Type,
				DisposedAt:        tx.Timestamp,
				Quantity:          tx.Amount,
				Proceeds:          proceeds,
				CostBasis:         cost,
				GainOrLoss:        proceeds.Sub(cost),
				Matches:           matches,
				UnmatchedQuantity: unmatched,
			}
			if unmatched.IsPositive() {
				if p.Shortfall == models.ShortfallReject {
					return nil, fmt.Errorf("%w: %s %s of %s on %s exceeds open lots by %s",
						models.ErrInsufficientCostBasis, tx.Type, tx.Amount, asset, tx.Timestamp.Format(time.RFC3339), unmatched)
				}
				ev.InsufficientCostBasis = true
				r.warnings = append(r.warnings, models.Warning{
					Code: models.WarnInsufficientCostBasis,
					Message: fmt.Sprintf("%s of %s disposed on %s has no tracked acquisition; realised at zero cost basis",
						unmatched, asset, tx.Timestamp.Format("2006-01-02")),
					Source:        tx.SourceRef,
					TransactionID: tx.ID,
				})
			}
			r.disposals = append(r.disposals, ev)

		case tx.Type == models.TxFee:
			matches, cost, unmatched := r.queue.consume(tx.Amount)
			r.fees = append(r.fees, models.FeeConsumption{
				TransactionID: tx.ID,
				Asset:         asset,
				At:            tx.Timestamp,
				Quantity:      tx.Amount,
				CostBasis:     cost,
				Matches:       matches,
			})
			if unmatched.IsPositive() {
				r.warnings = append(r.warnings, models.Warning{
					Code:          models.WarnInsufficientCostBasis,
					Message:       fmt.Sprintf("fee of %s %s exceeds open lots by %s", tx.Amount, asset, unmatched),
					Source:        tx.SourceRef,
					TransactionID: tx.ID,
				})
			}

		default:
			return nil, fmt.Errorf("%w: unsupported transaction type %q", models.ErrValidation, tx.Type)
		}
	}
	return r, nil
}

// lotQueue holds the open lots of one asset in acquisition order.
type lotQueue struct {
	method models.CostBasisMethod
	lots   []models.Lot
}

func (q *lotQueue) push(l models.Lot) { q.lots = append(q.lots, l) }

// consume takes qty from the queue in method order and returns the matched
// components, their total cost and the quantity that could not be matched.
func (q *lotQueue) consume(qty decimal.Decimal) ([]models.LotMatch, decimal.Decimal, decimal.Decimal) {
	var matches []models.LotMatch
	cost := decimal.Zero
	remaining := qty

	for remaining.IsPositive() && len(q.lots) > 0 {
		idx := 0
		if q.method == models.MethodLIFO {
			idx = len(q.lots) - 1
		}
		lot := &q.lots[idx]

		take := decimal.Min(remaining, lot.QuantityRemaining)
		var part decimal.Decimal
		if take.Equal(lot.QuantityRemaining) {
			part = lot.CostRemaining
		} else {
			part = lot.CostRemaining.Mul(take).DivRound(lot.QuantityRemaining, costPrecision)
		}

		matches = append(matches, models.LotMatch{
			LotID:      lot.ID,
			AcquiredAt: lot.AcquiredAt,
			Quantity:   take,
			CostBasis:  part,
		})
		cost = cost.Add(part)
		remaining = remaining.Sub(take)
		lot.QuantityRemaining = lot.QuantityRemaining.Sub(take)
		lot.CostRemaining = lot.CostRemaining.Sub(part)

		if lot.QuantityRemaining.IsZero() {
			if idx == 0 {
				q.lots = q.lots[1:]
			} else {
				q.lots = q.lots[:idx]
			}
		}
	}
	return matches, cost, remaining
}

func (q *lotQueue) snapshot() []models.Lot {
	if len(q.lots) == 0 {
		return nil
	}
	out := make([]models.Lot, len(q.lots))
	copy(out, q.lots)
	return out
}

func groupByAsset(txs []models.Transaction) map[string][]models.Transaction {
	grouped := make(map[string][]models.Transaction)
	for _, tx := range txs {
		grouped[tx.Asset] = append(grouped[tx.Asset], tx)
	}
	return grouped
}
