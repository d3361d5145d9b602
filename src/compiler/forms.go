package compiler

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxreports/src/models"
)

// Model 720 only has to be filed when the declared assets exceed this value.
var model720Threshold = decimal.NewFromInt(50000)

type formLayout struct {
	name  string
	build func(ctx context.Context, c *Compiler, r *Report, in Input, disposals []models.DisposalEvent, year models.DateRange) error
}

var forms = map[models.ReportType]formLayout{
	models.ReportModel100: {name: "Modelo 100 (IRPF): ganancias y pérdidas patrimoniales", build: buildModel100},
	models.ReportModel720: {name: "Modelo 720: bienes y derechos en el extranjero", build: buildModel720},
	models.ReportModel714: {name: "Modelo 714: impuesto sobre el patrimonio", build: buildModel714},
}

// buildModel100 lists each disposal with its acquisition and transmission
// values and the staking and airdrop income received in the year.
func buildModel100(_ context.Context, c *Compiler, r *Report, in Input, disposals []models.DisposalEvent, year models.DateRange) error {
	r.Disposals = make([]DisposalLine, 0, len(disposals))
	shortfalls := 0
	for _, d := range disposals {
		r.Disposals = append(r.Disposals, disposalLine(d))
		if d.InsufficientCostBasis {
			shortfalls++
		}
	}
	for _, inc := range in.Result.Income {
		if !year.Contains(inc.ReceivedAt) || c.isFiat(inc.Asset) {
			continue
		}
		r.Income = append(r.Income, IncomeLine{
			TransactionID: inc.TransactionID,
			Asset:         inc.Asset,
			Type:          inc.Type,
			ReceivedAt:    inc.ReceivedAt,
			Quantity:      inc.Quantity,
			FiatValue:     inc.FiatValue,
		})
	}

	if shortfalls > 0 {
		r.Notes = append(r.Notes, fmt.Sprintf("%d disposal(s) exceeded the tracked acquisitions; the unmatched quantity was reported at zero acquisition value.", shortfalls))
	}
	fees, feeBasis := 0, decimal.Zero
	for _, f := range in.Result.FeeConsumptions {
		if year.Contains(f.At) {
			fees++
			feeBasis = feeBasis.Add(f.CostBasis)
		}
	}
	if fees > 0 {
		r.Notes = append(r.Notes, fmt.Sprintf("%d network fee payment(s) consumed %s %s of acquisition cost and are not listed as transmissions.", fees, feeBasis.StringFixed(2), c.Currency))
	}
	if len(r.Income) > 0 {
		r.Notes = append(r.Notes, "Staking rewards and airdrops are income from movable capital and are declared separately from capital gains.")
	}
	return nil
}

// buildModel720 lists year-end holdings at acquisition cost.
func buildModel720(_ context.Context, c *Compiler, r *Report, in Input, _ []models.DisposalEvent, _ models.DateRange) error {
	r.Holdings = holdingLines(c, in.Holdings)
	for _, h := range r.Holdings {
		r.HoldingsValue = r.HoldingsValue.Add(h.AcquisitionCost)
	}
	r.Notes = append(r.Notes, "Disposals are not part of this form and are reported in Modelo 100.")
	if r.HoldingsValue.LessThanOrEqual(model720Threshold) {
		r.Notes = append(r.Notes, fmt.Sprintf("The aggregate value of %s %s does not exceed the %s %s declaration threshold.",
			r.HoldingsValue.StringFixed(2), c.Currency, model720Threshold.StringFixed(0), c.Currency))
	}
	return nil
}

// buildModel714 values year-end holdings at the market price of 31 December.
func buildModel714(ctx context.Context, c *Compiler, r *Report, in Input, _ []models.DisposalEvent, year models.DateRange) error {
	r.Holdings = holdingLines(c, in.Holdings)
	if len(r.Holdings) > 0 && in.Prices == nil {
		return fmt.Errorf("%w: year-end valuation needs a price source", models.ErrReportFormat)
	}
	for i := range r.Holdings {
		h := &r.Holdings[i]
		price, err := in.Prices.Resolve(ctx, h.Asset, year.To)
		if err != nil {
			return fmt.Errorf("value %s holdings on %s: %w", h.Asset, year.To.Format("2006-01-02"), err)
		}
		h.MarketPrice = decimal.NewNullDecimal(price)
		h.MarketValue = decimal.NewNullDecimal(price.Mul(h.Quantity))
		r.HoldingsValue = r.HoldingsValue.Add(h.MarketValue.Decimal)
	}
	r.Notes = append(r.Notes, "Disposals are not part of this form and are reported in Modelo 100.")
	return nil
}

func holdingLines(c *Compiler, holdings map[string][]models.Lot) []HoldingLine {
	var out []HoldingLine
	for asset, lots := range holdings {
		if c.isFiat(asset) || len(lots) == 0 {
			continue
		}
		h := HoldingLine{Asset: asset, Lots: len(lots)}
		for _, l := range lots {
			h.Quantity = h.Quantity.Add(l.QuantityRemaining)
			h.AcquisitionCost = h.AcquisitionCost.Add(l.CostRemaining)
		}
		if h.Quantity.IsPositive() {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}
