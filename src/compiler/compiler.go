// Package compiler aggregates the results of the cost-basis engine for one
// fiscal year, lays them out as a regulatory form and renders the form as
// CSV, JSON, Markdown or HTML.
package compiler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/processors"
)

// Pricer values holdings at year end.
type Pricer interface {
	Resolve(ctx context.Context, asset string, at time.Time) (decimal.Decimal, error)
}

// Input is everything a generation run hands to the compiler.
type Input struct {
	Request  *models.ReportRequest
	Ledger   []models.Transaction
	Result   *processors.CostBasisResult
	Holdings map[string][]models.Lot // open lots at the end of the fiscal year
	Warnings []models.Warning
	Prices   Pricer
}

type DisposalLine struct {
	TransactionID         string          `json:"transactionId"`
	Asset                 string          `json:"asset"`
	Type                  models.TxType   `json:"type"`
	AcquiredAt            time.Time       `json:"acquiredAt"`
	DisposedAt            time.Time       `json:"disposedAt"`
	Quantity              decimal.Decimal `json:"quantity"`
	AcquisitionValue      decimal.Decimal `json:"acquisitionValue"`
	TransmissionValue     decimal.Decimal `json:"transmissionValue"`
	GainOrLoss            decimal.Decimal `json:"gainOrLoss"`
	LotIDs                []string        `json:"lotIds,omitempty"`
	InsufficientCostBasis bool            `json:"insufficientCostBasis,omitempty"`
}

type AssetTotal struct {
	Asset     string          `json:"asset"`
	Disposals int             `json:"disposals"`
	Gains     decimal.Decimal `json:"gains"`
	Losses    decimal.Decimal `json:"losses"`
	Net       decimal.Decimal `json:"net"`
}

type IncomeLine struct {
	TransactionID string          `json:"transactionId"`
	Asset         string          `json:"asset"`
	Type          models.TxType   `json:"type"`
	ReceivedAt    time.Time       `json:"receivedAt"`
	Quantity      decimal.Decimal `json:"quantity"`
	FiatValue     decimal.Decimal `json:"fiatValue"`
}

type HoldingLine struct {
	Asset           string              `json:"asset"`
	Lots            int                 `json:"lots"`
	Quantity        decimal.Decimal     `json:"quantity"`
	AcquisitionCost decimal.Decimal     `json:"acquisitionCost"`
	MarketPrice     decimal.NullDecimal `json:"marketPrice"`
	MarketValue     decimal.NullDecimal `json:"marketValue"`
}

// Report is a compiled form, independent of output format.
type Report struct {
	ReportID    string                 `json:"reportId"`
	ReportType  models.ReportType      `json:"reportType"`
	FormName    string                 `json:"formName"`
	FiscalYear  int                    `json:"fiscalYear"`
	Method      models.CostBasisMethod `json:"method"`
	Currency    string                 `json:"currency"`
	Timezone    string                 `json:"timezone"`
	Taxpayer    models.Taxpayer        `json:"taxpayer"`
	GeneratedAt time.Time              `json:"generatedAt"`

	Disposals   []DisposalLine `json:"disposals"`
	AssetTotals []AssetTotal   `json:"assetTotals"`
	Income      []IncomeLine   `json:"income,omitempty"`
	Holdings    []HoldingLine  `json:"holdings,omitempty"`
	// HoldingsValue is the year-end aggregate: acquisition cost for model-720,
	// market value for model-714.
	HoldingsValue decimal.Decimal  `json:"holdingsValue"`
	Totals        models.Totals    `json:"totals"`
	Notes         []string         `json:"notes,omitempty"`
	Warnings      []models.Warning `json:"warnings,omitempty"`
}

// Compiler builds reports in one jurisdiction's currency and time zone.
type Compiler struct {
	Currency string
	Location *time.Location
	Now      func() time.Time
}

func New(currency string, loc *time.Location) *Compiler {
	if loc == nil {
		loc = time.UTC
	}
	return &Compiler{Currency: strings.ToUpper(currency), Location: loc, Now: time.Now}
}

// Compile filters the engine results to the request's fiscal year and maps
// them onto the requested form.
func (c *Compiler) Compile(ctx context.Context, in Input) (*Report, error) {
	req := in.Request
	if req == nil || in.Result == nil {
		return nil, fmt.Errorf("%w: compile needs a request and engine results", models.ErrReportFormat)
	}
	layout, ok := forms[req.ReportType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown report type %q", models.ErrValidation, req.ReportType)
	}
	year := models.FiscalYearRange(req.FiscalYear, c.Location)

	r := &Report{
		ReportID:    req.ID,
		ReportType:  req.ReportType,
		FormName:    layout.name,
		FiscalYear:  req.FiscalYear,
		Method:      req.Method,
		Currency:    c.Currency,
		Timezone:    c.Location.String(),
		Taxpayer:    req.Taxpayer,
		GeneratedAt: c.Now().UTC(),
		Warnings:    append([]models.Warning(nil), in.Warnings...),
	}

	var disposals []models.DisposalEvent
	for _, d := range in.Result.Disposals {
		if !year.Contains(d.DisposedAt) {
			continue
		}
		if c.isFiat(d.Asset) {
			r.Warnings = append(r.Warnings, models.Warning{
				Code:          models.WarnUnsupportedForForm,
				Message:       fmt.Sprintf("%s disposal of fiat currency %s is not a capital gain", d.Type, d.Asset),
				TransactionID: d.TransactionID,
			})
			continue
		}
		disposals = append(disposals, d)
	}
	r.Totals, r.AssetTotals = aggregate(disposals)
	for _, tx := range in.Ledger {
		if year.Contains(tx.Timestamp) {
			r.Totals.TotalTransactions++
		}
	}

	if err := layout.build(ctx, c, r, in, disposals, year); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Compiler) isFiat(asset string) bool {
	return strings.EqualFold(asset, c.Currency)
}

// aggregate sums gains and the magnitude of losses per asset and overall.
func aggregate(disposals []models.DisposalEvent) (models.Totals, []AssetTotal) {
	byAsset := make(map[string]*AssetTotal)
	var totals models.Totals
	for _, d := range disposals {
		at, ok := byAsset[d.Asset]
		if !ok {
			at = &AssetTotal{Asset: d.Asset}
			byAsset[d.Asset] = at
		}
		at.Disposals++
		if d.GainOrLoss.IsNegative() {
			at.Losses = at.Losses.Add(d.GainOrLoss.Neg())
			totals.TotalLosses = totals.TotalLosses.Add(d.GainOrLoss.Neg())
		} else {
			at.Gains = at.Gains.Add(d.GainOrLoss)
			totals.TotalGains = totals.TotalGains.Add(d.GainOrLoss)
		}
	}
	totals.NetResult = totals.TotalGains.Sub(totals.TotalLosses)

	out := make([]AssetTotal, 0, len(byAsset))
	for _, at := range byAsset {
		at.Net = at.Gains.Sub(at.Losses)
		out = append(out, *at)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return totals, out
}

func disposalLine(d models.DisposalEvent) DisposalLine {
	return DisposalLine{
		TransactionID:         d.TransactionID,
		Asset:                 d.Asset,
		Type:                  d.Type,
		AcquiredAt:            d.AcquiredAt(),
		DisposedAt:            d.DisposedAt,
		Quantity:              d.Quantity,
		AcquisitionValue:      d.CostBasis,
		TransmissionValue:     d.Proceeds,
		GainOrLoss:            d.GainOrLoss,
		LotIDs:                d.MatchedLotIDs(),
		InsufficientCostBasis: d.InsufficientCostBasis,
	}
}
