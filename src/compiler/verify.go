package compiler

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxreports/src/models"
)

// Verify checks that the totals of a parsed CSV report agree with its rows.
func Verify(p *ParsedCSV) error {
	var result *multierror.Error

	gains, losses := decimal.Zero, decimal.Zero
	perAsset := make(map[string]decimal.Decimal)
	for _, d := range p.Disposals {
		if !d.TransmissionValue.Sub(d.AcquisitionValue).Equal(d.GainOrLoss) {
			result = multierror.Append(result, fmt.Errorf("disposal %s: gain %s does not equal %s - %s",
				d.TransactionID, d.GainOrLoss, d.TransmissionValue, d.AcquisitionValue))
		}
		if d.GainOrLoss.IsPositive() {
			gains = gains.Add(d.GainOrLoss)
		} else {
			losses = losses.Add(d.GainOrLoss.Neg())
		}
		perAsset[d.Asset] = perAsset[d.Asset].Add(d.GainOrLoss)
	}

	for _, at := range p.AssetTotals {
		if net := perAsset[at.Asset]; !net.Equal(at.Net) {
			result = multierror.Append(result, fmt.Errorf("asset %s: total %s does not match its disposals (%s)", at.Asset, at.Net, net))
		}
	}

	t := p.Totals
	if !t.TotalGains.Equal(gains) {
		result = multierror.Append(result, fmt.Errorf("total gains %s do not match the disposals (%s)", t.TotalGains, gains))
	}
	if !t.TotalLosses.Equal(losses) {
		result = multierror.Append(result, fmt.Errorf("total losses %s do not match the disposals (%s)", t.TotalLosses, losses))
	}
	if !t.NetResult.Equal(t.TotalGains.Sub(t.TotalLosses)) {
		result = multierror.Append(result, fmt.Errorf("net result %s is not gains minus losses", t.NetResult))
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", models.ErrReportFormat, err)
	}
	return nil
}
