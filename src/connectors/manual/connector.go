// Package manual converts hand-entered transactions into canonical ones.
package manual

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxreports/src/connectors"
	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/security/validation"
)

const sourceRef = "manual"

type Connector struct{}

func New() *Connector { return &Connector{} }

// Fetch maps each entry. fiatValue is amount × price when a price is given;
// entries without one are priced later by the resolver.
func (c *Connector) Fetch(_ context.Context, sd models.SourceData, window models.DateRange) (*connectors.FetchResult, error) {
	if sd.Manual == nil {
		return nil, fmt.Errorf("%w: manual payload is missing", models.ErrValidation)
	}
	res := &connectors.FetchResult{}
	for i, e := range sd.Manual.Entries {
		row := i + 1
		if err := validation.ValidateManualEntry(e); err != nil {
			res.Warnings = append(res.Warnings, models.WarningFromMalformed(&models.MalformedInputError{
				Source: sourceRef, Row: row, Reason: strings.ReplaceAll(err.Error(), "\n", " "),
			}))
			continue
		}
		typ, _ := models.ParseTxType(e.Type)
		tx := models.Transaction{
			Timestamp:  e.Timestamp.UTC(),
			Asset:      strings.ToUpper(strings.TrimSpace(e.Asset)),
			Type:       typ,
			Amount:     e.Amount,
			FeeAmount:  e.Fee,
			SourceRef:  sourceRef,
			ProviderID: e.ID,
		}
		if e.Price.Valid {
			tx.FiatValue = decimal.NewNullDecimal(e.Amount.Mul(e.Price.Decimal))
		}
		if tx.ProviderID == "" {
			tx.ProviderID = fmt.Sprintf("entry-%06d", row)
		}
		res.Transactions = append(res.Transactions, tx)
	}
	return connectors.Finalize(res, window), nil
}
