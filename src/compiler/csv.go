package compiler

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/security/validation"
)

// Record types of the CSV layout.
const (
	RecordDisposal   = "disposal"
	RecordIncome     = "income"
	RecordHolding    = "holding"
	RecordAssetTotal = "asset_total"
	RecordTotal      = "total"
	RecordNote       = "note"
)

var csvHeader = []string{
	"record_type", "asset", "transaction_id", "tx_type", "acquired_at", "disposed_at",
	"quantity", "acquisition_value", "transmission_value", "gain_or_loss",
	"gains", "losses", "count", "note",
}

const (
	colType = iota
	colAsset
	colTxID
	colTxType
	colAcquired
	colDisposed
	colQuantity
	colAcquisition
	colTransmission
	colGainOrLoss
	colGains
	colLosses
	colCount
	colNote
)

func renderCSV(r *Report) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteCSV writes one row per record with exact decimal values. Text cells
// are escaped against spreadsheet formula injection.
func WriteCSV(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	row := func() []string { return make([]string, len(csvHeader)) }
	text := validation.SanitizeForFormulaInjection

	for _, d := range r.Disposals {
		rec := row()
		rec[colType] = RecordDisposal
		rec[colAsset] = text(d.Asset)
		rec[colTxID] = text(d.TransactionID)
		rec[colTxType] = string(d.Type)
		rec[colAcquired] = formatTime(d.AcquiredAt)
		rec[colDisposed] = formatTime(d.DisposedAt)
		rec[colQuantity] = d.Quantity.String()
		rec[colAcquisition] = d.AcquisitionValue.String()
		rec[colTransmission] = d.TransmissionValue.String()
		rec[colGainOrLoss] = d.GainOrLoss.String()
		if d.InsufficientCostBasis {
			rec[colNote] = "insufficient cost basis"
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	for _, inc := range r.Income {
		rec := row()
		rec[colType] = RecordIncome
		rec[colAsset] = text(inc.Asset)
		rec[colTxID] = text(inc.TransactionID)
		rec[colTxType] = string(inc.Type)
		rec[colDisposed] = formatTime(inc.ReceivedAt)
		rec[colQuantity] = inc.Quantity.String()
		rec[colTransmission] = inc.FiatValue.String()
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	for _, h := range r.Holdings {
		rec := row()
		rec[colType] = RecordHolding
		rec[colAsset] = text(h.Asset)
		rec[colQuantity] = h.Quantity.String()
		rec[colAcquisition] = h.AcquisitionCost.String()
		if h.MarketValue.Valid {
			rec[colTransmission] = h.MarketValue.Decimal.String()
		}
		rec[colCount] = strconv.Itoa(h.Lots)
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	for _, at := range r.AssetTotals {
		rec := row()
		rec[colType] = RecordAssetTotal
		rec[colAsset] = text(at.Asset)
		rec[colGainOrLoss] = at.Net.String()
		rec[colGains] = at.Gains.String()
		rec[colLosses] = at.Losses.String()
		rec[colCount] = strconv.Itoa(at.Disposals)
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	total := row()
	total[colType] = RecordTotal
	total[colGainOrLoss] = r.Totals.NetResult.String()
	total[colGains] = r.Totals.TotalGains.String()
	total[colLosses] = r.Totals.TotalLosses.String()
	total[colCount] = strconv.Itoa(r.Totals.TotalTransactions)
	if err := cw.Write(total); err != nil {
		return err
	}
	for _, n := range r.Notes {
		rec := row()
		rec[colType] = RecordNote
		rec[colNote] = text(n)
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ParsedCSV is the content recovered from a CSV artifact.
type ParsedCSV struct {
	Disposals   []DisposalLine
	Income      []IncomeLine
	Holdings    []HoldingLine
	AssetTotals []AssetTotal
	Totals      models.Totals
	Notes       []string
}

// ParseCSV reads a file written by WriteCSV.
func ParseCSV(rd io.Reader) (*ParsedCSV, error) {
	cr := csv.NewReader(rd)
	cr.FieldsPerRecord = len(csvHeader)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, h := range csvHeader {
		if header[i] != h {
			return nil, fmt.Errorf("column %d is %q, want %q", i+1, header[i], h)
		}
	}

	out := &ParsedCSV{}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		p := fieldParser{rec: rec}
		text := func(i int) string { return validation.UnsanitizeFormula(rec[i]) }

		switch rec[colType] {
		case RecordDisposal:
			out.Disposals = append(out.Disposals, DisposalLine{
				Asset:                 text(colAsset),
				TransactionID:         text(colTxID),
				Type:                  models.TxType(rec[colTxType]),
				AcquiredAt:            p.time(colAcquired),
				DisposedAt:            p.time(colDisposed),
				Quantity:              p.decimal(colQuantity),
				AcquisitionValue:      p.decimal(colAcquisition),
				TransmissionValue:     p.decimal(colTransmission),
				GainOrLoss:            p.decimal(colGainOrLoss),
				InsufficientCostBasis: rec[colNote] == "insufficient cost basis",
			})
		case RecordIncome:
			out.Income = append(out.Income, IncomeLine{
				Asset:         text(colAsset),
				TransactionID: text(colTxID),
				Type:          models.TxType(rec[colTxType]),
				ReceivedAt:    p.time(colDisposed),
				Quantity:      p.decimal(colQuantity),
				FiatValue:     p.decimal(colTransmission),
			})
		case RecordHolding:
			h := HoldingLine{
				Asset:           text(colAsset),
				Quantity:        p.decimal(colQuantity),
				AcquisitionCost: p.decimal(colAcquisition),
				Lots:            p.int(colCount),
			}
			if rec[colTransmission] != "" {
				h.MarketValue = decimal.NewNullDecimal(p.decimal(colTransmission))
			}
			out.Holdings = append(out.Holdings, h)
		case RecordAssetTotal:
			out.AssetTotals = append(out.AssetTotals, AssetTotal{
				Asset:     text(colAsset),
				Net:       p.decimal(colGainOrLoss),
				Gains:     p.decimal(colGains),
				Losses:    p.decimal(colLosses),
				Disposals: p.int(colCount),
			})
		case RecordTotal:
			out.Totals = models.Totals{
				TotalTransactions: p.int(colCount),
				TotalGains:        p.decimal(colGains),
				TotalLosses:       p.decimal(colLosses),
				NetResult:         p.decimal(colGainOrLoss),
			}
		case RecordNote:
			out.Notes = append(out.Notes, text(colNote))
		default:
			return nil, fmt.Errorf("line %d: unknown record type %q", line, rec[colType])
		}
		if p.err != nil {
			return nil, fmt.Errorf("line %d: %w", line, p.err)
		}
	}
}

// fieldParser keeps the first conversion error of a row.
type fieldParser struct {
	rec []string
	err error
}

func (p *fieldParser) decimal(i int) decimal.Decimal {
	if p.rec[i] == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(p.rec[i])
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", csvHeader[i], err)
	}
	return d
}

func (p *fieldParser) time(i int) time.Time {
	if p.rec[i] == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, p.rec[i])
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", csvHeader[i], err)
	}
	return t
}

func (p *fieldParser) int(i int) int {
	if p.rec[i] == "" {
		return 0
	}
	n, err := strconv.Atoi(p.rec[i])
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", csvHeader[i], err)
	}
	return n
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
