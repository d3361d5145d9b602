// Package csvfile reads transactions from an uploaded CSV export. Columns are
// found by header name, so exports from different exchanges load as long as
// they use one of the recognised column names.
package csvfile

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/username/cryptotaxreports/src/connectors"
	"github.com/username/cryptotaxreports/src/logger"
	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/security/validation"
)

var requiredColumns = []string{"timestamp", "type", "asset", "amount"}

type Connector struct {
	// Location interprets timestamps without an offset.
	Location *time.Location
}

func New(loc *time.Location) *Connector {
	if loc == nil {
		loc = time.UTC
	}
	return &Connector{Location: loc}
}

func (c *Connector) Fetch(ctx context.Context, sd models.SourceData, window models.DateRange) (*connectors.FetchResult, error) {
	if sd.CSV == nil {
		return nil, fmt.Errorf("%w: csv payload is missing", models.ErrValidation)
	}
	sourceRef := "csv:" + sd.CSV.Filename
	res, err := c.Parse(strings.NewReader(sd.CSV.Content), sourceRef)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("CSV source parsed", "file", sd.CSV.Filename,
		"transactions", len(res.Transactions), "skippedRows", len(res.Warnings))
	return connectors.Finalize(res, window), nil
}

// Parse maps every data row. Rows that cannot be mapped become warnings with
// their 1-based data row index; a missing required column fails the whole file.
func (c *Connector) Parse(r io.Reader, sourceRef string) (*connectors.FetchResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read CSV header: %v", models.ErrValidation, err)
	}
	for i, h := range header {
		header[i] = strings.ToLower(strings.TrimSpace(validation.StripUnprintable(h)))
	}
	var missing []string
	for _, col := range requiredColumns {
		if !connectors.HasColumn(header, col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: CSV header lacks required columns %s", models.ErrValidation, strings.Join(missing, ", "))
	}

	res := &connectors.FetchResult{}
	for row := 1; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Warnings = append(res.Warnings, malformed(sourceRef, row, err.Error()))
			continue
		}
		if isBlank(record) {
			continue
		}
		if len(record) != len(header) {
			res.Warnings = append(res.Warnings, malformed(sourceRef, row,
				fmt.Sprintf("expected %d fields, got %d", len(header), len(record))))
			continue
		}

		rec := make(connectors.Record, len(header))
		for i, h := range header {
			rec[h] = record[i]
		}
		tx, err := connectors.MapRecord(rec, sourceRef, c.Location)
		if err != nil {
			res.Warnings = append(res.Warnings, malformed(sourceRef, row, err.Error()))
			continue
		}
		if tx.ProviderID == "" {
			tx.ProviderID = rowID(row, record)
		}
		res.Transactions = append(res.Transactions, tx)
	}
	return res, nil
}

// rowID identifies a row without an id column. The zero-padded row index
// leads so ids sort in file order; the content hash follows.
func rowID(row int, record []string) string {
	sum := sha256.Sum256([]byte(strings.Join(record, "\x1f")))
	return fmt.Sprintf("row-%08d-%s", row, hex.EncodeToString(sum[:16]))
}

func malformed(source string, row int, reason string) models.Warning {
	return models.WarningFromMalformed(&models.MalformedInputError{Source: source, Row: row, Reason: reason})
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
