package connectors

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/utils"
)

// Field names accepted for each canonical field, in lookup order. CSV headers
// and exchange JSON keys share the table.
var fieldAliases = map[string][]string{
	"id":        {"id", "txid", "tx_id", "transaction_id", "trade_id", "hash"},
	"timestamp": {"timestamp", "date", "time", "datetime", "created_at", "executed_at"},
	"type":      {"type", "side", "kind", "operation"},
	"asset":     {"asset", "symbol", "currency", "coin", "base_asset"},
	"amount":    {"amount", "quantity", "qty", "size", "volume"},
	"fiatValue": {"fiat_value", "fiatvalue", "value", "total", "quote_amount", "cost"},
	"price":     {"price", "unit_price", "rate"},
	"fee":       {"fee", "fees", "fee_amount", "commission"},
}

// Record is one flat source row keyed by lower-case field name.
type Record map[string]string

// Lookup returns the first non-empty value among the aliases of field.
func (r Record) Lookup(field string) (string, bool) {
	for _, alias := range fieldAliases[field] {
		if v, ok := r[alias]; ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// HasColumn reports whether header names contain an alias of field.
func HasColumn(header []string, field string) bool {
	for _, h := range header {
		for _, alias := range fieldAliases[field] {
			if h == alias {
				return true
			}
		}
	}
	return false
}

// MapRecord converts a flat record into a transaction. Values without an
// offset are read in loc. A price without a total yields amount × price.
func MapRecord(r Record, sourceRef string, loc *time.Location) (models.Transaction, error) {
	tx := models.Transaction{SourceRef: sourceRef}

	ts, ok := r.Lookup("timestamp")
	if !ok {
		return tx, fmt.Errorf("timestamp is missing")
	}
	t, err := utils.ParseFlexibleTime(ts, loc)
	if err != nil {
		return tx, err
	}
	tx.Timestamp = t

	typ, ok := r.Lookup("type")
	if !ok {
		return tx, fmt.Errorf("type is missing")
	}
	if tx.Type, err = models.ParseTxType(typ); err != nil {
		return tx, err
	}

	asset, ok := r.Lookup("asset")
	if !ok {
		return tx, fmt.Errorf("asset is missing")
	}
	tx.Asset = strings.ToUpper(asset)

	amountStr, ok := r.Lookup("amount")
	if !ok {
		return tx, fmt.Errorf("amount is missing")
	}
	amount, err := ParseDecimal(amountStr)
	if err != nil {
		return tx, fmt.Errorf("amount: %w", err)
	}
	// Exchanges report outflows with a sign; the type already says which way.
	tx.Amount = amount.Abs()
	if !tx.Amount.IsPositive() {
		return tx, fmt.Errorf("amount must be > 0, got %s", amountStr)
	}

	if v, ok := r.Lookup("fiatValue"); ok {
		fv, err := ParseDecimal(v)
		if err != nil {
			return tx, fmt.Errorf("fiat value: %w", err)
		}
		tx.FiatValue = decimal.NewNullDecimal(fv.Abs())
	} else if v, ok := r.Lookup("price"); ok {
		p, err := ParseDecimal(v)
		if err != nil {
			return tx, fmt.Errorf("price: %w", err)
		}
		if p.IsNegative() {
			return tx, fmt.Errorf("price must be >= 0, got %s", v)
		}
		tx.FiatValue = decimal.NewNullDecimal(p.Mul(tx.Amount))
	}

	if v, ok := r.Lookup("fee"); ok {
		fee, err := ParseDecimal(v)
		if err != nil {
			return tx, fmt.Errorf("fee: %w", err)
		}
		tx.FeeAmount = decimal.NewNullDecimal(fee.Abs())
	}

	tx.ProviderID, _ = r.Lookup("id")
	return tx, nil
}

// ParseDecimal reads plain and thousands-separated amounts. A lone comma is
// taken as the decimal separator ("0,5").
func ParseDecimal(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	switch {
	case strings.Contains(s, ",") && strings.Contains(s, "."):
		s = strings.ReplaceAll(s, ",", "")
	case strings.Count(s, ",") == 1:
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid number %q", s)
	}
	return d, nil
}

// Page is one decoded page of a JSON record listing.
type Page struct {
	Records []Record
	Cursor  string
}

// ExtractPage selects the record array and the next-page cursor from a JSON
// response with JSONPath expressions. A missing or empty cursor ends paging.
func ExtractPage(body []byte, recordsPath, cursorPath string) (*Page, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	raw, err := jsonpath.Get(recordsPath, doc)
	if err != nil {
		return nil, fmt.Errorf("select records with %s: %w", recordsPath, err)
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("records at %s are %T, not an array", recordsPath, raw)
	}

	page := &Page{Records: make([]Record, 0, len(items))}
	for i, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("record %d is %T, not an object", i, item)
		}
		rec := make(Record, len(obj))
		for k, v := range obj {
			rec[strings.ToLower(k)] = stringify(v)
		}
		page.Records = append(page.Records, rec)
	}

	if cursorPath != "" {
		if c, err := jsonpath.Get(cursorPath, doc); err == nil {
			page.Cursor = stringify(c)
		}
	}
	return page, nil
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}
