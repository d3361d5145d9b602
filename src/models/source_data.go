// src/models/source_data.go
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DataSource is the discriminator of the source payload union.
type DataSource string

const (
	SourceWallet DataSource = "wallet"
	SourceCSV    DataSource = "csv"
	SourceAPIKey DataSource = "api-key"
	SourceOAuth  DataSource = "oauth"
	SourceManual DataSource = "manual"
)

func ParseDataSource(s string) (DataSource, error) {
	switch DataSource(strings.ToLower(strings.TrimSpace(s))) {
	case SourceWallet:
		return SourceWallet, nil
	case SourceCSV:
		return SourceCSV, nil
	case SourceAPIKey, "apikey", "api_key":
		return SourceAPIKey, nil
	case SourceOAuth:
		return SourceOAuth, nil
	case SourceManual:
		return SourceManual, nil
	}
	return "", fmt.Errorf("%w: unknown data source %q", ErrValidation, s)
}

// SourceData holds exactly one payload, the one named by the owning DataSource.
type SourceData struct {
	Wallet *WalletPayload `json:"wallet,omitempty"`
	CSV    *CSVPayload    `json:"csv,omitempty"`
	APIKey *APIKeyPayload `json:"apiKey,omitempty"`
	OAuth  *OAuthPayload  `json:"oauth,omitempty"`
	Manual *ManualPayload `json:"manual,omitempty"`
}

// Source pairs a discriminator with its payload.
type Source struct {
	DataSource DataSource `json:"dataSource"`
	SourceData SourceData `json:"sourceData"`
}

// Variants lists the data sources whose payload is set.
func (d SourceData) Variants() []DataSource {
	var out []DataSource
	if d.Wallet != nil {
		out = append(out, SourceWallet)
	}
	if d.CSV != nil {
		out = append(out, SourceCSV)
	}
	if d.APIKey != nil {
		out = append(out, SourceAPIKey)
	}
	if d.OAuth != nil {
		out = append(out, SourceOAuth)
	}
	if d.Manual != nil {
		out = append(out, SourceManual)
	}
	return out
}

// Redacted masks credentials and drops inline file content.
func (d SourceData) Redacted() SourceData {
	out := d
	if d.APIKey != nil {
		p := *d.APIKey
		p.APIKey = mask(p.APIKey)
		p.APISecret = mask(p.APISecret)
		p.Passphrase = mask(p.Passphrase)
		out.APIKey = &p
	}
	if d.OAuth != nil {
		p := *d.OAuth
		p.AccessToken = mask(p.AccessToken)
		p.RefreshToken = mask(p.RefreshToken)
		out.OAuth = &p
	}
	if d.CSV != nil {
		p := *d.CSV
		p.Content = ""
		out.CSV = &p
	}
	return out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

type WalletPayload struct {
	Chain     string     `json:"chain"`
	Address   string     `json:"address"`
	DateRange *DateRange `json:"dateRange,omitempty"`
}

type CSVPayload struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Size     int64  `json:"size,omitempty"`
}

type APIKeyPayload struct {
	Exchange   string     `json:"exchange"`
	APIKey     string     `json:"apiKey"`
	APISecret  string     `json:"apiSecret"`
	Passphrase string     `json:"passphrase,omitempty"`
	DateRange  *DateRange `json:"dateRange"`
}

type OAuthPayload struct {
	Provider     string     `json:"provider"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	Expiry       time.Time  `json:"expiry,omitempty"`
	DateRange    *DateRange `json:"dateRange,omitempty"`
}

type ManualPayload struct {
	Entries []ManualEntry `json:"entries"`
}

// ManualEntry is one hand-entered transaction. Price is fiat per unit.
type ManualEntry struct {
	ID        string              `json:"id,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
	Type      string              `json:"type"`
	Asset     string              `json:"asset"`
	Amount    decimal.Decimal     `json:"amount"`
	Price     decimal.NullDecimal `json:"price"`
	Fee       decimal.NullDecimal `json:"fee"`
}

// DecodeSourceData decodes raw into the payload named by ds. Both the tagged
// form ({"wallet": {...}}) and the bare payload are accepted.
func DecodeSourceData(ds DataSource, raw json.RawMessage) (SourceData, error) {
	var tagged SourceData
	if len(raw) == 0 || string(raw) == "null" {
		return tagged, nil
	}
	if err := json.Unmarshal(raw, &tagged); err == nil && len(tagged.Variants()) > 0 {
		return tagged, nil
	}
	var out SourceData
	var err error
	switch ds {
	case SourceWallet:
		out.Wallet = &WalletPayload{}
		err = json.Unmarshal(raw, out.Wallet)
	case SourceCSV:
		out.CSV = &CSVPayload{}
		err = json.Unmarshal(raw, out.CSV)
	case SourceAPIKey:
		out.APIKey = &APIKeyPayload{}
		err = json.Unmarshal(raw, out.APIKey)
	case SourceOAuth:
		out.OAuth = &OAuthPayload{}
		err = json.Unmarshal(raw, out.OAuth)
	case SourceManual:
		out.Manual = &ManualPayload{}
		err = json.Unmarshal(raw, out.Manual)
	default:
		return out, fmt.Errorf("%w: unknown data source %q", ErrValidation, ds)
	}
	if err != nil {
		return SourceData{}, fmt.Errorf("%w: sourceData for %s: %v", ErrValidation, ds, err)
	}
	return out, nil
}

// DateRange returns the fetch window carried by the payload, if any.
func (d SourceData) DateRange() *DateRange {
	switch {
	case d.Wallet != nil:
		return d.Wallet.DateRange
	case d.APIKey != nil:
		return d.APIKey.DateRange
	case d.OAuth != nil:
		return d.OAuth.DateRange
	}
	return nil
}
