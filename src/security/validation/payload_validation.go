package validation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/crypto/sha3"

	"github.com/username/cryptotaxreports/src/models"
)

// ChainFamily groups chains that share an address format.
type ChainFamily string

const (
	FamilyEVM     ChainFamily = "evm"
	FamilyBitcoin ChainFamily = "bitcoin"
)

// SupportedChains maps a wallet chain name to its address family.
var SupportedChains = map[string]ChainFamily{
	"ethereum": FamilyEVM,
	"polygon":  FamilyEVM,
	"bsc":      FamilyEVM,
	"bitcoin":  FamilyBitcoin,
}

var (
	evmAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	btcBase58Re  = regexp.MustCompile(`^[13][a-km-zA-HJ-NP-Z1-9]{25,34}$`)
	btcBech32Re  = regexp.MustCompile(`^bc1[02-9ac-hj-np-z]{11,71}$`)
)

// firstFiscalYear is the year of the first bitcoin block.
const firstFiscalYear = 2009

// ValidateWalletAddress checks address against the format of chain.
func ValidateWalletAddress(chain, address string) error {
	family, ok := SupportedChains[strings.ToLower(chain)]
	if !ok {
		return fmt.Errorf("unsupported chain %q", chain)
	}
	switch family {
	case FamilyEVM:
		if !evmAddressRe.MatchString(address) {
			return fmt.Errorf("address %q is not a 0x-prefixed 40 hex digit address", address)
		}
		hexPart := address[2:]
		if hexPart != strings.ToLower(hexPart) && hexPart != strings.ToUpper(hexPart) && ToChecksumAddress(address) != address {
			return fmt.Errorf("address %q fails its EIP-55 checksum", address)
		}
	case FamilyBitcoin:
		if !btcBase58Re.MatchString(address) && !btcBech32Re.MatchString(strings.ToLower(address)) {
			return fmt.Errorf("address %q is not a valid bitcoin address", address)
		}
		if strings.HasPrefix(strings.ToLower(address), "bc1") && address != strings.ToLower(address) && address != strings.ToUpper(address) {
			return fmt.Errorf("bech32 address %q mixes upper and lower case", address)
		}
	}
	return nil
}

// ToChecksumAddress returns the EIP-55 mixed-case form of an EVM address.
func ToChecksumAddress(address string) string {
	lower := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X"))
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))

	out := make([]byte, len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return "0x" + string(out)
}

// ValidateSourceData checks that sd carries exactly the payload named by ds and
// that the payload satisfies its connector's input contract.
func ValidateSourceData(ds models.DataSource, sd models.SourceData) error {
	variants := sd.Variants()
	if len(variants) != 1 || variants[0] != ds {
		return fmt.Errorf("%w: sourceData must contain exactly one %q payload, found %v", models.ErrValidation, ds, variants)
	}

	var result *multierror.Error
	switch ds {
	case models.SourceWallet:
		p := sd.Wallet
		if err := ValidateWalletAddress(p.Chain, p.Address); err != nil {
			result = multierror.Append(result, err)
		}
		result = appendRangeErrors(result, p.DateRange, false)
	case models.SourceCSV:
		if strings.TrimSpace(sd.CSV.Content) == "" {
			result = multierror.Append(result, fmt.Errorf("csv content is empty"))
		}
	case models.SourceAPIKey:
		p := sd.APIKey
		if strings.TrimSpace(p.APIKey) == "" {
			result = multierror.Append(result, fmt.Errorf("apiKey is required"))
		}
		if strings.TrimSpace(p.APISecret) == "" {
			result = multierror.Append(result, fmt.Errorf("apiSecret is required"))
		}
		result = appendRangeErrors(result, p.DateRange, true)
	case models.SourceOAuth:
		p := sd.OAuth
		if p.AccessToken == "" && p.RefreshToken == "" {
			result = multierror.Append(result, fmt.Errorf("accessToken or refreshToken is required"))
		}
		result = appendRangeErrors(result, p.DateRange, false)
	case models.SourceManual:
		if len(sd.Manual.Entries) == 0 {
			result = multierror.Append(result, fmt.Errorf("manual entries are empty"))
		}
		for i, e := range sd.Manual.Entries {
			var merr *multierror.Error
			if errors.As(ValidateManualEntry(e), &merr) {
				for _, sub := range merr.Errors {
					result = multierror.Append(result, fmt.Errorf("entry %d: %w", i+1, sub))
				}
			}
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown data source %q", ds))
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	return nil
}

// ValidateManualEntry enforces amount > 0 and non-negative price and fee.
func ValidateManualEntry(e models.ManualEntry) error {
	var result *multierror.Error
	if e.Timestamp.IsZero() {
		result = multierror.Append(result, fmt.Errorf("timestamp is required"))
	}
	if _, err := models.ParseTxType(e.Type); err != nil {
		result = multierror.Append(result, err)
	}
	if strings.TrimSpace(e.Asset) == "" {
		result = multierror.Append(result, fmt.Errorf("asset is required"))
	}
	if !e.Amount.IsPositive() {
		result = multierror.Append(result, fmt.Errorf("amount must be > 0"))
	}
	if e.Price.Valid && e.Price.Decimal.IsNegative() {
		result = multierror.Append(result, fmt.Errorf("price must be >= 0"))
	}
	if e.Fee.Valid && e.Fee.Decimal.IsNegative() {
		result = multierror.Append(result, fmt.Errorf("fee must be >= 0"))
	}
	return result.ErrorOrNil()
}

func appendRangeErrors(result *multierror.Error, r *models.DateRange, required bool) *multierror.Error {
	if r == nil {
		if required {
			return multierror.Append(result, fmt.Errorf("dateRange is required"))
		}
		return result
	}
	if required && (r.From.IsZero() || r.To.IsZero()) {
		result = multierror.Append(result, fmt.Errorf("dateRange.from and dateRange.to are required"))
	}
	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		result = multierror.Append(result, fmt.Errorf("dateRange.to is before dateRange.from"))
	}
	return result
}

// ValidateReportFields checks the non-source fields of a report request.
func ValidateReportFields(r *models.ReportRequest, now time.Time) error {
	var result *multierror.Error
	if _, err := models.ParseReportType(string(r.ReportType)); err != nil {
		result = multierror.Append(result, fmt.Errorf("reportType %q is not supported", r.ReportType))
	}
	if r.FiscalYear < firstFiscalYear || r.FiscalYear > now.Year() {
		result = multierror.Append(result, fmt.Errorf("fiscalYear must be between %d and %d", firstFiscalYear, now.Year()))
	}
	if _, err := models.ParseCostBasisMethod(string(r.Method)); err != nil {
		result = multierror.Append(result, fmt.Errorf("method %q is not supported", r.Method))
	}
	for _, f := range r.Formats {
		if !slices.Contains(models.ReportFormats, f) {
			result = multierror.Append(result, fmt.Errorf("format %q is not supported", f))
		}
	}
	if strings.TrimSpace(r.Taxpayer.Name) == "" {
		result = multierror.Append(result, fmt.Errorf("taxpayer.name is required"))
	}
	if strings.TrimSpace(r.Taxpayer.TaxID) == "" {
		result = multierror.Append(result, fmt.Errorf("taxpayer.taxId is required"))
	}
	if r.Taxpayer.Email != "" && !strings.Contains(r.Taxpayer.Email, "@") {
		result = multierror.Append(result, fmt.Errorf("taxpayer.email is not an email address"))
	}
	for i, s := range r.LinkedSources {
		if err := ValidateSourceData(s.DataSource, s.SourceData); err != nil {
			result = multierror.Append(result, fmt.Errorf("linkedSources[%d]: %w", i, err))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	return nil
}
