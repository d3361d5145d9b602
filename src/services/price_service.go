package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/hashicorp/go-multierror"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"golang.org/x/net/publicsuffix"

	"github.com/username/cryptotaxreports/src/connectors"
	"github.com/username/cryptotaxreports/src/logger"
	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/utils"
)

// PriceResolver returns the fiat value of one unit of asset at a moment.
// Failures are *models.PriceUnavailableError.
type PriceResolver interface {
	Resolve(ctx context.Context, asset string, at time.Time) (decimal.Decimal, error)
}

type PriceServiceConfig struct {
	BaseURL  string
	APIKey   string
	JSONPath string
	Currency string
	// AssetIDs maps a ticker symbol to the provider's coin id.
	AssetIDs   map[string]string
	CacheTTL   time.Duration
	RPS        float64
	Retry      connectors.RetryPolicy
	HTTPClient *http.Client
}

// PriceService resolves daily historical prices from a CoinGecko-style
// history endpoint and caches them per (asset, UTC day).
type PriceService struct {
	cfg    PriceServiceConfig
	cache  *cache.Cache
	client *connectors.HTTPClient
}

func NewPriceService(cfg PriceServiceConfig) *PriceService {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	cfg.Currency = strings.ToUpper(cfg.Currency)
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			logger.L.Error("Failed to create cookie jar", "error", err)
		}
		httpClient = &http.Client{Jar: jar, Timeout: 20 * time.Second}
	}
	return &PriceService{
		cfg:    cfg,
		cache:  cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		client: connectors.NewHTTPClient("prices", httpClient, cfg.RPS, cfg.Retry),
	}
}

func priceKey(asset, day string) string {
	return strings.ToUpper(asset) + "|" + day
}

func (s *PriceService) Resolve(ctx context.Context, asset string, at time.Time) (decimal.Decimal, error) {
	asset = strings.ToUpper(asset)
	day := utils.DayKey(at)
	if asset == s.cfg.Currency {
		return decimal.NewFromInt(1), nil
	}
	key := priceKey(asset, day)
	if cached, found := s.cache.Get(key); found {
		return cached.(decimal.Decimal), nil
	}

	price, err := s.fetch(ctx, asset, at)
	if err != nil {
		return decimal.Zero, &models.PriceUnavailableError{Asset: asset, Day: day, Cause: err}
	}
	s.cache.Set(key, price, cache.DefaultExpiration)
	logger.FromContext(ctx).Debug("Price resolved", "asset", asset, "day", day, "price", price.String())
	return price, nil
}

func (s *PriceService) fetch(ctx context.Context, asset string, at time.Time) (decimal.Decimal, error) {
	id, ok := s.cfg.AssetIDs[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price provider id configured for %s", asset)
	}
	q := url.Values{}
	q.Set("date", at.UTC().Format("02-01-2006"))
	q.Set("localization", "false")
	endpoint := fmt.Sprintf("%s/coins/%s/history?%s", strings.TrimRight(s.cfg.BaseURL, "/"), url.PathEscape(id), q.Encode())

	var doc interface{}
	_, err := s.client.DoChecked(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if s.cfg.APIKey != "" {
			req.Header.Set("x-cg-demo-api-key", s.cfg.APIKey)
		}
		return req, nil
	}, func(body []byte) error {
		return decodeJSON(body, &doc)
	})
	if err != nil {
		return decimal.Zero, err
	}

	raw, err := jsonpath.Get(s.cfg.JSONPath, doc)
	if err != nil {
		return decimal.Zero, fmt.Errorf("no price at %s: %w", s.cfg.JSONPath, err)
	}
	price, err := decimal.NewFromString(fmt.Sprint(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("price %v is not a number", raw)
	}
	if price.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative price %s", price)
	}
	return price, nil
}

// WithOverrides layers user-supplied prices over s for one run.
func (s *PriceService) WithOverrides(overrides []models.PriceOverride) PriceResolver {
	m := make(map[string]decimal.Decimal, len(overrides))
	for _, o := range overrides {
		m[priceKey(o.Asset, o.Day)] = o.Price
	}
	return &overrideResolver{base: s, currency: s.cfg.Currency, overrides: m}
}

type overrideResolver struct {
	base      PriceResolver
	currency  string
	overrides map[string]decimal.Decimal
}

func (r *overrideResolver) Resolve(ctx context.Context, asset string, at time.Time) (decimal.Decimal, error) {
	if strings.EqualFold(asset, r.currency) {
		return decimal.NewFromInt(1), nil
	}
	if p, ok := r.overrides[priceKey(asset, utils.DayKey(at))]; ok {
		return p, nil
	}
	return r.base.Resolve(ctx, asset, at)
}

// PriceTransactions fills FiatValue (amount × unit price) for every unpriced
// transaction. Each (asset, day) is resolved once; all failures are reported
// together.
func PriceTransactions(ctx context.Context, resolver PriceResolver, txs []models.Transaction) ([]models.Transaction, error) {
	type resolved struct {
		price decimal.Decimal
		err   error
	}
	seen := make(map[string]resolved)
	var missing *multierror.Error

	out := make([]models.Transaction, len(txs))
	copy(out, txs)
	for i := range out {
		tx := &out[i]
		if tx.Priced() {
			continue
		}
		key := priceKey(tx.Asset, utils.DayKey(tx.Timestamp))
		r, ok := seen[key]
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			r.price, r.err = resolver.Resolve(ctx, tx.Asset, tx.Timestamp)
			seen[key] = r
			if r.err != nil {
				missing = multierror.Append(missing, r.err)
			}
		}
		if r.err == nil {
			tx.FiatValue = decimal.NewNullDecimal(tx.Amount.Mul(r.price))
		}
	}
	if missing != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", models.ErrPriceUnavailable, missing)
	}
	return out, nil
}

// MissingPrices lists the asset/day pairs carried by a PriceTransactions error.
func MissingPrices(err error) []*models.PriceUnavailableError {
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		var one *models.PriceUnavailableError
		if errors.As(err, &one) {
			return []*models.PriceUnavailableError{one}
		}
		return nil
	}
	var out []*models.PriceUnavailableError
	for _, e := range merr.Errors {
		var pe *models.PriceUnavailableError
		if errors.As(e, &pe) {
			out = append(out, pe)
		}
	}
	return out
}

func decodeJSON(body []byte, v *interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return &models.UpstreamError{Provider: "prices", Kind: models.ErrUpstreamUnavailable, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
