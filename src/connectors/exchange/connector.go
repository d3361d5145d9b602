// Package exchange reads trade history from a centralised exchange REST API
// authorised with an HMAC-signed API key.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/username/cryptotaxreports/src/connectors"
	"github.com/username/cryptotaxreports/src/logger"
	"github.com/username/cryptotaxreports/src/models"
)

// Header names of the signed request.
const (
	HeaderKey        = "X-API-KEY"
	HeaderTimestamp  = "X-API-TIMESTAMP"
	HeaderSignature  = "X-API-SIGNATURE"
	HeaderPassphrase = "X-API-PASSPHRASE"
)

type Config struct {
	BaseURL     string
	TradesPath  string
	RecordsPath string // JSONPath to the record array
	CursorPath  string // JSONPath to the next-page cursor
	Location    *time.Location
	RPS         float64
	Retry       connectors.RetryPolicy
	HTTPClient  *http.Client
	Now         func() time.Time
}

type Connector struct {
	cfg    Config
	client *connectors.HTTPClient
}

func New(cfg Config) *Connector {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Connector{cfg: cfg, client: connectors.NewHTTPClient("exchange", cfg.HTTPClient, cfg.RPS, cfg.Retry)}
}

func (c *Connector) Fetch(ctx context.Context, sd models.SourceData, window models.DateRange) (*connectors.FetchResult, error) {
	p := sd.APIKey
	if p == nil {
		return nil, fmt.Errorf("%w: api-key payload is missing", models.ErrValidation)
	}
	if c.cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: no exchange API configured", models.ErrValidation)
	}
	window = connectors.Window(p.DateRange, window)
	sourceRef := "exchange:" + strings.ToLower(p.Exchange)

	pager := &connectors.Pager{
		Client:      c.client,
		RecordsPath: c.cfg.RecordsPath,
		CursorPath:  c.cfg.CursorPath,
		Build: func(ctx context.Context, cursor string) (*http.Request, error) {
			return c.signedRequest(ctx, p, window, cursor)
		},
	}
	res, err := pager.Collect(ctx, sourceRef, c.cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("fetch %s trades: %w", p.Exchange, err)
	}
	logger.FromContext(ctx).Info("Exchange trades fetched", "exchange", p.Exchange,
		"transactions", len(res.Transactions), "skipped", len(res.Warnings))
	return connectors.Finalize(res, window), nil
}

func (c *Connector) signedRequest(ctx context.Context, p *models.APIKeyPayload, window models.DateRange, cursor string) (*http.Request, error) {
	q := url.Values{}
	if !window.From.IsZero() {
		q.Set("start", window.From.UTC().Format(time.RFC3339))
	}
	if !window.To.IsZero() {
		q.Set("end", window.To.UTC().Format(time.RFC3339))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := c.cfg.TradesPath
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.cfg.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	ts := strconv.FormatInt(c.cfg.Now().UnixMilli(), 10)
	req.Header.Set(HeaderKey, p.APIKey)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(p.APISecret, ts, http.MethodGet, path))
	if p.Passphrase != "" {
		req.Header.Set(HeaderPassphrase, p.Passphrase)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Sign is hex(HMAC-SHA256(secret, timestamp + method + requestPath)), where
// requestPath includes the query string.
func Sign(secret, timestamp, method, requestPath string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + strings.ToUpper(method) + requestPath))
	return hex.EncodeToString(mac.Sum(nil))
}
