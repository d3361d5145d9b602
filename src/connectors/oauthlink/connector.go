// Package oauthlink reads trade history from a provider the user linked over
// OAuth. The bearer token refreshes itself through the token endpoint.
package oauthlink

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/username/cryptotaxreports/src/connectors"
	"github.com/username/cryptotaxreports/src/logger"
	"github.com/username/cryptotaxreports/src/models"
)

type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	APIBaseURL   string
	TradesPath   string
	RecordsPath  string
	CursorPath   string
	Location     *time.Location
	RPS          float64
	Retry        connectors.RetryPolicy
	// HTTPClient carries both token refreshes and API calls.
	HTTPClient *http.Client
}

type Connector struct {
	cfg Config
}

func New(cfg Config) *Connector {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Connector{cfg: cfg}
}

func (c *Connector) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: c.cfg.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
}

func (c *Connector) Fetch(ctx context.Context, sd models.SourceData, window models.DateRange) (*connectors.FetchResult, error) {
	p := sd.OAuth
	if p == nil {
		return nil, fmt.Errorf("%w: oauth payload is missing", models.ErrValidation)
	}
	if c.cfg.APIBaseURL == "" || c.cfg.TokenURL == "" {
		return nil, fmt.Errorf("%w: no oauth provider configured", models.ErrValidation)
	}
	window = connectors.Window(p.DateRange, window)
	sourceRef := "oauth:" + strings.ToLower(p.Provider)

	if c.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
	}
	token := &oauth2.Token{AccessToken: p.AccessToken, RefreshToken: p.RefreshToken, Expiry: p.Expiry, TokenType: "Bearer"}
	source := refreshErrors{c.oauthConfig().TokenSource(ctx, token)}
	client := connectors.NewHTTPClient(sourceRef, oauth2.NewClient(ctx, source), c.cfg.RPS, c.cfg.Retry)

	pager := &connectors.Pager{
		Client:      client,
		RecordsPath: c.cfg.RecordsPath,
		CursorPath:  c.cfg.CursorPath,
		Build: func(ctx context.Context, cursor string) (*http.Request, error) {
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
			u := strings.TrimRight(c.cfg.APIBaseURL, "/") + c.cfg.TradesPath
			if enc := q.Encode(); enc != "" {
				u += "?" + enc
			}
			return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		},
	}
	res, err := pager.Collect(ctx, sourceRef, c.cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("fetch %s trades: %w", p.Provider, err)
	}
	logger.FromContext(ctx).Info("OAuth provider trades fetched", "provider", p.Provider,
		"transactions", len(res.Transactions), "skipped", len(res.Warnings))
	return connectors.Finalize(res, window), nil
}

// refreshErrors marks token failures as credential errors so they are
// classified as authentication failures and never retried.
type refreshErrors struct {
	src oauth2.TokenSource
}

func (r refreshErrors) Token() (*oauth2.Token, error) {
	tok, err := r.src.Token()
	if err != nil {
		return nil, &connectors.AuthError{Err: err}
	}
	return tok, nil
}
