// Package wallet reads on-chain history for a public address. EVM chains go
// through an Etherscan-compatible explorer API and bitcoin through Esplora.
package wallet

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/username/cryptotaxreports/src/connectors"
	"github.com/username/cryptotaxreports/src/logger"
	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/security/validation"
)

// Config points the connector at its explorer backends.
type Config struct {
	// ExplorerURLs maps an EVM chain name to its explorer API endpoint.
	ExplorerURLs   map[string]string
	ExplorerAPIKey string
	EsploraURL     string
	PageSize       int
	RPS            float64
	Retry          connectors.RetryPolicy
	HTTPClient     *http.Client
}

var nativeAssets = map[string]string{
	"ethereum": "ETH",
	"polygon":  "MATIC",
	"bsc":      "BNB",
	"bitcoin":  "BTC",
}

type Connector struct {
	cfg      Config
	explorer *connectors.HTTPClient
	esplora  *connectors.HTTPClient
}

func New(cfg Config) *Connector {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	return &Connector{
		cfg:      cfg,
		explorer: connectors.NewHTTPClient("explorer", cfg.HTTPClient, cfg.RPS, cfg.Retry),
		esplora:  connectors.NewHTTPClient("esplora", cfg.HTTPClient, cfg.RPS, cfg.Retry),
	}
}

func (c *Connector) Fetch(ctx context.Context, sd models.SourceData, window models.DateRange) (*connectors.FetchResult, error) {
	p := sd.Wallet
	if p == nil {
		return nil, fmt.Errorf("%w: wallet payload is missing", models.ErrValidation)
	}
	chain := strings.ToLower(p.Chain)
	if err := validation.ValidateWalletAddress(chain, p.Address); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	window = connectors.Window(p.DateRange, window)
	sourceRef := "wallet:" + chain + ":" + strings.ToLower(p.Address)

	var (
		res *connectors.FetchResult
		err error
	)
	if validation.SupportedChains[chain] == validation.FamilyBitcoin {
		var txs []models.Transaction
		txs, err = c.fetchBitcoin(ctx, p.Address, sourceRef)
		res = &connectors.FetchResult{Transactions: txs}
	} else {
		res, err = c.fetchEVM(ctx, chain, p.Address, sourceRef)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s wallet history: %w", chain, err)
	}
	logger.FromContext(ctx).Info("Wallet history fetched", "chain", chain,
		"transactions", len(res.Transactions), "skipped", len(res.Warnings))
	return connectors.Finalize(res, window), nil
}
