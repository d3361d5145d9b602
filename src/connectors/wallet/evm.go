package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxreports/src/connectors"
	"github.com/username/cryptotaxreports/src/models"
)

const weiDecimals = 18

type explorerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type explorerTx struct {
	Hash      string `json:"hash"`
	TimeStamp string `json:"timeStamp"`
	From      string `json:"from"`
	To        string `json:"to"`
	Value     string `json:"value"`
	GasUsed   string `json:"gasUsed"`
	GasPrice  string `json:"gasPrice"`
	IsError   string `json:"isError"`
}

// fetchEVM walks the explorer listing. Entries that cannot be mapped become
// warnings with their 1-based position in the listing.
func (c *Connector) fetchEVM(ctx context.Context, chain, address, sourceRef string) (*connectors.FetchResult, error) {
	endpoint, ok := c.cfg.ExplorerURLs[chain]
	if !ok || endpoint == "" {
		return nil, fmt.Errorf("%w: no explorer configured for chain %q", models.ErrValidation, chain)
	}
	asset := nativeAssets[chain]
	self := strings.ToLower(address)

	res := &connectors.FetchResult{}
	row := 0
	for page := 1; ; page++ {
		batch, err := c.explorerPage(ctx, endpoint, address, page)
		if err != nil {
			return nil, err
		}
		for _, etx := range batch {
			row++
			mapped, err := mapExplorerTx(etx, self, asset, sourceRef)
			if err != nil {
				res.Warnings = append(res.Warnings, models.WarningFromMalformed(&models.MalformedInputError{
					Source: sourceRef, Row: row, Reason: fmt.Sprintf("explorer tx %s: %v", etx.Hash, err),
				}))
				continue
			}
			res.Transactions = append(res.Transactions, mapped...)
		}
		if len(batch) < c.cfg.PageSize {
			return res, nil
		}
	}
}

func (c *Connector) explorerPage(ctx context.Context, endpoint, address string, page int) ([]explorerTx, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", address)
	q.Set("startblock", "0")
	q.Set("endblock", "99999999")
	q.Set("page", strconv.Itoa(page))
	q.Set("offset", strconv.Itoa(c.cfg.PageSize))
	q.Set("sort", "asc")
	if c.cfg.ExplorerAPIKey != "" {
		q.Set("apikey", c.cfg.ExplorerAPIKey)
	}

	var txs []explorerTx
	_, err := c.explorer.DoChecked(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	}, func(body []byte) error {
		txs = nil
		var resp explorerResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return &models.UpstreamError{Provider: "explorer", Kind: models.ErrUpstreamUnavailable, Err: fmt.Errorf("decode response: %w", err)}
		}
		if resp.Status != "1" {
			// Explorers answer errors with HTTP 200 and the detail in result.
			var detail string
			_ = json.Unmarshal(resp.Result, &detail)
			return classifyExplorerError(resp.Message, detail)
		}
		if err := json.Unmarshal(resp.Result, &txs); err != nil {
			return &models.UpstreamError{Provider: "explorer", Kind: models.ErrUpstreamUnavailable, Err: fmt.Errorf("decode result: %w", err)}
		}
		return nil
	})
	return txs, err
}

func classifyExplorerError(message, detail string) error {
	text := strings.ToLower(message + " " + detail)
	switch {
	case strings.Contains(text, "no transactions found"):
		return nil
	case strings.Contains(text, "rate limit"):
		return &models.UpstreamError{Provider: "explorer", Kind: models.ErrRateLimited, RetryAfter: time.Second, Err: errors.New(detail)}
	case strings.Contains(text, "api key"):
		return &models.UpstreamError{Provider: "explorer", Kind: models.ErrAuthenticationFailure, Err: errors.New(detail)}
	default:
		return &models.UpstreamError{Provider: "explorer", Kind: models.ErrUpstreamUnavailable, Err: fmt.Errorf("%s: %s", message, detail)}
	}
}

// mapExplorerTx yields the value transfer and, for transactions the address
// sent, the gas fee as a separate fee transaction.
func mapExplorerTx(etx explorerTx, self, asset, sourceRef string) ([]models.Transaction, error) {
	secs, err := strconv.ParseInt(etx.TimeStamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timeStamp %q", etx.TimeStamp)
	}
	ts := time.Unix(secs, 0).UTC()
	from, to := strings.ToLower(etx.From), strings.ToLower(etx.To)
	outgoing, incoming := from == self, to == self

	var out []models.Transaction
	value, err := weiToUnits(etx.Value)
	if err != nil {
		return nil, err
	}
	if etx.IsError != "1" && value.IsPositive() && outgoing != incoming {
		typ := models.TxTransferIn
		if outgoing {
			typ = models.TxTransferOut
		}
		out = append(out, models.Transaction{
			Timestamp: ts, Asset: asset, Type: typ, Amount: value,
			SourceRef: sourceRef, ProviderID: etx.Hash,
		})
	}

	if outgoing {
		gasUsed, err1 := decimal.NewFromString(etx.GasUsed)
		gasPrice, err2 := decimal.NewFromString(etx.GasPrice)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("invalid gas fields %q × %q", etx.GasUsed, etx.GasPrice)
		}
		if fee := gasUsed.Mul(gasPrice).Shift(-weiDecimals); fee.IsPositive() {
			out = append(out, models.Transaction{
				Timestamp: ts, Asset: asset, Type: models.TxFee, Amount: fee,
				SourceRef: sourceRef, ProviderID: etx.Hash + ":fee",
			})
		}
	}
	return out, nil
}

func weiToUnits(v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid value %q", v)
	}
	return d.Shift(-weiDecimals), nil
}
