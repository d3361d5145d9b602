package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxreports/src/models"
)

const (
	satoshiDecimals = 8
	// Esplora returns confirmed history 25 transactions at a time.
	esploraPageSize = 25
)

type esploraTx struct {
	TxID   string `json:"txid"`
	Fee    int64  `json:"fee"`
	Status struct {
		Confirmed bool  `json:"confirmed"`
		BlockTime int64 `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		Prevout *esploraOut `json:"prevout"`
	} `json:"vin"`
	Vout []esploraOut `json:"vout"`
}

type esploraOut struct {
	Address string `json:"scriptpubkey_address"`
	Value   int64  `json:"value"`
}

func (c *Connector) fetchBitcoin(ctx context.Context, address, sourceRef string) ([]models.Transaction, error) {
	if c.cfg.EsploraURL == "" {
		return nil, fmt.Errorf("%w: no esplora endpoint configured", models.ErrValidation)
	}
	var out []models.Transaction
	lastSeen := ""
	for {
		path := fmt.Sprintf("%s/address/%s/txs/chain", c.cfg.EsploraURL, address)
		if lastSeen != "" {
			path += "/" + lastSeen
		}
		body, err := c.esplora.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		})
		if err != nil {
			return nil, err
		}
		var batch []esploraTx
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, &models.UpstreamError{Provider: "esplora", Kind: models.ErrUpstreamUnavailable, Err: fmt.Errorf("decode txs: %w", err)}
		}
		for _, etx := range batch {
			out = append(out, mapEsploraTx(etx, address, sourceRef)...)
		}
		if len(batch) < esploraPageSize {
			return out, nil
		}
		lastSeen = batch[len(batch)-1].TxID
	}
}

// mapEsploraTx nets inputs and outputs of the address. A spend yields the
// amount that left to other addresses plus the miner fee as a fee transaction.
func mapEsploraTx(etx esploraTx, address, sourceRef string) []models.Transaction {
	if !etx.Status.Confirmed {
		return nil
	}
	ts := time.Unix(etx.Status.BlockTime, 0).UTC()

	var spent, received int64
	for _, in := range etx.Vin {
		if in.Prevout != nil && in.Prevout.Address == address {
			spent += in.Prevout.Value
		}
	}
	for _, o := range etx.Vout {
		if o.Address == address {
			received += o.Value
		}
	}

	var out []models.Transaction
	if spent == 0 {
		if received > 0 {
			out = append(out, models.Transaction{
				Timestamp: ts, Asset: "BTC", Type: models.TxTransferIn, Amount: sats(received),
				SourceRef: sourceRef, ProviderID: etx.TxID,
			})
		}
		return out
	}

	if sent := spent - received - etx.Fee; sent > 0 {
		out = append(out, models.Transaction{
			Timestamp: ts, Asset: "BTC", Type: models.TxTransferOut, Amount: sats(sent),
			SourceRef: sourceRef, ProviderID: etx.TxID,
		})
	}
	if etx.Fee > 0 {
		out = append(out, models.Transaction{
			Timestamp: ts, Asset: "BTC", Type: models.TxFee, Amount: sats(etx.Fee),
			SourceRef: sourceRef, ProviderID: etx.TxID + ":fee",
		})
	}
	return out
}

func sats(v int64) decimal.Decimal {
	return decimal.NewFromInt(v).Shift(-satoshiDecimals)
}
