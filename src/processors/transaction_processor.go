// src/processors/transaction_processor.go
package processors

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/username/cryptotaxreports/src/logger"
	"github.com/username/cryptotaxreports/src/models"
)

// TransactionProcessor turns the union of connector output into the canonical
// ledger: UTC timestamps, upper-case symbols, deterministic ids, no duplicates,
// and a stable ingestion order in Seq.
type TransactionProcessor struct{}

func NewTransactionProcessor() *TransactionProcessor { return &TransactionProcessor{} }

// Normalize returns the ordered ledger and a warning for each dropped entry.
// Ordering is (Timestamp, SourceRef, ProviderID), so the result does not
// depend on the order the connectors delivered records in.
func (p *TransactionProcessor) Normalize(txs []models.Transaction) ([]models.Transaction, []models.Warning) {
	var warnings []models.Warning
	seen := make(map[string]struct{}, len(txs))
	ledger := make([]models.Transaction, 0, len(txs))

	for _, tx := range txs {
		tx.Timestamp = tx.Timestamp.UTC()
		tx.Asset = strings.ToUpper(strings.TrimSpace(tx.Asset))
		if tx.ID == "" {
			tx.ID = GenerateTransactionID(tx.SourceRef, tx.ProviderID)
		}
		if err := tx.Validate(); err != nil {
			warnings = append(warnings, models.Warning{
				Code:          models.WarnMalformedInput,
				Message:       err.Error(),
				Source:        tx.SourceRef,
				TransactionID: tx.ID,
			})
			continue
		}
		if _, dup := seen[tx.ID]; dup {
			logger.L.Debug("Dropping duplicate transaction", "transactionID", tx.ID, "sourceRef", tx.SourceRef)
			warnings = append(warnings, models.Warning{
				Code:          models.WarnDuplicateTransaction,
				Message:       fmt.Sprintf("duplicate provider id %q ignored", tx.ProviderID),
				Source:        tx.SourceRef,
				TransactionID: tx.ID,
			})
			continue
		}
		seen[tx.ID] = struct{}{}
		ledger = append(ledger, tx)
	}

	sort.SliceStable(ledger, func(i, j int) bool {
		a, b := ledger[i], ledger[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.SourceRef != b.SourceRef {
			return a.SourceRef < b.SourceRef
		}
		return a.ProviderID < b.ProviderID
	})
	for i := range ledger {
		ledger[i].Seq = i
	}
	return ledger, warnings
}

// GenerateTransactionID derives the canonical id from the producing source and
// the provider-native id.
func GenerateTransactionID(sourceRef, providerID string) string {
	hash := sha256.Sum256([]byte(sourceRef + "|" + providerID))
	return hex.EncodeToString(hash[:])
}
