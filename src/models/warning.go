package models

// WarningCode classifies a non-fatal issue attached to a generated report.
type WarningCode string

const (
	WarnMalformedInput        WarningCode = "MALFORMED_INPUT"
	WarnInsufficientCostBasis WarningCode = "INSUFFICIENT_COST_BASIS"
	WarnDuplicateTransaction  WarningCode = "DUPLICATE_TRANSACTION"
	WarnUnsupportedForForm    WarningCode = "EXCLUDED_FROM_FORM"
)

type Warning struct {
	Code          WarningCode `json:"code"`
	Message       string      `json:"message"`
	Source        string      `json:"source,omitempty"`
	Row           int         `json:"row,omitempty"`
	TransactionID string      `json:"transactionId,omitempty"`
}

// WarningFromMalformed converts a rejected row into a report warning.
func WarningFromMalformed(e *MalformedInputError) Warning {
	return Warning{
		Code:    WarnMalformedInput,
		Message: e.Reason,
		Source:  e.Source,
		Row:     e.Row,
	}
}
