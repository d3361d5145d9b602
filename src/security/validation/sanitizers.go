// src/security/validation/sanitizers.go
package validation

import (
	"strings"
	"unicode"
)

// SanitizeForFormulaInjection prepends a single quote if the string starts with
// a character spreadsheets treat as a formula. A value that already starts
// with a quote is quoted again so UnsanitizeFormula can always drop exactly
// one. Only apply it to text cells; numeric cells such as "-12.50" must stay
// parseable.
func SanitizeForFormulaInjection(s string) string {
	if strings.HasPrefix(s, "\t") || strings.HasPrefix(s, "\r") {
		return "'" + s
	}
	trimmed := strings.TrimSpace(s)
	if len(trimmed) > 0 {
		switch trimmed[0] {
		case '=', '+', '-', '@', '\'':
			return "'" + s
		}
	}
	return s
}

// UnsanitizeFormula reverses SanitizeForFormulaInjection. It is only valid on
// values that went through SanitizeForFormulaInjection.
func UnsanitizeFormula(s string) string {
	return strings.TrimPrefix(s, "'")
}

// StripUnprintable removes non-printable characters, allowing common whitespace
// like space, tab, newline, and carriage return.
func StripUnprintable(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) || r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		return -1
	}, s)
}
