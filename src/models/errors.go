package models

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorCode is the externally visible classification of a failure.
type ErrorCode string

const (
	CodeValidation            ErrorCode = "VALIDATION_ERROR"
	CodeAuthenticationFailure ErrorCode = "AUTHENTICATION_FAILURE"
	CodeRateLimited           ErrorCode = "RATE_LIMITED"
	CodeUpstreamUnavailable   ErrorCode = "UPSTREAM_UNAVAILABLE"
	CodePriceUnavailable      ErrorCode = "PRICE_UNAVAILABLE"
	CodeInsufficientCostBasis ErrorCode = "INSUFFICIENT_COST_BASIS"
	CodeReportFormat          ErrorCode = "REPORT_FORMAT_ERROR"
	CodeTimeout               ErrorCode = "TIMEOUT"
	CodeInternal              ErrorCode = "INTERNAL_ERROR"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrMalformedInput        = errors.New("malformed input")
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrRateLimited           = errors.New("rate limited")
	ErrUpstreamUnavailable   = errors.New("upstream unavailable")
	ErrPriceUnavailable      = errors.New("price unavailable")
	ErrInsufficientCostBasis = errors.New("insufficient cost basis")
	ErrReportFormat          = errors.New("report format error")
	ErrTimeout               = errors.New("generation timed out")

	// Persistence and lifecycle errors.
	ErrNotFound          = errors.New("report request not found")
	ErrConflict          = errors.New("report generation already in progress")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStaleAttempt      = errors.New("stale generation attempt")
	ErrNotReady          = errors.New("report not completed")
)

// CodeOf classifies err into the error taxonomy.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation), errors.Is(err, ErrMalformedInput):
		return CodeValidation
	case errors.Is(err, ErrAuthenticationFailure):
		return CodeAuthenticationFailure
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrUpstreamUnavailable):
		return CodeUpstreamUnavailable
	case errors.Is(err, ErrPriceUnavailable):
		return CodePriceUnavailable
	case errors.Is(err, ErrInsufficientCostBasis):
		return CodeInsufficientCostBasis
	case errors.Is(err, ErrReportFormat):
		return CodeReportFormat
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

var publicMessages = map[ErrorCode]string{
	CodeValidation:            "The report input is invalid. Review the data source and try again.",
	CodeAuthenticationFailure: "The data source rejected the supplied credentials.",
	CodeRateLimited:           "The data source is rate limiting requests. Try again later.",
	CodeUpstreamUnavailable:   "The data source is temporarily unavailable. Try again later.",
	CodePriceUnavailable:      "Historical prices could not be resolved for some transactions. Supply price overrides and retry.",
	CodeInsufficientCostBasis: "Some disposals exceed the tracked acquisitions for their asset.",
	CodeReportFormat:          "The report could not be rendered. Contact support.",
	CodeTimeout:               "Report generation took too long and was stopped.",
	CodeInternal:              "An internal error occurred while generating the report.",
}

// PublicMessage is the human-readable text shown for code. It never carries
// internal error detail.
func PublicMessage(code ErrorCode) string {
	if msg, ok := publicMessages[code]; ok {
		return msg
	}
	return publicMessages[CodeInternal]
}

// HTTPStatus maps a code onto the status used when it is returned synchronously.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeAuthenticationFailure:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUpstreamUnavailable:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// MalformedInputError is a rejected CSV or manual row. Row is 1-based.
type MalformedInputError struct {
	Source string
	Row    int
	Reason string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed input in %s row %d: %s", e.Source, e.Row, e.Reason)
}

func (e *MalformedInputError) Unwrap() error { return ErrMalformedInput }

// PriceUnavailableError reports an asset/day pair the resolver could not price.
type PriceUnavailableError struct {
	Asset string
	Day   string // YYYY-MM-DD, UTC
	Cause error
}

func (e *PriceUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("price unavailable for %s on %s: %v", e.Asset, e.Day, e.Cause)
	}
	return fmt.Sprintf("price unavailable for %s on %s", e.Asset, e.Day)
}

func (e *PriceUnavailableError) Unwrap() error { return ErrPriceUnavailable }

// UpstreamError is a failed call to an external provider. Kind is one of
// ErrAuthenticationFailure, ErrRateLimited or ErrUpstreamUnavailable.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Kind       error
	RetryAfter time.Duration
	Err        error
}

func (e *UpstreamError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether the failure is transient. Unexpected 4xx
// answers are not.
func (e *UpstreamError) Retryable() bool {
	if errors.Is(e.Kind, ErrRateLimited) {
		return true
	}
	return errors.Is(e.Kind, ErrUpstreamUnavailable) && (e.StatusCode == 0 || e.StatusCode >= 500)
}

// UpstreamErrorFromStatus classifies an HTTP response status.
func UpstreamErrorFromStatus(provider string, status int, retryAfter time.Duration) *UpstreamError {
	e := &UpstreamError{Provider: provider, StatusCode: status, RetryAfter: retryAfter}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = ErrAuthenticationFailure
	case status == http.StatusTooManyRequests:
		e.Kind = ErrRateLimited
	case status >= 500:
		e.Kind = ErrUpstreamUnavailable
	default:
		e.Kind = ErrUpstreamUnavailable
		e.Err = fmt.Errorf("unexpected status %d", status)
	}
	return e
}
