package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type ReportStatus string

const (
	StatusDraft      ReportStatus = "draft"
	StatusProcessing ReportStatus = "processing"
	StatusCompleted  ReportStatus = "completed"
	StatusError      ReportStatus = "error"
)

// Terminal reports whether no further automatic transition follows.
func (s ReportStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ReportType is the regulatory form a report is compiled into.
type ReportType string

const (
	ReportModel100 ReportType = "model-100"
	ReportModel720 ReportType = "model-720"
	ReportModel714 ReportType = "model-714"
)

func ParseReportType(s string) (ReportType, error) {
	switch ReportType(strings.ToLower(strings.TrimSpace(s))) {
	case ReportModel100:
		return ReportModel100, nil
	case ReportModel720:
		return ReportModel720, nil
	case ReportModel714:
		return ReportModel714, nil
	}
	return "", fmt.Errorf("%w: unknown report type %q", ErrValidation, s)
}

// CostBasisMethod selects the lot consumption order.
type CostBasisMethod string

const (
	MethodFIFO CostBasisMethod = "fifo"
	MethodLIFO CostBasisMethod = "lifo"
)

func (m CostBasisMethod) String() string {
	return strings.ToUpper(string(m))
}

// ParseCostBasisMethod accepts "fifo" or "lifo" in any case. Empty means FIFO.
func ParseCostBasisMethod(s string) (CostBasisMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fifo":
		return MethodFIFO, nil
	case "lifo":
		return MethodLIFO, nil
	}
	return "", fmt.Errorf("%w: unknown cost basis method %q", ErrValidation, s)
}

// ShortfallPolicy decides what happens when a disposal exceeds the open lots.
type ShortfallPolicy string

const (
	ShortfallZeroCost ShortfallPolicy = "zero-cost"
	ShortfallReject   ShortfallPolicy = "reject"
)

func ParseShortfallPolicy(s string) (ShortfallPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zero-cost":
		return ShortfallZeroCost, nil
	case "reject":
		return ShortfallReject, nil
	}
	return "", fmt.Errorf("%w: unknown shortfall policy %q", ErrValidation, s)
}

// ReportFormats are the artifact formats the compiler renders.
var ReportFormats = []string{"csv", "json", "md", "html"}

// DefaultFormats are rendered when a request names none.
var DefaultFormats = []string{"csv", "json"}

type Taxpayer struct {
	Name    string `json:"name"`
	TaxID   string `json:"taxId"`
	Email   string `json:"email,omitempty"`
	Country string `json:"country,omitempty"`
}

// Totals are the aggregate figures of a completed report. TotalLosses is a
// non-negative magnitude and NetResult = TotalGains - TotalLosses.
type Totals struct {
	TotalTransactions int             `json:"totalTransactions"`
	TotalGains        decimal.Decimal `json:"totalGains"`
	TotalLosses       decimal.Decimal `json:"totalLosses"`
	NetResult         decimal.Decimal `json:"netResult"`
}

// ArtifactRef locates a rendered report file in artifact storage.
type ArtifactRef struct {
	Format      string `json:"format"`
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
}

// ReportRequest is the externally visible unit of work.
type ReportRequest struct {
	ID              string                 `json:"id"`
	DataSource      DataSource             `json:"dataSource"`
	SourceData      SourceData             `json:"sourceData"`
	LinkedSources   []Source               `json:"linkedSources,omitempty"`
	ReportType      ReportType             `json:"reportType"`
	FiscalYear      int                    `json:"fiscalYear"`
	Method          CostBasisMethod        `json:"method"`
	Formats         []string               `json:"formats"`
	Taxpayer        Taxpayer               `json:"taxpayer"`
	Status          ReportStatus           `json:"status"`
	Progress        int                    `json:"progress"`
	ProgressMessage string                 `json:"progressMessage"`
	ErrorCode       ErrorCode              `json:"errorCode,omitempty"`
	ErrorMessage    string                 `json:"errorMessage,omitempty"`
	GeneratedReport string                 `json:"generatedReport,omitempty"` // key of the primary artifact
	Artifacts       map[string]ArtifactRef `json:"artifacts,omitempty"`
	Totals          *Totals                `json:"totals,omitempty"`
	Warnings        []Warning              `json:"warnings,omitempty"`
	Attempt         int                    `json:"attempt"`
	StartedAt       *time.Time             `json:"startedAt,omitempty"`
	CompletedAt     *time.Time             `json:"completedAt,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
}

// Sources returns the primary source followed by any linked ones.
func (r *ReportRequest) Sources() []Source {
	out := make([]Source, 0, 1+len(r.LinkedSources))
	out = append(out, Source{DataSource: r.DataSource, SourceData: r.SourceData})
	return append(out, r.LinkedSources...)
}

// Redacted returns a copy safe to return to clients.
func (r ReportRequest) Redacted() ReportRequest {
	r.SourceData = r.SourceData.Redacted()
	if len(r.LinkedSources) > 0 {
		linked := make([]Source, len(r.LinkedSources))
		for i, s := range r.LinkedSources {
			linked[i] = Source{DataSource: s.DataSource, SourceData: s.SourceData.Redacted()}
		}
		r.LinkedSources = linked
	}
	return r
}

// CompletionRecord is everything a successful run writes on completion.
type CompletionRecord struct {
	GeneratedReport string
	Artifacts       map[string]ArtifactRef
	Totals          Totals
	Warnings        []Warning
}

// PriceOverride is a user-supplied fiat price for one unit of Asset on Day.
type PriceOverride struct {
	Asset string          `json:"asset"`
	Day   string          `json:"day"` // YYYY-MM-DD, UTC
	Price decimal.Decimal `json:"price"`
}
