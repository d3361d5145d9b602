package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/username/cryptotaxreports/src/logger"
	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/security"
	"github.com/username/cryptotaxreports/src/security/validation"
	"github.com/username/cryptotaxreports/src/store"
	"github.com/username/cryptotaxreports/src/utils"
)

// SourceInput is a data source as submitted by a client.
type SourceInput struct {
	DataSource string          `json:"dataSource"`
	SourceData json.RawMessage `json:"sourceData"`
}

// ReportInput is the client-writable part of a report request.
type ReportInput struct {
	SourceInput
	LinkedSources []SourceInput   `json:"linkedSources,omitempty"`
	ReportType    string          `json:"reportType"`
	FiscalYear    int             `json:"fiscalYear"`
	Method        string          `json:"method,omitempty"`
	Formats       []string        `json:"formats,omitempty"`
	Taxpayer      models.Taxpayer `json:"taxpayer"`
}

func (in SourceInput) decode() (models.Source, error) {
	ds, err := models.ParseDataSource(in.DataSource)
	if err != nil {
		return models.Source{}, err
	}
	sd, err := models.DecodeSourceData(ds, in.SourceData)
	if err != nil {
		return models.Source{}, err
	}
	return models.Source{DataSource: ds, SourceData: sd}, nil
}

// DownloadLink is a signed, expiring artifact URL.
type DownloadLink struct {
	URL       string    `json:"url"`
	Format    string    `json:"format"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ReportService manages report requests outside of generation.
type ReportService struct {
	store   store.Store
	tokens  *security.DownloadTokenService
	baseURL string
	clock   utils.Clock

	// DefaultMethod applies when a request names no cost basis method.
	DefaultMethod models.CostBasisMethod
}

func NewReportService(s store.Store, tokens *security.DownloadTokenService, baseURL string, clock utils.Clock) *ReportService {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &ReportService{store: s, tokens: tokens, baseURL: baseURL, clock: clock, DefaultMethod: models.MethodFIFO}
}

// build decodes and validates in. A CSV source may arrive without content
// and be uploaded afterwards.
func (s *ReportService) build(in ReportInput) (*models.ReportRequest, error) {
	var result *multierror.Error
	primary, err := in.SourceInput.decode()
	if err != nil {
		return nil, err
	}
	req := &models.ReportRequest{
		DataSource: primary.DataSource,
		SourceData: primary.SourceData,
		FiscalYear: in.FiscalYear,
		Formats:    in.Formats,
		Taxpayer:   in.Taxpayer,
	}
	if req.ReportType, err = models.ParseReportType(in.ReportType); err != nil {
		result = multierror.Append(result, err)
	}
	if strings.TrimSpace(in.Method) == "" {
		req.Method = s.DefaultMethod
	} else if req.Method, err = models.ParseCostBasisMethod(in.Method); err != nil {
		result = multierror.Append(result, err)
	}
	if len(req.Formats) == 0 {
		req.Formats = append([]string(nil), models.DefaultFormats...)
	}
	for i, ls := range in.LinkedSources {
		src, err := ls.decode()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("linkedSources[%d]: %w", i, err))
			continue
		}
		req.LinkedSources = append(req.LinkedSources, src)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}

	if err := validation.ValidateReportFields(req, s.clock.Now()); err != nil {
		return nil, err
	}
	awaitingUpload := req.DataSource == models.SourceCSV && (req.SourceData.CSV == nil || req.SourceData.CSV.Content == "")
	if awaitingUpload {
		if req.SourceData.CSV == nil {
			req.SourceData.CSV = &models.CSVPayload{}
		}
	} else if err := validation.ValidateSourceData(req.DataSource, req.SourceData); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *ReportService) Create(ctx context.Context, in ReportInput) (*models.ReportRequest, error) {
	req, err := s.build(in)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	req.ID = uuid.NewString()
	req.Status = models.StatusDraft
	req.CreatedAt = now
	req.UpdatedAt = now
	if err := s.store.Create(ctx, req); err != nil {
		return nil, err
	}
	logger.L.Info("Report request created", "reportID", req.ID, "dataSource", req.DataSource, "reportType", req.ReportType, "fiscalYear", req.FiscalYear)
	return s.store.Get(ctx, req.ID)
}

func (s *ReportService) Get(ctx context.Context, id string) (*models.ReportRequest, error) {
	return s.store.Get(ctx, id)
}

func (s *ReportService) List(ctx context.Context) ([]*models.ReportRequest, error) {
	return s.store.List(ctx)
}

// Update replaces the input fields of a draft or failed request.
func (s *ReportService) Update(ctx context.Context, id string, in ReportInput) (*models.ReportRequest, error) {
	req, err := s.build(in)
	if err != nil {
		return nil, err
	}
	req.ID = id
	if err := s.store.UpdateDraft(ctx, req); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

func (s *ReportService) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	logger.L.Info("Report request deleted", "reportID", id)
	return nil
}

// AttachCSV makes an uploaded file the primary source of the request.
func (s *ReportService) AttachCSV(ctx context.Context, id, filename string, content []byte) (*models.ReportRequest, error) {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusDraft && req.Status != models.StatusError {
		return nil, models.ErrInvalidTransition
	}
	req.DataSource = models.SourceCSV
	req.SourceData = models.SourceData{CSV: &models.CSVPayload{
		Filename: filename,
		Content:  string(content),
		Size:     int64(len(content)),
	}}
	if err := validation.ValidateSourceData(req.DataSource, req.SourceData); err != nil {
		return nil, err
	}
	if err := s.store.UpdateDraft(ctx, req); err != nil {
		return nil, err
	}
	logger.L.Info("CSV attached to report request", "reportID", id, "filename", filename, "size", len(content))
	return s.store.Get(ctx, id)
}

// PutPriceOverrides stores manual unit prices used by the next run.
func (s *ReportService) PutPriceOverrides(ctx context.Context, id string, overrides []models.PriceOverride) ([]models.PriceOverride, error) {
	var result *multierror.Error
	clean := make([]models.PriceOverride, 0, len(overrides))
	for i, o := range overrides {
		o.Asset = strings.ToUpper(strings.TrimSpace(o.Asset))
		if o.Asset == "" {
			result = multierror.Append(result, fmt.Errorf("overrides[%d]: asset is required", i))
		}
		if _, err := time.Parse("2006-01-02", o.Day); err != nil {
			result = multierror.Append(result, fmt.Errorf("overrides[%d]: day must be YYYY-MM-DD", i))
		}
		if o.Price.IsNegative() {
			result = multierror.Append(result, fmt.Errorf("overrides[%d]: price must be >= 0", i))
		}
		clean = append(clean, o)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	if err := s.store.PutPriceOverrides(ctx, id, clean); err != nil {
		return nil, err
	}
	return s.store.ListPriceOverrides(ctx, id)
}

func (s *ReportService) Ledger(ctx context.Context, id string) ([]models.Transaction, error) {
	return s.store.ListLedger(ctx, id)
}

// DownloadLink signs a URL for one artifact of a completed report. An empty
// format selects the primary artifact.
func (s *ReportService) DownloadLink(ctx context.Context, id, format string) (*DownloadLink, error) {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusCompleted {
		return nil, models.ErrNotReady
	}
	var ref models.ArtifactRef
	var ok bool
	if format == "" {
		for f, r := range req.Artifacts {
			if r.Key == req.GeneratedReport {
				format, ref, ok = f, r, true
			}
		}
	} else {
		ref, ok = req.Artifacts[format]
	}
	if !ok {
		return nil, fmt.Errorf("%w: no %q artifact for this report", models.ErrValidation, format)
	}
	token, expires, err := s.tokens.Issue(req.ID, format, ref.Key)
	if err != nil {
		return nil, err
	}
	return &DownloadLink{URL: DownloadURL(s.baseURL, token), Format: format, ExpiresAt: expires}, nil
}
