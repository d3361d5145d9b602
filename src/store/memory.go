package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/utils"
)

// MemoryStore is an in-process Store. A single mutex makes every transition
// atomic.
type MemoryStore struct {
	mu        sync.Mutex
	clock     utils.Clock
	reports   map[string]*models.ReportRequest
	ledgers   map[string][]models.Transaction
	overrides map[string]map[string]models.PriceOverride
}

func NewMemoryStore(clock utils.Clock) *MemoryStore {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &MemoryStore{
		clock:     clock,
		reports:   make(map[string]*models.ReportRequest),
		ledgers:   make(map[string][]models.Transaction),
		overrides: make(map[string]map[string]models.PriceOverride),
	}
}

func cloneReport(r *models.ReportRequest) *models.ReportRequest {
	cp := *r
	cp.LinkedSources = slices.Clone(r.LinkedSources)
	cp.Formats = slices.Clone(r.Formats)
	cp.Warnings = slices.Clone(r.Warnings)
	cp.Artifacts = maps.Clone(r.Artifacts)
	if r.Totals != nil {
		t := *r.Totals
		cp.Totals = &t
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func (s *MemoryStore) Create(ctx context.Context, r *models.ReportRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reports[r.ID]; exists {
		return models.ErrConflict
	}
	s.reports[r.ID] = cloneReport(r)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.ReportRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneReport(r), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*models.ReportRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ReportRequest, 0, len(s.reports))
	for _, r := range s.reports {
		out = append(out, cloneReport(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) UpdateDraft(ctx context.Context, in *models.ReportRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[in.ID]
	if !ok {
		return models.ErrNotFound
	}
	if r.Status != models.StatusDraft && r.Status != models.StatusError {
		return models.ErrInvalidTransition
	}
	r.DataSource = in.DataSource
	r.SourceData = in.SourceData
	r.LinkedSources = slices.Clone(in.LinkedSources)
	r.ReportType = in.ReportType
	r.FiscalYear = in.FiscalYear
	r.Method = in.Method
	r.Formats = slices.Clone(in.Formats)
	r.Taxpayer = in.Taxpayer
	r.UpdatedAt = s.clock.Now().UTC()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return models.ErrNotFound
	}
	if r.Status == models.StatusProcessing {
		return models.ErrConflict
	}
	delete(s.reports, id)
	delete(s.ledgers, id)
	delete(s.overrides, id)
	return nil
}

func (s *MemoryStore) BeginRun(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	switch r.Status {
	case models.StatusProcessing:
		return 0, models.ErrConflict
	case models.StatusCompleted:
		return 0, models.ErrInvalidTransition
	}
	now := s.clock.Now().UTC()
	r.Status = models.StatusProcessing
	r.Attempt++
	r.Progress = 0
	r.ProgressMessage = ""
	r.ErrorCode = ""
	r.ErrorMessage = ""
	r.Warnings = nil
	r.StartedAt = &now
	r.CompletedAt = nil
	r.UpdatedAt = now
	return r.Attempt, nil
}

// running returns the record owned by attempt, or the reason it is not.
func (s *MemoryStore) running(id string, attempt int) (*models.ReportRequest, error) {
	r, ok := s.reports[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if r.Attempt != attempt {
		return nil, models.ErrStaleAttempt
	}
	if r.Status != models.StatusProcessing {
		return nil, models.ErrInvalidTransition
	}
	return r, nil
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, id string, attempt, pct int, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.running(id, attempt)
	if err != nil {
		return err
	}
	pct = ClampProgress(pct)
	if pct > r.Progress {
		r.Progress = pct
	}
	r.ProgressMessage = msg
	r.UpdatedAt = s.clock.Now().UTC()
	return nil
}

func (s *MemoryStore) CompleteRun(ctx context.Context, id string, attempt int, rec models.CompletionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.running(id, attempt)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	totals := rec.Totals
	r.Status = models.StatusCompleted
	r.Progress = 100
	r.ProgressMessage = "Report ready"
	r.GeneratedReport = rec.GeneratedReport
	r.Artifacts = maps.Clone(rec.Artifacts)
	r.Totals = &totals
	r.Warnings = slices.Clone(rec.Warnings)
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

func (s *MemoryStore) FailRun(ctx context.Context, id string, attempt int, code models.ErrorCode, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.running(id, attempt)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	r.Status = models.StatusError
	r.ErrorCode = code
	r.ErrorMessage = msg
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ListStaleRuns(ctx context.Context, cutoff time.Time) ([]*models.ReportRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ReportRequest
	for _, r := range s.reports {
		if r.Status == models.StatusProcessing && r.StartedAt != nil && r.StartedAt.Before(cutoff) {
			out = append(out, cloneReport(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ReplaceLedger(ctx context.Context, reportID string, txs []models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[reportID]; !ok {
		return models.ErrNotFound
	}
	s.ledgers[reportID] = slices.Clone(txs)
	return nil
}

func (s *MemoryStore) ListLedger(ctx context.Context, reportID string) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[reportID]; !ok {
		return nil, models.ErrNotFound
	}
	return slices.Clone(s.ledgers[reportID]), nil
}

func (s *MemoryStore) PutPriceOverrides(ctx context.Context, reportID string, overrides []models.PriceOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[reportID]; !ok {
		return models.ErrNotFound
	}
	m := s.overrides[reportID]
	if m == nil {
		m = make(map[string]models.PriceOverride)
		s.overrides[reportID] = m
	}
	for _, o := range overrides {
		m[o.Asset+"|"+o.Day] = o
	}
	return nil
}

func (s *MemoryStore) ListPriceOverrides(ctx context.Context, reportID string) ([]models.PriceOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[reportID]; !ok {
		return nil, models.ErrNotFound
	}
	out := make([]models.PriceOverride, 0, len(s.overrides[reportID]))
	for _, o := range s.overrides[reportID] {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Asset != out[j].Asset {
			return out[i].Asset < out[j].Asset
		}
		return out[i].Day < out[j].Day
	})
	return out, nil
}
