package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/store"
	"github.com/username/cryptotaxreports/src/utils"
)

// tsLayout is fixed width so stored timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLStore implements store.Store on SQLite.
type SQLStore struct {
	db    *sql.DB
	clock utils.Clock
}

func NewSQLStore(db *sql.DB, clock utils.Clock) *SQLStore {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &SQLStore{db: db, clock: clock}
}

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func formatNullTS(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTS(*t), Valid: true}
}

func parseNullTS(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(tsLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func toJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

const reportColumns = `id, data_source, source_data, linked_sources, report_type, fiscal_year, method, formats,
	taxpayer, status, progress, progress_message, error_code, error_message, generated_report, artifacts,
	totals, warnings, attempt, started_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(row rowScanner) (*models.ReportRequest, error) {
	var (
		r                                            models.ReportRequest
		sourceData, linked, formats, taxpayer        string
		artifacts, warnings, createdAt, updatedAt    string
		totals, startedAt, completedAt               sql.NullString
		dataSource, reportType, method, status, code string
	)
	err := row.Scan(&r.ID, &dataSource, &sourceData, &linked, &reportType, &r.FiscalYear, &method, &formats,
		&taxpayer, &status, &r.Progress, &r.ProgressMessage, &code, &r.ErrorMessage, &r.GeneratedReport, &artifacts,
		&totals, &warnings, &r.Attempt, &startedAt, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.DataSource = models.DataSource(dataSource)
	r.ReportType = models.ReportType(reportType)
	r.Method = models.CostBasisMethod(method)
	r.Status = models.ReportStatus(status)
	r.ErrorCode = models.ErrorCode(code)

	for _, f := range []struct {
		raw string
		dst interface{}
	}{
		{sourceData, &r.SourceData},
		{linked, &r.LinkedSources},
		{formats, &r.Formats},
		{taxpayer, &r.Taxpayer},
		{artifacts, &r.Artifacts},
		{warnings, &r.Warnings},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode report %s: %w", r.ID, err)
		}
	}
	if totals.Valid && totals.String != "" {
		r.Totals = &models.Totals{}
		if err := json.Unmarshal([]byte(totals.String), r.Totals); err != nil {
			return nil, fmt.Errorf("failed to decode totals of report %s: %w", r.ID, err)
		}
	}
	if r.StartedAt, err = parseNullTS(startedAt); err != nil {
		return nil, err
	}
	if r.CompletedAt, err = parseNullTS(completedAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = time.Parse(tsLayout, createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = time.Parse(tsLayout, updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLStore) Create(ctx context.Context, r *models.ReportRequest) error {
	sourceData, err := toJSON(r.SourceData)
	if err != nil {
		return err
	}
	linked, err := toJSON(nonNil(r.LinkedSources))
	if err != nil {
		return err
	}
	formats, err := toJSON(nonNil(r.Formats))
	if err != nil {
		return err
	}
	taxpayer, err := toJSON(r.Taxpayer)
	if err != nil {
		return err
	}
	warnings, err := toJSON(nonNil(r.Warnings))
	if err != nil {
		return err
	}
	artifacts := "{}"
	if r.Artifacts != nil {
		if artifacts, err = toJSON(r.Artifacts); err != nil {
			return err
		}
	}
	var totals sql.NullString
	if r.Totals != nil {
		t, err := toJSON(r.Totals)
		if err != nil {
			return err
		}
		totals = sql.NullString{String: t, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO report_requests (`+reportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.DataSource), sourceData, linked, string(r.ReportType), r.FiscalYear, string(r.Method), formats,
		taxpayer, string(r.Status), r.Progress, r.ProgressMessage, string(r.ErrorCode), r.ErrorMessage, r.GeneratedReport, artifacts,
		totals, warnings, r.Attempt, formatNullTS(r.StartedAt), formatNullTS(r.CompletedAt), formatTS(r.CreatedAt), formatTS(r.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return models.ErrConflict
		}
		return fmt.Errorf("failed to insert report %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.ReportRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM report_requests WHERE id = ?`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return r, err
}

func (s *SQLStore) List(ctx context.Context) ([]*models.ReportRequest, error) {
	return s.query(ctx, `SELECT `+reportColumns+` FROM report_requests ORDER BY created_at DESC, id`)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...interface{}) ([]*models.ReportRequest, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query report requests: %w", err)
	}
	defer rows.Close()

	var out []*models.ReportRequest
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateDraft(ctx context.Context, r *models.ReportRequest) error {
	sourceData, err := toJSON(r.SourceData)
	if err != nil {
		return err
	}
	linked, err := toJSON(nonNil(r.LinkedSources))
	if err != nil {
		return err
	}
	formats, err := toJSON(nonNil(r.Formats))
	if err != nil {
		return err
	}
	taxpayer, err := toJSON(r.Taxpayer)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE report_requests
		SET data_source = ?, source_data = ?, linked_sources = ?, report_type = ?, fiscal_year = ?, method = ?,
			formats = ?, taxpayer = ?, updated_at = ?
		WHERE id = ? AND status IN ('draft', 'error')`,
		string(r.DataSource), sourceData, linked, string(r.ReportType), r.FiscalYear, string(r.Method),
		formats, taxpayer, formatTS(s.clock.Now()), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update report %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.status(ctx, r.ID); err != nil {
		return err
	}
	return models.ErrInvalidTransition
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete of report %s: %w", id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM report_requests WHERE id = ? AND status != 'processing'`, id)
	if err != nil {
		return fmt.Errorf("failed to delete report %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		tx.Rollback()
		if _, err := s.status(ctx, id); err != nil {
			return err
		}
		return models.ErrConflict
	}
	for _, q := range []string{
		`DELETE FROM report_transactions WHERE report_id = ?`,
		`DELETE FROM price_overrides WHERE report_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to delete children of report %s: %w", id, err)
		}
	}
	return tx.Commit()
}

type runState struct {
	status  models.ReportStatus
	attempt int
}

func (s *SQLStore) status(ctx context.Context, id string) (runState, error) {
	var st runState
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status, attempt FROM report_requests WHERE id = ?`, id).Scan(&status, &st.attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return st, models.ErrNotFound
	}
	if err != nil {
		return st, fmt.Errorf("failed to read status of report %s: %w", id, err)
	}
	st.status = models.ReportStatus(status)
	return st, nil
}

func (s *SQLStore) BeginRun(ctx context.Context, id string) (int, error) {
	now := formatTS(s.clock.Now())
	var attempt int
	err := s.db.QueryRowContext(ctx, `UPDATE report_requests
		SET status = 'processing', attempt = attempt + 1, progress = 0, progress_message = '',
			error_code = '', error_message = '', warnings = '[]', started_at = ?, completed_at = NULL, updated_at = ?
		WHERE id = ? AND status IN ('draft', 'error')
		RETURNING attempt`, now, now, id).Scan(&attempt)
	if err == nil {
		return attempt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to begin run of report %s: %w", id, err)
	}
	st, err := s.status(ctx, id)
	if err != nil {
		return 0, err
	}
	if st.status == models.StatusProcessing {
		return 0, models.ErrConflict
	}
	return 0, models.ErrInvalidTransition
}

// runConflict explains why a transition guarded by (status, attempt) matched no row.
func (s *SQLStore) runConflict(ctx context.Context, id string, attempt int) error {
	st, err := s.status(ctx, id)
	if err != nil {
		return err
	}
	if st.attempt != attempt {
		return models.ErrStaleAttempt
	}
	return models.ErrInvalidTransition
}

func (s *SQLStore) UpdateProgress(ctx context.Context, id string, attempt, pct int, msg string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE report_requests
		SET progress = MAX(progress, ?), progress_message = ?, updated_at = ?
		WHERE id = ? AND attempt = ? AND status = 'processing'`,
		store.ClampProgress(pct), msg, formatTS(s.clock.Now()), id, attempt)
	if err != nil {
		return fmt.Errorf("failed to update progress of report %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return s.runConflict(ctx, id, attempt)
}

func (s *SQLStore) CompleteRun(ctx context.Context, id string, attempt int, rec models.CompletionRecord) error {
	artifacts, err := toJSON(rec.Artifacts)
	if err != nil {
		return err
	}
	totals, err := toJSON(rec.Totals)
	if err != nil {
		return err
	}
	warnings, err := toJSON(nonNil(rec.Warnings))
	if err != nil {
		return err
	}
	now := formatTS(s.clock.Now())
	res, err := s.db.ExecContext(ctx, `UPDATE report_requests
		SET status = 'completed', progress = 100, progress_message = 'Report ready', generated_report = ?,
			artifacts = ?, totals = ?, warnings = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND attempt = ? AND status = 'processing'`,
		rec.GeneratedReport, artifacts, totals, warnings, now, now, id, attempt)
	if err != nil {
		return fmt.Errorf("failed to complete report %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return s.runConflict(ctx, id, attempt)
}

func (s *SQLStore) FailRun(ctx context.Context, id string, attempt int, code models.ErrorCode, msg string) error {
	now := formatTS(s.clock.Now())
	res, err := s.db.ExecContext(ctx, `UPDATE report_requests
		SET status = 'error', error_code = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND attempt = ? AND status = 'processing'`,
		string(code), msg, now, now, id, attempt)
	if err != nil {
		return fmt.Errorf("failed to fail report %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return s.runConflict(ctx, id, attempt)
}

func (s *SQLStore) ListStaleRuns(ctx context.Context, cutoff time.Time) ([]*models.ReportRequest, error) {
	return s.query(ctx, `SELECT `+reportColumns+` FROM report_requests
		WHERE status = 'processing' AND started_at IS NOT NULL AND started_at < ? ORDER BY id`, formatTS(cutoff))
}

func (s *SQLStore) ReplaceLedger(ctx context.Context, reportID string, txs []models.Transaction) error {
	if _, err := s.status(ctx, reportID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM report_transactions WHERE report_id = ?`, reportID); err != nil {
		return fmt.Errorf("failed to clear ledger of report %s: %w", reportID, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO report_transactions
		(report_id, id, seq, timestamp, asset, type, amount, fiat_value, fee_amount, source_ref, provider_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare ledger insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range txs {
		if _, err := stmt.ExecContext(ctx, reportID, t.ID, t.Seq, formatTS(t.Timestamp), t.Asset, string(t.Type),
			t.Amount, t.FiatValue, t.FeeAmount, t.SourceRef, t.ProviderID); err != nil {
			return fmt.Errorf("failed to insert transaction %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) ListLedger(ctx context.Context, reportID string) ([]models.Transaction, error) {
	if _, err := s.status(ctx, reportID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, seq, timestamp, asset, type, amount, fiat_value, fee_amount, source_ref, provider_id
		FROM report_transactions WHERE report_id = ? ORDER BY seq`, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger of report %s: %w", reportID, err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var ts, typ string
		if err := rows.Scan(&t.ID, &t.Seq, &ts, &t.Asset, &typ, &t.Amount, &t.FiatValue, &t.FeeAmount, &t.SourceRef, &t.ProviderID); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if t.Timestamp, err = time.Parse(tsLayout, ts); err != nil {
			return nil, err
		}
		t.Type = models.TxType(typ)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutPriceOverrides(ctx context.Context, reportID string, overrides []models.PriceOverride) error {
	if _, err := s.status(ctx, reportID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, o := range overrides {
		if _, err := tx.ExecContext(ctx, `INSERT INTO price_overrides (report_id, asset, day, price) VALUES (?, ?, ?, ?)
			ON CONFLICT(report_id, asset, day) DO UPDATE SET price = excluded.price`,
			reportID, o.Asset, o.Day, o.Price); err != nil {
			return fmt.Errorf("failed to store price override %s/%s: %w", o.Asset, o.Day, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) ListPriceOverrides(ctx context.Context, reportID string) ([]models.PriceOverride, error) {
	if _, err := s.status(ctx, reportID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT asset, day, price FROM price_overrides WHERE report_id = ? ORDER BY asset, day`, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to query price overrides: %w", err)
	}
	defer rows.Close()

	out := []models.PriceOverride{}
	for rows.Next() {
		var o models.PriceOverride
		var price decimal.Decimal
		if err := rows.Scan(&o.Asset, &o.Day, &price); err != nil {
			return nil, err
		}
		o.Price = price
		out = append(out, o)
	}
	return out, rows.Err()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
