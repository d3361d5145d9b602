// Package statemachine owns the lifecycle of a report request:
// draft → processing → completed | error, with error → processing on retry.
package statemachine

import (
	"context"
	"errors"
	"fmt"

	"github.com/username/cryptotaxreports/src/logger"
	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/store"
)

var transitions = map[models.ReportStatus][]models.ReportStatus{
	models.StatusDraft:      {models.StatusProcessing},
	models.StatusProcessing: {models.StatusCompleted, models.StatusError},
	models.StatusError:      {models.StatusProcessing},
	models.StatusCompleted:  nil,
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to models.ReportStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine applies transitions through the store's compare-and-set operations.
type Machine struct {
	store store.ReportStore
}

func New(s store.ReportStore) *Machine {
	return &Machine{store: s}
}

// Run is one generation attempt. Writes carrying a superseded attempt are
// rejected by the store.
type Run struct {
	ReportID string
	Attempt  int
	m        *Machine
}

// Begin enters processing. It fails with ErrConflict when a run is already
// active and ErrInvalidTransition when the report is completed.
func (m *Machine) Begin(ctx context.Context, id string) (*Run, error) {
	attempt, err := m.store.BeginRun(ctx, id)
	if err != nil {
		return nil, err
	}
	logger.L.Info("Report generation started", "reportID", id, "attempt", attempt)
	return &Run{ReportID: id, Attempt: attempt, m: m}, nil
}

// Resume returns a handle on an existing attempt, as used by the watchdog.
func (m *Machine) Resume(id string, attempt int) *Run {
	return &Run{ReportID: id, Attempt: attempt, m: m}
}

// Progress records pct in [0,100]. Lower values than the stored one are
// ignored by the store.
func (r *Run) Progress(ctx context.Context, pct int, msg string) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("progress %d out of range", pct)
	}
	return r.m.store.UpdateProgress(ctx, r.ReportID, r.Attempt, pct, msg)
}

func (r *Run) Complete(ctx context.Context, rec models.CompletionRecord) error {
	if err := r.m.store.CompleteRun(ctx, r.ReportID, r.Attempt, rec); err != nil {
		return err
	}
	logger.L.Info("Report generation completed", "reportID", r.ReportID, "attempt", r.Attempt,
		"netResult", rec.Totals.NetResult.String(), "warnings", len(rec.Warnings))
	return nil
}

// Fail moves the run to error. The stored message is the public text of the
// error's code; the cause itself is only logged.
func (r *Run) Fail(ctx context.Context, cause error) error {
	code := models.CodeOf(cause)
	if code == "" {
		code = models.CodeInternal
	}
	if err := r.m.store.FailRun(ctx, r.ReportID, r.Attempt, code, models.PublicMessage(code)); err != nil {
		if errors.Is(err, models.ErrStaleAttempt) || errors.Is(err, models.ErrInvalidTransition) {
			logger.L.Warn("Dropping failure of superseded run", "reportID", r.ReportID, "attempt", r.Attempt, "cause", cause)
		}
		return err
	}
	logger.L.Warn("Report generation failed", "reportID", r.ReportID, "attempt", r.Attempt, "code", code, "cause", cause)
	return nil
}
