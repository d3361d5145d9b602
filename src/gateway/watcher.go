// Package gateway streams the progress of a report request to clients. It
// only reads the persisted record, so it works the same whichever process
// runs the generation.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/store"
)

// Event types.
const (
	EventStatus   = "status"
	EventComplete = "complete"
	EventError    = "error"
	// EventStreamError ends a stream whose reads failed. The run itself may
	// still be in progress.
	EventStreamError = "stream-error"
)

type Event struct {
	Type        string                        `json:"type"`
	Status      models.ReportStatus           `json:"status,omitempty"`
	Progress    int                           `json:"progress"`
	Message     string                        `json:"message,omitempty"`
	ArtifactRef string                        `json:"artifactRef,omitempty"`
	Artifacts   map[string]models.ArtifactRef `json:"artifacts,omitempty"`
	Totals      *models.Totals                `json:"totals,omitempty"`
	Code        models.ErrorCode              `json:"code,omitempty"`
}

type snapshot struct {
	status   models.ReportStatus
	progress int
	message  string
}

// Watcher polls report records.
type Watcher struct {
	store    store.ReportStore
	interval time.Duration
}

func NewWatcher(s store.ReportStore, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{store: s, interval: interval}
}

// Watch emits a status event whenever status, progress or message change,
// the first poll included, and then exactly one terminal event. It returns
// nil after the terminal event, ctx.Err() when cancelled, or the first error
// from emit or the store.
func (w *Watcher) Watch(ctx context.Context, id string, emit func(Event) error) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var last *snapshot
	for {
		r, err := w.store.Get(ctx, id)
		if err != nil {
			return err
		}
		cur := snapshot{status: r.Status, progress: r.Progress, message: r.ProgressMessage}
		if last == nil || *last != cur {
			if err := emit(Event{Type: EventStatus, Status: r.Status, Progress: r.Progress, Message: r.ProgressMessage}); err != nil {
				return err
			}
			last = &cur
		}
		if terminal, ok := TerminalEvent(r); ok {
			return emit(terminal)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// TerminalEvent returns the closing event of a finished request.
func TerminalEvent(r *models.ReportRequest) (Event, bool) {
	switch r.Status {
	case models.StatusCompleted:
		return Event{
			Type:        EventComplete,
			Status:      r.Status,
			Progress:    r.Progress,
			ArtifactRef: r.GeneratedReport,
			Artifacts:   r.Artifacts,
			Totals:      r.Totals,
		}, true
	case models.StatusError:
		return Event{
			Type:     EventError,
			Status:   r.Status,
			Progress: r.Progress,
			Code:     r.ErrorCode,
			Message:  r.ErrorMessage,
		}, true
	}
	return Event{}, false
}

// IsClientGone reports whether err only means the subscriber went away.
func IsClientGone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
