package services

import (
	"context"
	"fmt"
	"time"

	"github.com/username/cryptotaxreports/src/logger"
	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/statemachine"
	"github.com/username/cryptotaxreports/src/store"
	"github.com/username/cryptotaxreports/src/utils"
)

// Watchdog fails runs that outlived the generation budget, for example after
// a crash lost their goroutine.
type Watchdog struct {
	store    store.ReportStore
	machine  *statemachine.Machine
	budget   time.Duration
	interval time.Duration
	clock    utils.Clock
}

func NewWatchdog(s store.ReportStore, m *statemachine.Machine, budget, interval time.Duration, clock utils.Clock) *Watchdog {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &Watchdog{store: s, machine: m, budget: budget, interval: interval, clock: clock}
}

// Run sweeps every interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	logger.L.Info("Watchdog started", "interval", w.interval.String(), "budget", w.budget.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				logger.L.Error("Watchdog sweep failed", "error", err)
			}
		}
	}
}

// Sweep times out every stale run and returns how many it failed.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	stale, err := w.store.ListStaleRuns(ctx, w.clock.Now().Add(-w.budget))
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, r := range stale {
		cause := fmt.Errorf("%w: run exceeded %s", models.ErrTimeout, w.budget)
		if err := w.machine.Resume(r.ID, r.Attempt).Fail(ctx, cause); err != nil {
			logger.L.Warn("Watchdog could not fail stale run", "reportID", r.ID, "attempt", r.Attempt, "error", err)
			continue
		}
		failed++
	}
	return failed, nil
}
