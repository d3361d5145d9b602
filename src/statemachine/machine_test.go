package statemachine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/store"
	"github.com/username/cryptotaxreports/src/store/storetest"
)

func newMachine(t *testing.T, ids ...string) (*Machine, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore(nil)
	for _, id := range ids {
		require.NoError(t, s.Create(context.Background(), storetest.NewDraft(id)))
	}
	return New(s), s
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(models.StatusDraft, models.StatusProcessing))
	assert.True(t, CanTransition(models.StatusError, models.StatusProcessing))
	assert.True(t, CanTransition(models.StatusProcessing, models.StatusCompleted))
	assert.False(t, CanTransition(models.StatusDraft, models.StatusCompleted))
	assert.False(t, CanTransition(models.StatusDraft, models.StatusError))
	assert.False(t, CanTransition(models.StatusCompleted, models.StatusProcessing))
	assert.False(t, CanTransition(models.StatusProcessing, models.StatusDraft))
}

func TestSecondTriggerConflictsAndLeavesRunAlone(t *testing.T) {
	ctx := context.Background()
	m, s := newMachine(t, "r1")

	run, err := m.Begin(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, run.Progress(ctx, 40, "Resolving historical prices…"))

	_, err = m.Begin(ctx, "r1")
	assert.ErrorIs(t, err, models.ErrConflict)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, run.Attempt, got.Attempt)
}

func TestConcurrentTriggersExactlyOneBegins(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t, "r1")

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Begin(ctx, "r1")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, models.ErrConflict)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestFailStoresPublicMessageOnly(t *testing.T) {
	ctx := context.Background()
	m, s := newMachine(t, "r1")
	run, err := m.Begin(ctx, "r1")
	require.NoError(t, err)

	cause := fmt.Errorf("fetch exchange trades: %w", &models.UpstreamError{Provider: "exchange", Kind: models.ErrAuthenticationFailure, StatusCode: 401})
	require.NoError(t, run.Fail(ctx, cause))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Equal(t, models.CodeAuthenticationFailure, got.ErrorCode)
	assert.Equal(t, models.PublicMessage(models.CodeAuthenticationFailure), got.ErrorMessage)
	assert.NotContains(t, got.ErrorMessage, "401")
}

func TestRetryAfterErrorSupersedesOldAttempt(t *testing.T) {
	ctx := context.Background()
	m, s := newMachine(t, "r1")
	first, err := m.Begin(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, first.Fail(ctx, models.ErrTimeout))

	second, err := m.Begin(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, first.Attempt+1, second.Attempt)

	assert.ErrorIs(t, first.Complete(ctx, models.CompletionRecord{}), models.ErrStaleAttempt)
	require.NoError(t, second.Complete(ctx, models.CompletionRecord{GeneratedReport: "k"}))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "k", got.GeneratedReport)
}

func TestProgressRejectsOutOfRange(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t, "r1")
	run, err := m.Begin(ctx, "r1")
	require.NoError(t, err)
	assert.Error(t, run.Progress(ctx, 101, "x"))
	assert.Error(t, run.Progress(ctx, -1, "x"))
}
