package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/webpilot/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetSession(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	created := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, s.UpsertSession(ctx, &SessionRecord{
		ID: "s1", Goal: "buy milk", Status: domain.StatusRunning, CreatedAt: created, UpdatedAt: created,
	}))
	require.NoError(t, s.UpsertSession(ctx, &SessionRecord{
		ID: "s1", Goal: "", Status: domain.StatusIdle, CreatedAt: created.Add(time.Hour), UpdatedAt: created.Add(time.Minute),
	}))

	got, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusIdle, got.Status)
	assert.Equal(t, "", got.Goal)
	assert.True(t, got.CreatedAt.Equal(created), "created_at is kept on update")
	assert.True(t, got.UpdatedAt.Equal(created.Add(time.Minute)))

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	got, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, s.Ping(ctx))
}

func TestStepJournal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.RecordStep(ctx, &StepRecord{
			SessionID:  "s1",
			StepID:     id,
			Kind:       "click",
			ActionJSON: `{"type":"click","x":1,"y":2}`,
			Source:     "llm",
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.RecordStep(ctx, &StepRecord{SessionID: "s1", StepID: "a", Kind: "wait", ActionJSON: "{}"}))
	require.NoError(t, s.CompleteStep(ctx, "s1", "a", true, ""))
	require.NoError(t, s.CompleteStep(ctx, "s1", "b", false, "element not found"))
	require.NoError(t, s.CompleteStep(ctx, "s1", "zzz", true, ""))

	steps, err := s.ListSteps(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "a", steps[0].StepID)
	assert.Equal(t, "click", steps[0].Kind)
	assert.Equal(t, StepSucceeded, steps[0].Status)
	require.NotNil(t, steps[0].CompletedAt)
	assert.Equal(t, StepFailed, steps[1].Status)
	assert.Equal(t, "element not found", steps[1].Error)
	assert.Equal(t, StepProposed, steps[2].Status)
	assert.Nil(t, steps[2].CompletedAt)

	newest, err := s.ListSteps(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, "b", newest[0].StepID)
	assert.Equal(t, "c", newest[1].StepID)

	rec, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestCleanupExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)

	require.NoError(t, s.UpsertSession(ctx, &SessionRecord{ID: "old", Status: domain.StatusIdle, CreatedAt: old, UpdatedAt: old}))
	require.NoError(t, s.RecordStep(ctx, &StepRecord{SessionID: "fresh", StepID: "x", Kind: "wait", ActionJSON: "{}"}))

	n, err := s.CleanupExpired(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec, err := s.GetSession(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, rec)
	rec, err = s.GetSession(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestConcurrentWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			assert.NoError(t, s.RecordStep(ctx, &StepRecord{SessionID: "s1", StepID: id, Kind: "wait", ActionJSON: "{}"}))
			assert.NoError(t, s.CompleteStep(ctx, "s1", id, true, ""))
		}(i)
	}
	wg.Wait()

	steps, err := s.ListSteps(ctx, "s1", 100)
	require.NoError(t, err)
	assert.Len(t, steps, 20)
}

func TestNopRepository(t *testing.T) {
	r := Nop()
	ctx := context.Background()
	require.NoError(t, r.UpsertSession(ctx, &SessionRecord{ID: "s"}))
	got, err := r.GetSession(ctx, "s")
	require.NoError(t, err)
	assert.Nil(t, got)
	steps, err := r.ListSteps(ctx, "s", 5)
	require.NoError(t, err)
	assert.Empty(t, steps)
	require.NoError(t, r.Close())
}
