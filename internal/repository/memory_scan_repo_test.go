package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/skinscan/internal/model"
)

func newPendingScan(t *testing.T, id, owner string, createdAt time.Time) *model.Scan {
	t.Helper()
	s, err := model.NewScan(id, owner, model.ImageRef{URL: "img://" + id, StorageID: "key/" + id}, createdAt)
	require.NoError(t, err)
	return s
}

func analyzedTransition(at time.Time) model.ScanTransition {
	return model.AnalyzedTransition(&model.AnalysisResult{
		Analysis: model.Analysis{
			SkinType: model.SkinTypeOily,
			Concerns: []model.Concern{{Type: model.ConcernAcne, Severity: model.SeverityMild, Confidence: 0.9}},
		},
		OverallConfidence: 0.9,
	}, at)
}

func TestMemoryScanRepo_InsertAndFind(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryScanRepo()
	s := newPendingScan(t, "s1", "u1", time.Now())

	require.NoError(t, repo.Insert(ctx, s))
	assert.Error(t, repo.Insert(ctx, s), "重複IDは拒否される")

	got, err := repo.FindByID(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.ScanStatePending, got.State)

	// 返却値を書き換えても保存内容に影響しない
	got.State = model.ScanStateFailed
	again, err := repo.FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatePending, again.State)

	missing, err := repo.FindByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryScanRepo_ConditionalUpdate_OnlyFromExpectedState(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryScanRepo()
	require.NoError(t, repo.Insert(ctx, newPendingScan(t, "s1", "u1", time.Now())))

	ok, err := repo.ConditionalUpdate(ctx, "s1", model.ScanStatePending, analyzedTransition(time.Now()))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ConditionalUpdate(ctx, "s1", model.ScanStatePending,
		model.FailedTransition(model.NewFailureReason(model.FailureTimeout), time.Now()))
	require.NoError(t, err)
	assert.False(t, ok, "終端状態からは遷移しない")

	got, err := repo.FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.ScanStateAnalyzed, got.State)
	assert.Nil(t, got.FailureReason)
	assert.NoError(t, got.CheckInvariants())

	ok, err = repo.ConditionalUpdate(ctx, "missing", model.ScanStatePending, analyzedTransition(time.Now()))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryScanRepo_ConditionalUpdate_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryScanRepo()
	require.NoError(t, repo.Insert(ctx, newPendingScan(t, "s1", "u1", time.Now())))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var tr model.ScanTransition
			if i%2 == 0 {
				tr = analyzedTransition(time.Now())
			} else {
				tr = model.FailedTransition(model.NewFailureReason(model.FailureProviderError), time.Now())
			}
			ok, err := repo.ConditionalUpdate(ctx, "s1", model.ScanStatePending, tr)
			if err == nil && ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, err := repo.FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.NoError(t, got.CheckInvariants())
}

func TestMemoryScanRepo_ListByOwner_NewestFirstAndBounded(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryScanRepo()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 25; i++ {
		require.NoError(t, repo.Insert(ctx, newPendingScan(t, fmt.Sprintf("s%02d", i), "u1", base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, repo.Insert(ctx, newPendingScan(t, "other", "u2", base.Add(time.Hour))))

	scans, err := repo.ListByOwner(ctx, "u1", 20)
	require.NoError(t, err)
	require.Len(t, scans, 20)
	assert.Equal(t, "s24", scans[0].ID)
	assert.Equal(t, "s05", scans[19].ID)
	for _, s := range scans {
		assert.Equal(t, "u1", s.OwnerID)
	}

	none, err := repo.ListByOwner(ctx, "nobody", 20)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryScanRepo_ListByOwner_TiesKeepInsertionOrderNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryScanRepo()
	at := time.Now()

	require.NoError(t, repo.Insert(ctx, newPendingScan(t, "first", "u1", at)))
	require.NoError(t, repo.Insert(ctx, newPendingScan(t, "second", "u1", at)))

	scans, err := repo.ListByOwner(ctx, "u1", 20)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	assert.Equal(t, "second", scans[0].ID)
	assert.Equal(t, "first", scans[1].ID)
}

func TestMemoryScanRepo_Delete(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryScanRepo()
	require.NoError(t, repo.Insert(ctx, newPendingScan(t, "s1", "u1", time.Now())))

	ok, err := repo.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryScanRepo_ListStalePending(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryScanRepo()
	now := time.Now()

	require.NoError(t, repo.Insert(ctx, newPendingScan(t, "old", "u1", now.Add(-time.Hour))))
	require.NoError(t, repo.Insert(ctx, newPendingScan(t, "older", "u1", now.Add(-2*time.Hour))))
	require.NoError(t, repo.Insert(ctx, newPendingScan(t, "fresh", "u1", now)))
	require.NoError(t, repo.Insert(ctx, newPendingScan(t, "done", "u1", now.Add(-3*time.Hour))))
	_, err := repo.ConditionalUpdate(ctx, "done", model.ScanStatePending, analyzedTransition(now))
	require.NoError(t, err)

	stale, err := repo.ListStalePending(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "older", stale[0].ID)
	assert.Equal(t, "old", stale[1].ID)

	limited, err := repo.ListStalePending(ctx, now.Add(-time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
