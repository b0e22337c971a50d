package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/skinscan/internal/metrics"
	"github.com/hitoshi/skinscan/internal/model"
	"github.com/hitoshi/skinscan/internal/repository"
)

// --- モック定義 ---

// mockImageStore はImageStoreのモック。
type mockImageStore struct {
	storeFn   func(ctx context.Context, ownerID, contentType string, data []byte) (model.ImageRef, error)
	releaseFn func(ctx context.Context, storageID string) error

	mu       sync.Mutex
	released []string
}

func (m *mockImageStore) Store(ctx context.Context, ownerID, contentType string, data []byte) (model.ImageRef, error) {
	if m.storeFn != nil {
		return m.storeFn(ctx, ownerID, contentType, data)
	}
	return model.ImageRef{URL: "https://cdn.example.com/scans/x.jpg", StorageID: "scans/x.jpg"}, nil
}

func (m *mockImageStore) Release(ctx context.Context, storageID string) error {
	m.mu.Lock()
	m.released = append(m.released, storageID)
	m.mu.Unlock()
	if m.releaseFn != nil {
		return m.releaseFn(ctx, storageID)
	}
	return nil
}

// mockEnqueuer はEnqueuerのモック。
type mockEnqueuer struct {
	enqueueFn func(scanID string, image model.ImageRef) error
	jobs      []string
}

func (m *mockEnqueuer) Enqueue(scanID string, image model.ImageRef) error {
	if m.enqueueFn != nil {
		if err := m.enqueueFn(scanID, image); err != nil {
			return err
		}
	}
	m.jobs = append(m.jobs, scanID)
	return nil
}

// mockScanRepo はScanRepositoryのモック。未設定のメソッドはメモリ実装に委譲する。
type mockScanRepo struct {
	*repository.MemoryScanRepo
	insertFn            func(ctx context.Context, scan *model.Scan) error
	conditionalUpdateFn func(ctx context.Context, id string, expected model.ScanState, t model.ScanTransition) (bool, error)
	deleteFn            func(ctx context.Context, id string) (bool, error)
}

func (m *mockScanRepo) Insert(ctx context.Context, scan *model.Scan) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, scan)
	}
	return m.MemoryScanRepo.Insert(ctx, scan)
}

func (m *mockScanRepo) ConditionalUpdate(ctx context.Context, id string, expected model.ScanState, t model.ScanTransition) (bool, error) {
	if m.conditionalUpdateFn != nil {
		return m.conditionalUpdateFn(ctx, id, expected, t)
	}
	return m.MemoryScanRepo.ConditionalUpdate(ctx, id, expected, t)
}

func (m *mockScanRepo) Delete(ctx context.Context, id string) (bool, error) {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return m.MemoryScanRepo.Delete(ctx, id)
}

// recordingMetrics は遷移の記録回数を数えるMetricsCollector。
type recordingMetrics struct {
	metrics.NopCollector
	mu        sync.Mutex
	created   int
	completed int
	failed    map[string]int
}

func (m *recordingMetrics) RecordScanCreated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
}

func (m *recordingMetrics) RecordAnalysisCompleted(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

func (m *recordingMetrics) RecordAnalysisFailed(kind string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed == nil {
		m.failed = map[string]int{}
	}
	m.failed[kind]++
}

// --- ヘルパー ---

type fixture struct {
	svc     *Service
	repo    *mockScanRepo
	images  *mockImageStore
	queue   *mockEnqueuer
	metrics *recordingMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    &mockScanRepo{MemoryScanRepo: repository.NewMemoryScanRepo()},
		images:  &mockImageStore{},
		queue:   &mockEnqueuer{},
		metrics: &recordingMetrics{},
	}
	f.svc = NewService(f.repo, f.images, f.metrics, nil)
	f.svc.SetEnqueuer(f.queue)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	f.svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	seq := 0
	f.svc.newID = func() string {
		seq++
		return fmt.Sprintf("scan-%02d", seq)
	}
	return f
}

func sampleResult() *model.AnalysisResult {
	return &model.AnalysisResult{
		Analysis: model.Analysis{
			SkinType: model.SkinTypeCombination,
			Concerns: []model.Concern{{Type: model.ConcernAcne, Severity: model.SeverityMild, Confidence: 0.85}},
			Hints:    []model.RecommendationHint{{Type: "cleanser", Description: "gentle", Priority: model.PriorityHigh}},
		},
		OverallConfidence: 0.82,
	}
}

// --- CreateScan ---

func TestCreateScan_PersistsPendingScan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	scan, err := f.svc.CreateScan(ctx, "u1", model.ImageRef{URL: "img://x"})
	require.NoError(t, err)

	assert.Equal(t, model.ScanStatePending, scan.State)
	assert.Equal(t, "u1", scan.OwnerID)
	assert.Nil(t, scan.Analysis)
	assert.Nil(t, scan.ProcessedAt)
	assert.Equal(t, 1, f.metrics.created)

	stored, err := f.repo.FindByID(ctx, scan.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.ScanStatePending, stored.State)
}

func TestCreateScan_ValidationError(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		owner string
		image model.ImageRef
	}{
		{name: "ユーザーが空", owner: "", image: model.ImageRef{URL: "img://x"}},
		{name: "画像参照が空", owner: "u1", image: model.ImageRef{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateScan(context.Background(), tt.owner, tt.image)
			assert.True(t, model.IsKind(err, model.KindValidation), "got %v", err)
		})
	}
	assert.Equal(t, 0, f.metrics.created)
}

func TestCreateScan_PersistenceError(t *testing.T) {
	f := newFixture(t)
	f.repo.insertFn = func(context.Context, *model.Scan) error { return errors.New("connection reset") }

	_, err := f.svc.CreateScan(context.Background(), "u1", model.ImageRef{URL: "img://x"})
	assert.True(t, model.IsKind(err, model.KindPersistence))
}

// --- CompleteAnalysis / FailAnalysis ---

func TestCompleteAnalysis_TransitionsToAnalyzed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scan, err := f.svc.CreateScan(ctx, "u1", model.ImageRef{URL: "img://x"})
	require.NoError(t, err)

	done, err := f.svc.CompleteAnalysis(ctx, scan.ID, sampleResult())
	require.NoError(t, err)

	assert.Equal(t, model.ScanStateAnalyzed, done.State)
	require.NotNil(t, done.Analysis)
	assert.Equal(t, model.SkinTypeCombination, done.Analysis.SkinType)
	assert.InDelta(t, 0.82, *done.OverallConfidence, 1e-9)
	require.NotNil(t, done.ProcessedAt)
	assert.True(t, done.ProcessedAt.After(done.CreatedAt))
	assert.NoError(t, done.CheckInvariants())
	assert.Equal(t, 1, f.metrics.completed)
}

func TestCompleteAnalysis_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scan, err := f.svc.CreateScan(ctx, "u1", model.ImageRef{URL: "img://x"})
	require.NoError(t, err)

	first, err := f.svc.CompleteAnalysis(ctx, scan.ID, sampleResult())
	require.NoError(t, err)

	other := sampleResult()
	other.Analysis.SkinType = model.SkinTypeDry
	other.OverallConfidence = 0.1
	second, err := f.svc.CompleteAnalysis(ctx, scan.ID, other)
	require.NoError(t, err)

	assert.Equal(t, model.SkinTypeCombination, second.Analysis.SkinType, "二回目の結果で上書きしない")
	assert.Equal(t, *first.ProcessedAt, *second.ProcessedAt)

	failed, err := f.svc.FailAnalysis(ctx, scan.ID, model.NewFailureReason(model.FailureTimeout))
	require.NoError(t, err)
	assert.Equal(t, model.ScanStateAnalyzed, failed.State, "終端状態からfailedへは遷移しない")
	assert.Nil(t, failed.FailureReason)

	assert.Equal(t, 1, f.metrics.completed)
	assert.Empty(t, f.metrics.failed)
}

func TestFailAnalysis_RecordsClassifiedReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scan, err := f.svc.CreateScan(ctx, "u1", model.ImageRef{URL: "img://x"})
	require.NoError(t, err)

	failed, err := f.svc.FailAnalysis(ctx, scan.ID, model.NewFailureReason(model.FailureTimeout))
	require.NoError(t, err)

	assert.Equal(t, model.ScanStateFailed, failed.State)
	require.NotNil(t, failed.FailureReason)
	assert.Equal(t, model.FailureTimeout, failed.FailureReason.Kind)
	assert.Nil(t, failed.Analysis)
	assert.Nil(t, failed.OverallConfidence)
	assert.NoError(t, failed.CheckInvariants())
	assert.Equal(t, 1, f.metrics.failed["timeout"])

	again, err := f.svc.CompleteAnalysis(ctx, scan.ID, sampleResult())
	require.NoError(t, err)
	assert.Equal(t, model.ScanStateFailed, again.State)
}

func TestFailAnalysis_EmptyReasonIsClassifiedAsProviderError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scan, err := f.svc.CreateScan(ctx, "u1", model.ImageRef{URL: "img://x"})
	require.NoError(t, err)

	failed, err := f.svc.FailAnalysis(ctx, scan.ID, model.FailureReason{})
	require.NoError(t, err)
	assert.Equal(t, model.FailureProviderError, failed.FailureReason.Kind)
	assert.NotEmpty(t, failed.FailureReason.Message)
}

func TestTransition_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CompleteAnalysis(ctx, "missing", sampleResult())
	assert.True(t, model.IsKind(err, model.KindNotFound))

	_, err = f.svc.FailAnalysis(ctx, "missing", model.NewFailureReason(model.FailureTimeout))
	assert.True(t, model.IsKind(err, model.KindNotFound))
}

func TestCompleteAnalysis_RejectsInvalidResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scan, err := f.svc.CreateScan(ctx, "u1", model.ImageRef{URL: "img://x"})
	require.NoError(t, err)

	bad := sampleResult()
	bad.OverallConfidence = 1.5
	_, err = f.svc.CompleteAnalysis(ctx, scan.ID, bad)
	assert.True(t, model.IsKind(err, model.KindValidation))
	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 1, strings.Count(apiErr.Message, "入力内容が不正です"), "検証エラーを二重に包まない")

	_, err = f.svc.CompleteAnalysis(ctx, scan.ID, nil)
	assert.True(t, model.IsKind(err, model.KindValidation))

	got, err := f.svc.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatePending, got.State)
}

func TestTransition_LostRaceReturnsWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scan, err := f.svc.CreateScan(ctx, "u1", model.ImageRef{URL: "img://x"})
	require.NoError(t, err)

	// 読み取り後、更新前に別の呼び出しが失敗遷移を反映した状況を再現する
	f.repo.conditionalUpdateFn = func(ctx context.Context, id string, expected model.ScanState, _ model.ScanTransition) (bool, error) {
		winner := model.FailedTransition(model.NewFailureReason(model.FailureTimeout), time.Now())
		_, err := f.repo.MemoryScanRepo.ConditionalUpdate(ctx, id, expected, winner)
		require.NoError(t, err)
		return false, nil
	}

	got, err := f.svc.CompleteAnalysis(ctx, scan.ID, sampleResult())
	require.NoError(t, err)
	assert.Equal(t, model.ScanStateFailed, got.State)
	assert.Equal(t, 0, f.metrics.completed)
}

func TestTransition_ConcurrentCallbacksApplyOnce(t *testing.T) {
	f := newFixture(t)
	f.svc.now = time.Now
	ctx := context.Background()
	scan, err := f.svc.CreateScan(ctx, "u1", model.ImageRef{URL: "img://x"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = f.svc.CompleteAnalysis(ctx, scan.ID, sampleResult())
			} else {
				_, _ = f.svc.FailAnalysis(ctx, scan.ID, model.NewFailureReason(model.FailureTimeout))
			}
		}(i)
	}
	wg.Wait()

	failedTotal := 0
	for _, n := range f.metrics.failed {
		failedTotal += n
	}
	assert.Equal(t, 1, f.metrics.completed+failedTotal, "終端遷移はちょうど一回")

	got, err := f.svc.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.True(t, got.State.IsTerminal())
	assert.NoError(t, got.CheckInvariants())
}

func TestTransition_PersistenceError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scan, err := f.svc.CreateScan(ctx, "u1", model.ImageRef{URL: "img://x"})
	require.NoError(t, err)

	f.repo.conditionalUpdateFn = func(context.Context, string, model.ScanState, model.ScanTransition) (bool, error) {
		return false, errors.New("deadlock detected")
	}
	_, err = f.svc.CompleteAnalysis(ctx, scan.ID, sampleResult())
	assert.True(t, model.IsKind(err, model.KindPersistence))

	// 再試行で遷移できる
	f.repo.conditionalUpdateFn = nil
	got, err := f.svc.CompleteAnalysis(ctx, scan.ID, sampleResult())
	require.NoError(t, err)
	assert.Equal(t, model.ScanStateAnalyzed, got.State)
}

// --- 参照系 ---

func TestGetOwnedScan_OtherOwnerIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scan, err := f.svc.CreateScan(ctx, "u1", model.ImageRef{URL: "img://x"})
	require.NoError(t, err)

	got, err := f.svc.GetOwnedScan(ctx, "u1", scan.ID)
	require.NoError(t, err)
	assert.Equal(t, scan.ID, got.ID)

	_, err = f.svc.GetOwnedScan(ctx, "u2", scan.ID)
	assert.True(t, model.IsKind(err, model.KindNotFound))

	_, err = f.svc.GetScan(ctx, "missing")
	assert.True(t, model.IsKind(err, model.KindNotFound))
}

func TestListScansForOwner_BoundedAndScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := f.svc.CreateScan(ctx, "u1", model.ImageRef{URL: fmt.Sprintf("img://%d", i)})
		require.NoError(t, err)
	}
	_, err := f.svc.CreateScan(ctx, "u2", model.ImageRef{URL: "img://other"})
	require.NoError(t, err)

	scans, err := f.svc.ListScansForOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, scans, ListPageSize)
	for i, s := range scans {
		assert.Equal(t, "u1", s.OwnerID)
		if i > 0 {
			assert.False(t, s.CreatedAt.After(scans[i-1].CreatedAt), "新しい順")
		}
	}
	assert.Equal(t, "img://24", scans[0].Image.URL)

	empty, err := f.svc.ListScansForOwner(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	_, err = f.svc.ListScansForOwner(ctx, " ")
	assert.True(t, model.IsKind(err, model.KindValidation))
}

// --- DeleteScan ---

func TestDeleteScan_ReleasesImageAndRemovesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scan, err := f.svc.CreateScan(ctx, "u1", model.ImageRef{URL: "img://x", StorageID: "scans/x.jpg"})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteScan(ctx, scan.ID))
	assert.Equal(t, []string{"scans/x.jpg"}, f.images.released)

	_, err = f.svc.GetScan(ctx, scan.ID)
	assert.True(t, model.IsKind(err, model.KindNotFound))
}

func TestDeleteScan_ProceedsWhenReleaseFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.images.releaseFn = func(context.Context, string) error { return errors.New("storage outage") }
	scan, err := f.svc.CreateScan(ctx, "u1", model.ImageRef{URL: "img://x", StorageID: "scans/x.jpg"})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteScan(ctx, scan.ID))

	_, err = f.svc.GetScan(ctx, scan.ID)
	assert.True(t, model.IsKind(err, model.KindNotFound))
}

func TestDeleteScan_NotFoundReleasesNothing(t *testing.T) {
	f := newFixture(t)

	err := f.svc.DeleteScan(context.Background(), "missing")
	assert.True(t, model.IsKind(err, model.KindNotFound))
	assert.Empty(t, f.images.released)
}

func TestDeleteOwnedScan_OtherOwnerIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scan, err := f.svc.CreateScan(ctx, "u1", model.ImageRef{URL: "img://x", StorageID: "k"})
	require.NoError(t, err)

	err = f.svc.DeleteOwnedScan(ctx, "u2", scan.ID)
	assert.True(t, model.IsKind(err, model.KindNotFound))
	assert.Empty(t, f.images.released)

	require.NoError(t, f.svc.DeleteOwnedScan(ctx, "u1", scan.ID))
}

// --- Upload ---

func TestUpload_StoresCreatesAndEnqueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var gotOwner, gotType string
	f.images.storeFn = func(_ context.Context, ownerID, contentType string, data []byte) (model.ImageRef, error) {
		gotOwner, gotType = ownerID, contentType
		return model.ImageRef{URL: "https://cdn.example.com/a.png", StorageID: "scans/a.png"}, nil
	}

	scan, err := f.svc.Upload(ctx, "u1", UploadInput{Data: []byte{0x89, 'P', 'N', 'G'}, ContentType: "image/png", Filename: "a.png"})
	require.NoError(t, err)

	assert.Equal(t, "u1", gotOwner)
	assert.Equal(t, "image/png", gotType)
	assert.Equal(t, model.ScanStatePending, scan.State)
	assert.Equal(t, "https://cdn.example.com/a.png", scan.Image.URL)
	assert.Equal(t, []string{scan.ID}, f.queue.jobs)
}

func TestUpload_StorageFailureCreatesNoScan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.images.storeFn = func(context.Context, string, string, []byte) (model.ImageRef, error) {
		return model.ImageRef{}, errors.New("s3: access denied")
	}

	_, err := f.svc.Upload(ctx, "u1", UploadInput{Data: []byte("x"), ContentType: "image/jpeg"})
	assert.True(t, model.IsKind(err, model.KindDependency))

	scans, err := f.svc.ListScansForOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, scans)
	assert.Empty(t, f.queue.jobs)
}

func TestUpload_PersistenceFailureReleasesImage(t *testing.T) {
	f := newFixture(t)
	f.repo.insertFn = func(context.Context, *model.Scan) error { return errors.New("disk full") }

	_, err := f.svc.Upload(context.Background(), "u1", UploadInput{Data: []byte("x"), ContentType: "image/jpeg"})
	assert.True(t, model.IsKind(err, model.KindPersistence))
	assert.Equal(t, []string{"scans/x.jpg"}, f.images.released)
	assert.Empty(t, f.queue.jobs)
}

func TestUpload_QueueRejectionFailsScan(t *testing.T) {
	f := newFixture(t)
	f.queue.enqueueFn = func(string, model.ImageRef) error { return errors.New("queue full") }

	scan, err := f.svc.Upload(context.Background(), "u1", UploadInput{Data: []byte("x"), ContentType: "image/jpeg"})
	require.NoError(t, err)
	assert.Equal(t, model.ScanStateFailed, scan.State)
	assert.Equal(t, model.FailureUnavailable, scan.FailureReason.Kind)
	assert.Equal(t, 1, f.metrics.failed["unavailable"])
}

func TestUpload_ValidatesInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Upload(context.Background(), "", UploadInput{Data: []byte("x")})
	assert.True(t, model.IsKind(err, model.KindValidation))

	_, err = f.svc.Upload(context.Background(), "u1", UploadInput{})
	assert.True(t, model.IsKind(err, model.KindValidation))
}

// --- 一連の流れ ---

func TestLifecycle_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateScan(ctx, "u1", model.ImageRef{URL: "img://x"})
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatePending, first.State)

	analyzed, err := f.svc.CompleteAnalysis(ctx, first.ID, sampleResult())
	require.NoError(t, err)
	assert.Equal(t, model.ScanStateAnalyzed, analyzed.State)
	assert.Equal(t, sampleResult().Analysis, *analyzed.Analysis)

	second, err := f.svc.CreateScan(ctx, "u1", model.ImageRef{URL: "img://y"})
	require.NoError(t, err)
	failed, err := f.svc.FailAnalysis(ctx, second.ID, model.NewFailureReason(model.FailureTimeout))
	require.NoError(t, err)
	assert.Equal(t, model.ScanStateFailed, failed.State)
	assert.Equal(t, model.FailureTimeout, failed.FailureReason.Kind)
}
