// Package scan はスキャンのライフサイクル管理を提供する。
// pendingで作成されたスキャンを、解析結果に応じてanalyzedまたはfailedへ一度だけ遷移させる。
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/skinscan/internal/metrics"
	"github.com/hitoshi/skinscan/internal/model"
	"github.com/hitoshi/skinscan/internal/repository"
)

// ListPageSize はユーザーごとのスキャン一覧の最大件数。
const ListPageSize = 20

// ImageStore は画像ストレージゲートウェイのインターフェース。
type ImageStore interface {
	// Store は画像を保存し、参照情報を返す。
	Store(ctx context.Context, ownerID, contentType string, data []byte) (model.ImageRef, error)
	// Release は保存済みの画像を解放する。
	Release(ctx context.Context, storageID string) error
}

// Enqueuer は解析ジョブの投入先。
// 投入はブロックせず、受け付けられない場合はエラーを返す。
type Enqueuer interface {
	Enqueue(scanID string, image model.ImageRef) error
}

// UploadInput はアップロードされた画像の内容。
type UploadInput struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Service はスキャンのライフサイクルを管理するサービス層。
type Service struct {
	repo    repository.ScanRepository
	images  ImageStore
	queue   Enqueuer
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewService はServiceの新しいインスタンスを生成する。
// metricsCollectorとloggerはnilでもよい。
func NewService(
	repo repository.ScanRepository,
	images ImageStore,
	metricsCollector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	if metricsCollector == nil {
		metricsCollector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		images:  images,
		metrics: metricsCollector,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// SetEnqueuer は解析ジョブの投入先を設定する。
// ワーカーがServiceに依存するため、生成後に設定する。
func (s *Service) SetEnqueuer(q Enqueuer) {
	s.queue = q
}

// Upload は画像を保存してスキャンを作成し、解析ジョブを投入する。
// 画像の保存に失敗した場合はスキャンを作成しない。
// ジョブが受け付けられなかった場合、スキャンはunavailableとしてfailedに遷移する。
func (s *Service) Upload(ctx context.Context, ownerID string, in UploadInput) (*model.Scan, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, model.NewValidationError("ユーザーが指定されていません")
	}
	if len(in.Data) == 0 {
		return nil, model.NewValidationError("画像ファイルが空です")
	}

	ref, err := s.images.Store(ctx, ownerID, in.ContentType, in.Data)
	if err != nil {
		s.logger.Error("画像の保存に失敗しました",
			slog.String("owner_id", ownerID),
			slog.String("filename", in.Filename),
			slog.String("error", err.Error()),
		)
		return nil, model.NewDependencyError("image_storage", err)
	}

	scan, err := s.CreateScan(ctx, ownerID, ref)
	if err != nil {
		s.releaseImage(ctx, ref.StorageID)
		return nil, err
	}

	if err := s.enqueue(scan); err != nil {
		s.logger.Warn("解析ジョブを投入できませんでした",
			slog.String("scan_id", scan.ID),
			slog.String("error", err.Error()),
		)
		failed, ferr := s.FailAnalysis(ctx, scan.ID, model.NewFailureReason(model.FailureUnavailable))
		if ferr != nil {
			// pendingのまま残った場合はスイーパーが回収する
			s.logger.Error("スキャンの失敗遷移に失敗しました",
				slog.String("scan_id", scan.ID),
				slog.String("error", ferr.Error()),
			)
			return scan, nil
		}
		return failed, nil
	}

	return scan, nil
}

func (s *Service) enqueue(scan *model.Scan) error {
	if s.queue == nil {
		return fmt.Errorf("analysis queue is not configured")
	}
	return s.queue.Enqueue(scan.ID, scan.Image)
}

// CreateScan はpending状態のスキャンを作成して永続化する。
func (s *Service) CreateScan(ctx context.Context, ownerID string, image model.ImageRef) (*model.Scan, error) {
	scan, err := model.NewScan(s.newID(), ownerID, image, s.now().UTC())
	if err != nil {
		return nil, err
	}

	if err := s.repo.Insert(ctx, scan); err != nil {
		return nil, model.NewPersistenceError("insert scan", err)
	}

	s.metrics.RecordScanCreated()
	s.logger.Info("スキャンを作成しました",
		slog.String("scan_id", scan.ID),
		slog.String("owner_id", scan.OwnerID),
	)
	return scan, nil
}

// CompleteAnalysis は解析結果を反映してスキャンをanalyzedに遷移させる。
// 既に終端状態の場合は何もせず現在のスキャンを返す。
func (s *Service) CompleteAnalysis(ctx context.Context, scanID string, result *model.AnalysisResult) (*model.Scan, error) {
	if result == nil {
		return nil, model.NewValidationError("解析結果が指定されていません")
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return s.transition(ctx, scanID, model.AnalyzedTransition(result, s.now().UTC()))
}

// FailAnalysis は分類済みの理由を記録してスキャンをfailedに遷移させる。
// 既に終端状態の場合は何もせず現在のスキャンを返す。
func (s *Service) FailAnalysis(ctx context.Context, scanID string, reason model.FailureReason) (*model.Scan, error) {
	if reason.Kind == "" {
		reason = model.NewFailureReason(model.FailureProviderError)
	}
	if reason.Message == "" {
		reason.Message = reason.Kind.Summary()
	}
	return s.transition(ctx, scanID, model.FailedTransition(reason, s.now().UTC()))
}

// transition はpendingからの条件付き更新で遷移を一度だけ反映する。
// 競合して更新できなかった場合は、先に反映された終端状態を読み直して返す。
func (s *Service) transition(ctx context.Context, scanID string, t model.ScanTransition) (*model.Scan, error) {
	scan, err := s.repo.FindByID(ctx, scanID)
	if err != nil {
		return nil, model.NewPersistenceError("find scan", err)
	}
	if scan == nil {
		return nil, model.NewScanNotFoundError(scanID)
	}
	if scan.State.IsTerminal() {
		s.logger.Debug("終端状態のスキャンへの遷移を無視しました",
			slog.String("scan_id", scanID),
			slog.String("state", string(scan.State)),
			slog.String("requested", string(t.State)),
		)
		return scan, nil
	}

	applied, err := s.repo.ConditionalUpdate(ctx, scanID, model.ScanStatePending, t)
	if err != nil {
		return nil, model.NewPersistenceError("update scan state", err)
	}
	if !applied {
		current, err := s.repo.FindByID(ctx, scanID)
		if err != nil {
			return nil, model.NewPersistenceError("find scan", err)
		}
		if current == nil {
			return nil, model.NewScanNotFoundError(scanID)
		}
		return current, nil
	}

	scan.Apply(t)
	s.recordTransition(scan)
	return scan, nil
}

func (s *Service) recordTransition(scan *model.Scan) {
	latency := scan.ProcessedAt.Sub(scan.CreatedAt)
	switch scan.State {
	case model.ScanStateAnalyzed:
		s.metrics.RecordAnalysisCompleted(latency)
		s.logger.Info("スキャンの解析が完了しました",
			slog.String("scan_id", scan.ID),
			slog.Float64("confidence", *scan.OverallConfidence),
		)
	case model.ScanStateFailed:
		s.metrics.RecordAnalysisFailed(string(scan.FailureReason.Kind), latency)
		s.logger.Warn("スキャンの解析に失敗しました",
			slog.String("scan_id", scan.ID),
			slog.String("reason", scan.FailureReason.String()),
		)
	}
}

// GetScan は指定IDのスキャンを返す。
func (s *Service) GetScan(ctx context.Context, scanID string) (*model.Scan, error) {
	scan, err := s.repo.FindByID(ctx, scanID)
	if err != nil {
		return nil, model.NewPersistenceError("find scan", err)
	}
	if scan == nil {
		return nil, model.NewScanNotFoundError(scanID)
	}
	return scan, nil
}

// GetOwnedScan は指定ユーザーが所有するスキャンを返す。
// 他のユーザーのスキャンは存在しないものとして扱う。
func (s *Service) GetOwnedScan(ctx context.Context, ownerID, scanID string) (*model.Scan, error) {
	scan, err := s.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if scan.OwnerID != ownerID {
		return nil, model.NewScanNotFoundError(scanID)
	}
	return scan, nil
}

// ListScansForOwner は指定ユーザーのスキャンを新しい順に最大ListPageSize件返す。
func (s *Service) ListScansForOwner(ctx context.Context, ownerID string) ([]*model.Scan, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, model.NewValidationError("ユーザーが指定されていません")
	}
	scans, err := s.repo.ListByOwner(ctx, ownerID, ListPageSize)
	if err != nil {
		return nil, model.NewPersistenceError("list scans", err)
	}
	if scans == nil {
		scans = []*model.Scan{}
	}
	return scans, nil
}

// DeleteScan は画像の解放を試みたうえでスキャンを削除する。
// 画像の解放に失敗しても削除は続行する。
func (s *Service) DeleteScan(ctx context.Context, scanID string) error {
	scan, err := s.GetScan(ctx, scanID)
	if err != nil {
		return err
	}
	return s.delete(ctx, scan)
}

// DeleteOwnedScan は指定ユーザーが所有するスキャンを削除する。
func (s *Service) DeleteOwnedScan(ctx context.Context, ownerID, scanID string) error {
	scan, err := s.GetOwnedScan(ctx, ownerID, scanID)
	if err != nil {
		return err
	}
	return s.delete(ctx, scan)
}

func (s *Service) delete(ctx context.Context, scan *model.Scan) error {
	s.releaseImage(ctx, scan.Image.StorageID)

	deleted, err := s.repo.Delete(ctx, scan.ID)
	if err != nil {
		return model.NewPersistenceError("delete scan", err)
	}
	if !deleted {
		return model.NewScanNotFoundError(scan.ID)
	}

	s.logger.Info("スキャンを削除しました", slog.String("scan_id", scan.ID))
	return nil
}

// releaseImage は画像の解放を試みる。失敗はログに記録するのみ。
func (s *Service) releaseImage(ctx context.Context, storageID string) {
	if storageID == "" || s.images == nil {
		return
	}
	if err := s.images.Release(ctx, storageID); err != nil {
		s.logger.Warn("画像の解放に失敗しました",
			slog.String("storage_id", storageID),
			slog.String("error", err.Error()),
		)
	}
}
