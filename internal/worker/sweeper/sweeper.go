// Package sweeper は期限を過ぎてpendingのまま残ったスキャンを回収するジョブを提供する。
// 作成から解析までの間にプロセスが停止した場合でも、スキャンがpendingに残り続けないようにする。
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/skinscan/internal/model"
)

// defaultBatchSize は1回の実行で回収する最大件数。
const defaultBatchSize = 100

// StaleScanLister は期限切れのpendingスキャンを取得するインターフェース。
type StaleScanLister interface {
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*model.Scan, error)
}

// Failer はスキャンをfailedに遷移させるインターフェース。
type Failer interface {
	FailAnalysis(ctx context.Context, scanID string, reason model.FailureReason) (*model.Scan, error)
}

// Sweeper は期限切れのpendingスキャンをtimeoutとしてfailedに遷移させるジョブ。
// 遷移は条件付き更新で行われるため、解析の完了と競合しても二重に反映されない。
type Sweeper struct {
	lister    StaleScanLister
	scans     Failer
	logger    *slog.Logger
	ttl       time.Duration
	interval  time.Duration
	BatchSize int
	now       func() time.Time
}

// NewSweeper は新しいSweeperを生成する。
// ttlはpendingのまま許容する期間、intervalは実行間隔。
func NewSweeper(lister StaleScanLister, scans Failer, logger *slog.Logger, ttl, interval time.Duration) *Sweeper {
	return &Sweeper{
		lister:    lister,
		scans:     scans,
		logger:    logger,
		ttl:       ttl,
		interval:  interval,
		BatchSize: defaultBatchSize,
		now:       time.Now,
	}
}

// RunOnce は期限切れのpendingスキャンを1バッチ分回収し、failedに遷移させた件数を返す。
// 冪等: 対象がない場合でもエラーにならない。
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	cutoff := s.now().Add(-s.ttl)

	stale, err := s.lister.ListStalePending(ctx, cutoff, s.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("期限切れスキャンの取得に失敗: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	reason := model.NewFailureReason(model.FailureTimeout)
	swept := 0
	for _, scan := range stale {
		if ctx.Err() != nil {
			break
		}
		updated, err := s.scans.FailAnalysis(ctx, scan.ID, reason)
		if err != nil {
			if model.IsKind(err, model.KindNotFound) {
				continue
			}
			s.logger.Error("期限切れスキャンの失敗遷移に失敗しました",
				slog.String("scan_id", scan.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		// 解析の完了が先に反映された場合は数えない
		if updated.State == model.ScanStateFailed && updated.FailureReason != nil && updated.FailureReason.Kind == model.FailureTimeout {
			swept++
		}
	}

	s.logger.Info("期限切れスキャンの回収が完了しました",
		slog.Int("candidates", len(stale)),
		slog.Int("swept", swept),
		slog.Duration("ttl", s.ttl),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return swept, nil
}

// Serve は一定間隔でRunOnceを実行する。起動直後に1回実行する。
// ctxがキャンセルされるまで実行を継続する。
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("スイーパーを開始しました",
		slog.Duration("interval", s.interval),
		slog.Duration("ttl", s.ttl),
	)

	s.runAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("スイーパーを停止しました")
			return ctx.Err()
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Sweeper) runAndLog(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("スイーパーの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// String はスーパーバイザーのログで使用するサービス名を返す。
func (s *Sweeper) String() string {
	return "pending-scan-sweeper"
}
