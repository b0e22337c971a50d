package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	provider "github.com/hitoshi/skinscan/internal/analysis"
	"github.com/hitoshi/skinscan/internal/model"
)

// Transitioner はスキャンの終端遷移を行うインターフェース。
type Transitioner interface {
	CompleteAnalysis(ctx context.Context, scanID string, result *model.AnalysisResult) (*model.Scan, error)
	FailAnalysis(ctx context.Context, scanID string, reason model.FailureReason) (*model.Scan, error)
}

// Job は1件のスキャン解析ジョブ。
type Job struct {
	ScanID     string
	Image      model.ImageRef
	EnqueuedAt time.Time
}

// Runner は解析プロバイダを呼び出し、結果に応じてスキャンを終端状態に遷移させる。
// 1件のジョブにつき終端遷移はちょうど一回行われる。
type Runner struct {
	provider    provider.Provider
	scans       Transitioner
	logger      *slog.Logger
	timeout     time.Duration
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewRunner はRunnerの新しいインスタンスを生成する。
// timeoutはプロバイダ呼び出し1回あたりの待ち時間の上限。
func NewRunner(p provider.Provider, scans Transitioner, logger *slog.Logger, timeout time.Duration) *Runner {
	return &Runner{
		provider:    p,
		scans:       scans,
		logger:      logger,
		timeout:     timeout,
		maxAttempts: defaultMaxAttempts,
		sleep:       sleepContext,
	}
}

// Run はジョブを実行する。
// プロバイダの成功時はCompleteAnalysis、失敗時（タイムアウトを含む）はFailAnalysisを呼び出す。
// 呼び出し元のキャンセルはプロバイダ呼び出しと状態遷移には伝播しない。
func (r *Runner) Run(ctx context.Context, job Job) error {
	start := time.Now()

	result, err := r.analyze(ctx, job)
	if err != nil {
		reason := model.NewFailureReason(ClassifyError(err))
		r.logger.Warn("スキャンの解析に失敗しました",
			slog.String("scan_id", job.ScanID),
			slog.String("kind", string(reason.Kind)),
			slog.String("error", err.Error()),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
		return r.persist(ctx, job, "fail", func(ctx context.Context) error {
			_, err := r.scans.FailAnalysis(ctx, job.ScanID, reason)
			return err
		})
	}

	return r.persist(ctx, job, "complete", func(ctx context.Context) error {
		_, err := r.scans.CompleteAnalysis(ctx, job.ScanID, result)
		return err
	})
}

// analyze はプロバイダを呼び出し、timeoutで待ち時間を打ち切る。
// プロバイダがctxに従わない場合でも待ち時間は制限される。
func (r *Runner) analyze(ctx context.Context, job Job) (*model.AnalysisResult, error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	type outcome struct {
		result *model.AnalysisResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.provider.Analyze(actx, job.Image)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil && o.result == nil {
			return nil, fmt.Errorf("%w: empty result", provider.ErrInvalidResult)
		}
		if o.err == nil {
			if err := o.result.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %v", provider.ErrInvalidResult, err)
			}
		}
		return o.result, o.err
	case <-actx.Done():
		return nil, actx.Err()
	}
}

// persist は状態遷移を実行し、永続化の失敗を指数バックオフで再試行する。
func (r *Runner) persist(ctx context.Context, job Job, op string, fn func(ctx context.Context) error) error {
	pctx := context.WithoutCancel(ctx)

	var err error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			if serr := r.sleep(pctx, CalculateBackoff(attempt-1)); serr != nil {
				return serr
			}
		}

		err = fn(pctx)
		if err == nil {
			return nil
		}
		if model.IsKind(err, model.KindNotFound) {
			r.logger.Info("解析中にスキャンが削除されました",
				slog.String("scan_id", job.ScanID),
			)
			return nil
		}
		if !IsRetryable(err) {
			return fmt.Errorf("スキャンの状態遷移(%s)に失敗: %w", op, err)
		}

		r.logger.Warn("スキャンの状態遷移に失敗しました。再試行します",
			slog.String("scan_id", job.ScanID),
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return fmt.Errorf("スキャンの状態遷移(%s)が%d回失敗しました: %w", op, r.maxAttempts, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
