package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/skinscan/internal/metrics"
	"github.com/hitoshi/skinscan/internal/model"
)

var (
	// ErrQueueFull はジョブキューが満杯で受け付けられない場合のエラー。
	ErrQueueFull = errors.New("analysis queue is full")
	// ErrDispatcherStopped はディスパッチャ停止後に投入された場合のエラー。
	ErrDispatcherStopped = errors.New("analysis dispatcher is stopped")
)

// JobRunner は解析ジョブの実行インターフェース。
type JobRunner interface {
	Run(ctx context.Context, job Job) error
}

// Dispatcher は解析ジョブを有限のキューに受け付け、固定数のワーカーで並列実行する。
// 投入はブロックせず、満杯の場合はErrQueueFullを返す。
type Dispatcher struct {
	runner  JobRunner
	jobs    chan Job
	workers int
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	stopped bool
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
// queueSizeとworkersが0以下の場合はそれぞれ100と4を使用する。
func NewDispatcher(
	runner JobRunner,
	queueSize int,
	workers int,
	metricsCollector metrics.MetricsCollector,
	logger *slog.Logger,
) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 100
	}
	if workers <= 0 {
		workers = 4
	}
	if metricsCollector == nil {
		metricsCollector = metrics.NopCollector{}
	}
	return &Dispatcher{
		runner:  runner,
		jobs:    make(chan Job, queueSize),
		workers: workers,
		metrics: metricsCollector,
		logger:  logger,
		now:     time.Now,
	}
}

// Enqueue は解析ジョブをキューに投入する。
func (d *Dispatcher) Enqueue(scanID string, image model.ImageRef) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return ErrDispatcherStopped
	}

	select {
	case d.jobs <- Job{ScanID: scanID, Image: image, EnqueuedAt: d.now()}:
		d.metrics.SetQueueDepth(len(d.jobs))
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueDepth は実行待ちのジョブ数を返す。
func (d *Dispatcher) QueueDepth() int {
	return len(d.jobs)
}

// Serve はワーカーを起動し、ctxがキャンセルされるまでジョブを処理する。
// 停止時は実行中のジョブの完了を待つ。未着手のジョブはpendingのまま残り、スイーパーが回収する。
func (d *Dispatcher) Serve(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = false
	d.mu.Unlock()

	d.logger.Info("解析ディスパッチャを開始しました",
		slog.Int("workers", d.workers),
		slog.Int("queue_size", cap(d.jobs)),
	)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.work(ctx, worker)
		}(i)
	}

	<-ctx.Done()

	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	wg.Wait()
	d.logger.Info("解析ディスパッチャを停止しました",
		slog.Int("pending_jobs", len(d.jobs)),
	)
	return ctx.Err()
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.jobs:
			d.metrics.SetQueueDepth(len(d.jobs))
			d.runJob(ctx, worker, job)
		}
	}
}

// runJob はジョブを実行する。パニックはワーカーを止めずにログへ記録する。
func (d *Dispatcher) runJob(ctx context.Context, worker int, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("解析ジョブでパニックが発生しました",
				slog.String("scan_id", job.ScanID),
				slog.Int("worker", worker),
				slog.String("panic", fmt.Sprint(rec)),
			)
		}
	}()

	d.logger.Debug("解析ジョブを開始します",
		slog.String("scan_id", job.ScanID),
		slog.Int("worker", worker),
		slog.Duration("queued", d.now().Sub(job.EnqueuedAt)),
	)

	if err := d.runner.Run(ctx, job); err != nil {
		d.logger.Error("解析ジョブの実行に失敗しました",
			slog.String("scan_id", job.ScanID),
			slog.Int("worker", worker),
			slog.String("error", err.Error()),
		)
	}
}

// String はスーパーバイザーのログで使用するサービス名を返す。
func (d *Dispatcher) String() string {
	return "analysis-dispatcher"
}
