// Package analysis は解析ジョブのキューイングと実行を提供する。
// ディスパッチャ、ランナー、失敗分類とリトライ戦略を含む。
package analysis

import (
	"context"
	"errors"
	"time"

	provider "github.com/hitoshi/skinscan/internal/analysis"
	"github.com/hitoshi/skinscan/internal/model"
)

const (
	// initialBackoff は状態遷移の再試行の初回遅延。
	initialBackoff = 200 * time.Millisecond
	// maxBackoff は状態遷移の再試行の最大遅延。
	maxBackoff = 5 * time.Second
	// defaultMaxAttempts は状態遷移の最大試行回数。
	defaultMaxAttempts = 3
)

// ClassifyError はプロバイダ呼び出しのエラーを失敗分類に変換する。
// 分類のみを記録し、エラー内容はスキャンに残さない。
func ClassifyError(err error) model.FailureKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return model.FailureTimeout
	case errors.Is(err, provider.ErrUnavailable), errors.Is(err, ErrQueueFull):
		return model.FailureUnavailable
	case errors.Is(err, provider.ErrRejected):
		return model.FailureRejected
	case errors.Is(err, provider.ErrInvalidResult):
		return model.FailureInvalidResult
	default:
		return model.FailureProviderError
	}
}

// CalculateBackoff は試行回数に基づいて指数バックオフ遅延を計算する。
// 初回200ミリ秒、2倍ずつ増加、最大5秒。
func CalculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// IsRetryable は状態遷移の失敗が再試行可能かを返す。
// 遷移は冪等なため、永続化の失敗のみ再試行する。
func IsRetryable(err error) bool {
	return model.IsKind(err, model.KindPersistence)
}
