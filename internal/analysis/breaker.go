package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/hitoshi/skinscan/internal/model"
)

// BreakerConfig はサーキットブレーカーの設定。
type BreakerConfig struct {
	// Name はブレーカーの識別名。メトリクスのラベルに使用する。
	Name string

	// MaxRequests はハーフオープン状態で許可するリクエスト数。
	MaxRequests uint32

	// Interval はクローズ状態でカウントをリセットする周期。
	Interval time.Duration

	// Timeout はオープン状態からハーフオープンに移るまでの時間。
	Timeout time.Duration

	// FailureThreshold はオープンに移る連続失敗回数。
	FailureThreshold uint32
}

// DefaultBreakerConfig は本番向けの既定値を返す。
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// StateListener はブレーカーの状態遷移を受け取る関数。
type StateListener func(name string, from, to gobreaker.State)

// BreakerProvider は下位プロバイダの一時障害が続いた場合に呼び出しを遮断する。
// 遮断中の呼び出しはErrUnavailableとして即座に失敗する。
type BreakerProvider struct {
	next Provider
	cb   *gobreaker.CircuitBreaker[*model.AnalysisResult]
}

var _ Provider = (*BreakerProvider)(nil)

// NewBreakerProvider はBreakerProviderを生成する。listenerはnilでもよい。
func NewBreakerProvider(next Provider, cfg BreakerConfig, listener StateListener) *BreakerProvider {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// 入力起因の失敗はプロバイダの健全性と無関係
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if listener != nil {
				listener(name, from, to)
			}
		},
	}

	return &BreakerProvider{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[*model.AnalysisResult](settings),
	}
}

// Analyze はブレーカー経由で下位プロバイダを呼び出す。
func (p *BreakerProvider) Analyze(ctx context.Context, image model.ImageRef) (*model.AnalysisResult, error) {
	result, err := p.cb.Execute(func() (*model.AnalysisResult, error) {
		return p.next.Analyze(ctx, image)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result, err
}

// State は現在のブレーカー状態を返す。
func (p *BreakerProvider) State() gobreaker.State {
	return p.cb.State()
}

// Name はブレーカーの識別名を返す。
func (p *BreakerProvider) Name() string {
	return p.cb.Name()
}
