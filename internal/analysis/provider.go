// Package analysis は肌画像の解析プロバイダを提供する。
package analysis

import (
	"context"
	"errors"

	"github.com/hitoshi/skinscan/internal/model"
)

// Provider は画像を解析して構造化結果を返す外部モデル。
// 実装はctxのキャンセルに従うべきだが、呼び出し側はそれに依存せず待ち時間を制限する。
type Provider interface {
	Analyze(ctx context.Context, image model.ImageRef) (*model.AnalysisResult, error)
}

// プロバイダが返す分類済みエラー。
var (
	// ErrUnavailable は一時的に利用できない状態（5xx、429、接続失敗、サーキットオープン）。
	ErrUnavailable = errors.New("analysis provider unavailable")
	// ErrRejected はプロバイダが入力を受け付けなかった状態（4xx）。
	ErrRejected = errors.New("analysis request rejected")
	// ErrInvalidResult はプロバイダの応答が解析結果として不正な状態。
	ErrInvalidResult = errors.New("invalid analysis result")
)

// ProviderFunc は関数をProviderとして扱うアダプタ。
type ProviderFunc func(ctx context.Context, image model.ImageRef) (*model.AnalysisResult, error)

// Analyze はf(ctx, image)を呼び出す。
func (f ProviderFunc) Analyze(ctx context.Context, image model.ImageRef) (*model.AnalysisResult, error) {
	return f(ctx, image)
}
