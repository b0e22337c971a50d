package analysis

import (
	"context"
	"time"

	"github.com/hitoshi/skinscan/internal/model"
)

// StubProvider は外部モデルの代わりに固定の解析結果を返すプロバイダ。
// 開発環境と結合テストで使用する。
type StubProvider struct {
	delay time.Duration
}

var _ Provider = (*StubProvider)(nil)

// NewStubProvider は指定の処理時間を模擬するStubProviderを生成する。
func NewStubProvider(delay time.Duration) *StubProvider {
	return &StubProvider{delay: delay}
}

// Analyze はdelay経過後に固定の解析結果を返す。ctxが先に終了した場合はctxのエラーを返す。
func (p *StubProvider) Analyze(ctx context.Context, _ model.ImageRef) (*model.AnalysisResult, error) {
	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return StubResult(), nil
}

// StubResult はStubProviderが返す解析結果を生成する。
func StubResult() *model.AnalysisResult {
	return &model.AnalysisResult{
		Analysis: model.Analysis{
			SkinType: model.SkinTypeCombination,
			Concerns: []model.Concern{
				{Type: model.ConcernAcne, Severity: model.SeverityMild, Confidence: 0.85},
				{Type: model.ConcernHyperpigmentation, Severity: model.SeverityModerate, Confidence: 0.78},
			},
			Hints: []model.RecommendationHint{
				{Type: "cleanser", Description: "Gentle cleanser with salicylic acid", Priority: model.PriorityHigh},
				{Type: "serum", Description: "Vitamin C serum for brightening", Priority: model.PriorityMedium},
			},
		},
		OverallConfidence: 0.82,
	}
}
