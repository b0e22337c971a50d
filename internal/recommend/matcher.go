// Package recommend は解析済みスキャンに対する商品推奨を提供する。
package recommend

import (
	"context"
	"log/slog"
	"sort"

	"github.com/hitoshi/skinscan/internal/metrics"
	"github.com/hitoshi/skinscan/internal/model"
	"github.com/hitoshi/skinscan/internal/repository"
)

// MaxRecommendations は推奨商品の最大件数。
const MaxRecommendations = 10

// Matcher は解析結果とカタログから推奨商品の順位付きリストを算出する。
// 推奨結果は保存せず、呼び出しごとに算出する。
type Matcher struct {
	catalog repository.CatalogStore
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewMatcher はMatcherの新しいインスタンスを生成する。
func NewMatcher(catalog repository.CatalogStore, metricsCollector metrics.MetricsCollector, logger *slog.Logger) *Matcher {
	if metricsCollector == nil {
		metricsCollector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		catalog: catalog,
		metrics: metricsCollector,
		logger:  logger,
	}
}

// FilterFor はスキャンの解析結果から抽出条件を組み立てる。
func FilterFor(analysis *model.Analysis) model.RecommendationFilter {
	return model.RecommendationFilter{
		SkinType: analysis.SkinType,
		Concerns: analysis.ConcernTypes(),
		Limit:    MaxRecommendations,
	}
}

// Recommend は解析済みスキャンに対する推奨商品を評価の高い順に返す。
// 同率の商品は登録順を保つ。該当がない場合は空のスライスを返す。
func (m *Matcher) Recommend(ctx context.Context, scan *model.Scan) ([]*model.Product, error) {
	if scan == nil {
		return nil, model.NewValidationError("スキャンが指定されていません")
	}
	if scan.State != model.ScanStateAnalyzed || scan.Analysis == nil {
		return nil, model.NewInvalidStateError(scan.ID, scan.State)
	}

	filter := FilterFor(scan.Analysis)
	products, err := m.catalog.QueryActive(ctx, filter)
	if err != nil {
		return nil, model.NewPersistenceError("query catalog", err)
	}

	// カタログの実装に依らず条件と順序を保証する
	ranked := make([]*model.Product, 0, len(products))
	for _, p := range products {
		if filter.Matches(p) {
			ranked = append(ranked, p)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Rating.Average > ranked[j].Rating.Average
	})
	if len(ranked) > MaxRecommendations {
		ranked = ranked[:MaxRecommendations]
	}

	m.metrics.RecordRecommendationsServed(len(ranked))
	m.logger.Debug("推奨商品を算出しました",
		slog.String("scan_id", scan.ID),
		slog.String("skin_type", string(filter.SkinType)),
		slog.Int("count", len(ranked)),
	)
	return ranked, nil
}
