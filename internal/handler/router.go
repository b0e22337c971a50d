package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/skinscan/internal/metrics"
	"github.com/hitoshi/skinscan/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger        *slog.Logger
	HealthChecker HealthChecker

	// ミドルウェア依存
	TokenVerifier     *middleware.TokenVerifier
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	// IPRateLimit は商品カタログのIP単位の上限（req/min）。0の場合は無効。
	IPRateLimit int

	// メトリクス
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler

	ScanService    ScanServiceInterface
	Recommender    RecommenderInterface
	CatalogService CatalogServiceInterface
	MaxUploadBytes int64
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → Metrics → SecurityHeaders → CORS → Auth → RateLimit(General)
//
// /health、/metrics、商品カタログは認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.NopCollector{}
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	scanHandler := NewScanHandler(deps.ScanService, deps.Recommender, deps.MaxUploadBytes)
	productHandler := NewProductHandler(deps.CatalogService)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// 商品カタログは公開。IP単位で上限を設ける
	r.Group(func(r chi.Router) {
		if deps.IPRateLimit > 0 {
			r.Use(middleware.NewIPRateLimitMiddleware(deps.IPRateLimit))
		}
		r.Route("/api/products", func(r chi.Router) {
			r.Get("/", productHandler.List)
			r.Get("/{id}", productHandler.Get)
		})
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.TokenVerifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/scans", func(r chi.Router) {
			// アップロードは専用のレート制限を追加
			r.With(deps.RateLimiter.UploadMiddleware()).Post("/", scanHandler.Upload)
			r.Get("/", scanHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", scanHandler.Get)
				r.Delete("/", scanHandler.Delete)
				r.Get("/recommendations", scanHandler.Recommendations)
			})
		})
	})

	return r
}
