package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/hitoshi/skinscan/internal/analysis"
	"github.com/hitoshi/skinscan/internal/catalog"
	"github.com/hitoshi/skinscan/internal/config"
	"github.com/hitoshi/skinscan/internal/database"
	"github.com/hitoshi/skinscan/internal/handler"
	"github.com/hitoshi/skinscan/internal/logger"
	"github.com/hitoshi/skinscan/internal/metrics"
	"github.com/hitoshi/skinscan/internal/middleware"
	"github.com/hitoshi/skinscan/internal/recommend"
	"github.com/hitoshi/skinscan/internal/repository"
	"github.com/hitoshi/skinscan/internal/scan"
	"github.com/hitoshi/skinscan/internal/security"
	"github.com/hitoshi/skinscan/internal/storage"
	"github.com/hitoshi/skinscan/internal/supervisor"
	workeranalysis "github.com/hitoshi/skinscan/internal/worker/analysis"
	"github.com/hitoshi/skinscan/internal/worker/sweeper"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("analysis_provider", cfg.AnalysisProvider),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// HTTPサーバー、解析ディスパッチャ、未処理スキャンの回収ジョブを1つの監視ツリーで実行する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. リポジトリと画像ストレージの初期化
	scanRepo := repository.NewPostgresScanRepo(db)
	productRepo := repository.NewPostgresProductRepo(db)

	images, err := storage.NewS3Gateway(ctx, storage.Config{
		Bucket:        cfg.S3Bucket,
		Region:        cfg.S3Region,
		Endpoint:      cfg.S3Endpoint,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		PublicBaseURL: cfg.S3PublicBaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize image storage: %w", err)
	}

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 4. 解析プロバイダとワーカーの初期化
	provider, err := newProvider(cfg, collector)
	if err != nil {
		return err
	}

	scanService := scan.NewService(scanRepo, images, collector, log)
	runner := workeranalysis.NewRunner(provider, scanService, log, cfg.AnalysisTimeout)
	dispatcher := workeranalysis.NewDispatcher(runner, cfg.AnalysisQueueSize, cfg.AnalysisMaxConcurrent, collector, log)
	scanService.SetEnqueuer(dispatcher)

	scanSweeper := sweeper.NewSweeper(scanRepo, scanService, log, cfg.PendingScanTTL, cfg.SweepInterval)

	// 5. 推薦と商品カタログ
	matcher := recommend.NewMatcher(productRepo, collector, log)
	catalogService := catalog.NewService(productRepo)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitUpload))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		HealthChecker:     db,
		TokenVerifier:     middleware.NewTokenVerifier(cfg.JWTSecret),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		IPRateLimit:       cfg.RateLimitIP,
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(registry),
		ScanService:       scanService,
		Recommender:       matcher,
		CatalogService:    catalogService,
		MaxUploadBytes:    cfg.UploadMaxBytes,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 7. 監視ツリーの起動
	tree := supervisor.NewTree(log, supervisor.DefaultTreeConfig())
	tree.AddWorker(dispatcher)
	tree.AddWorker(scanSweeper)
	tree.AddAPI(supervisor.NewHTTPServerService(server, shutdownTimeout, log))

	slog.Info("API server starting",
		slog.String("addr", server.Addr),
		slog.Int("analysis_workers", cfg.AnalysisMaxConcurrent),
		slog.Int("analysis_queue_size", cfg.AnalysisQueueSize),
	)

	if err := serveTree(ctx, tree); err != nil {
		return err
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// APIを持たず、期限切れのpendingスキャンの回収のみを行う。
func runWorker(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	scanRepo := repository.NewPostgresScanRepo(db)
	// 回収は終端遷移のみを行うため、画像ストレージは不要
	scanService := scan.NewService(scanRepo, nil, nil, log)
	scanSweeper := sweeper.NewSweeper(scanRepo, scanService, log, cfg.PendingScanTTL, cfg.SweepInterval)

	tree := supervisor.NewTree(log, supervisor.DefaultTreeConfig())
	tree.AddWorker(scanSweeper)

	slog.Info("worker starting",
		slog.Duration("pending_scan_ttl", cfg.PendingScanTTL),
		slog.Duration("sweep_interval", cfg.SweepInterval),
	)

	if err := serveTree(ctx, tree); err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// serveTree は監視ツリーをctxがキャンセルされるまで実行する。
// シグナルによる停止は正常終了として扱う。
func serveTree(ctx context.Context, tree *supervisor.Tree) error {
	err := tree.Serve(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor tree stopped: %w", err)
	}

	if unstopped, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(unstopped) > 0 {
		for _, u := range unstopped {
			slog.Warn("service did not stop in time",
				slog.String("service", u.Name),
			)
		}
	}
	return nil
}

// newProvider は設定に応じた解析プロバイダを構築し、サーキットブレーカーで包む。
func newProvider(cfg *config.Config, collector metrics.MetricsCollector) (analysis.Provider, error) {
	var base analysis.Provider
	switch cfg.AnalysisProvider {
	case config.AnalysisProviderStub:
		base = analysis.NewStubProvider(cfg.AnalysisStubDelay)
	case config.AnalysisProviderHTTP:
		providerCfg := analysis.HTTPProviderConfig{Endpoint: cfg.AnalysisEndpoint}
		if cfg.AnalysisTrustPrivateEndpoint {
			// 社内ネットワーク上の解析サービスを許可する
			base = analysis.NewHTTPProvider(providerCfg, &http.Client{Timeout: cfg.AnalysisTimeout}, nil, security.NewTextSanitizer())
		} else {
			guard := security.NewSSRFGuard()
			base = analysis.NewHTTPProvider(providerCfg, guard.NewSafeClient(cfg.AnalysisTimeout), guard, security.NewTextSanitizer())
		}
	default:
		return nil, fmt.Errorf("unknown analysis provider: %q", cfg.AnalysisProvider)
	}

	return analysis.NewBreakerProvider(base, analysis.DefaultBreakerConfig("analysis"), func(name string, from, to gobreaker.State) {
		slog.Warn("analysis circuit breaker state changed",
			slog.String("name", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
		collector.SetCircuitBreakerState(name, breakerStateValue(to))
	}), nil
}

// breakerStateValue はブレーカー状態をメトリクス値に変換する。
// closed=0, half-open=1, open=2。
func breakerStateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
