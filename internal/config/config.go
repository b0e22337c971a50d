package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Auth
	JWTSecret string

	// Server
	ServerPort string
	LogLevel   string

	// CORS
	CORSAllowedOrigin string

	// Rate Limit (req/min)
	RateLimitGeneral int
	RateLimitUpload  int
	RateLimitIP      int

	// Upload
	UploadMaxBytes int64

	// Image storage (S3互換)
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3PublicBaseURL string

	// Analysis
	AnalysisProvider             string
	AnalysisEndpoint             string
	AnalysisTimeout              time.Duration
	AnalysisMaxConcurrent        int
	AnalysisQueueSize            int
	AnalysisStubDelay            time.Duration
	AnalysisTrustPrivateEndpoint bool

	// Sweeper
	PendingScanTTL time.Duration
	SweepInterval  time.Duration
}

// 解析プロバイダの種別
const (
	AnalysisProviderStub = "stub"
	AnalysisProviderHTTP = "http"
)

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitUpload = getEnvInt("RATE_LIMIT_UPLOAD", 10)
	cfg.RateLimitIP = getEnvInt("RATE_LIMIT_IP", 300)
	cfg.UploadMaxBytes = getEnvInt64("UPLOAD_MAX_BYTES", 5242880)

	cfg.S3Bucket = getEnvString("S3_BUCKET", "skin-scans")
	cfg.S3Region = getEnvString("S3_REGION", "us-east-1")
	cfg.S3Endpoint = getEnvString("S3_ENDPOINT", "")
	cfg.S3AccessKey = getEnvString("S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnvString("S3_SECRET_KEY", "")
	cfg.S3PublicBaseURL = getEnvString("S3_PUBLIC_BASE_URL", "")

	cfg.AnalysisProvider = strings.ToLower(getEnvString("ANALYSIS_PROVIDER", AnalysisProviderStub))
	cfg.AnalysisEndpoint = getEnvString("ANALYSIS_ENDPOINT", "")
	cfg.AnalysisTimeout = getEnvDuration("ANALYSIS_TIMEOUT", 30*time.Second)
	cfg.AnalysisMaxConcurrent = getEnvInt("ANALYSIS_MAX_CONCURRENT", 4)
	cfg.AnalysisQueueSize = getEnvInt("ANALYSIS_QUEUE_SIZE", 100)
	cfg.AnalysisStubDelay = getEnvDuration("ANALYSIS_STUB_DELAY", 2*time.Second)
	cfg.AnalysisTrustPrivateEndpoint = getEnvBool("ANALYSIS_TRUST_PRIVATE_ENDPOINT", false)

	cfg.PendingScanTTL = getEnvDuration("PENDING_SCAN_TTL", 10*time.Minute)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", time.Minute)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は値同士の整合性を検証する。
func (c *Config) validate() error {
	switch c.AnalysisProvider {
	case AnalysisProviderStub:
	case AnalysisProviderHTTP:
		if c.AnalysisEndpoint == "" {
			return fmt.Errorf("ANALYSIS_ENDPOINT is required when ANALYSIS_PROVIDER=%s", AnalysisProviderHTTP)
		}
	default:
		return fmt.Errorf("unknown ANALYSIS_PROVIDER: %q", c.AnalysisProvider)
	}
	if c.AnalysisTimeout <= 0 {
		return fmt.Errorf("ANALYSIS_TIMEOUT must be positive: %s", c.AnalysisTimeout)
	}
	// 未処理スキャンの回収は解析タイムアウトより後でなければならない
	if c.PendingScanTTL <= c.AnalysisTimeout {
		return fmt.Errorf("PENDING_SCAN_TTL (%s) must be longer than ANALYSIS_TIMEOUT (%s)", c.PendingScanTTL, c.AnalysisTimeout)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
