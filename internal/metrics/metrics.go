// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// スキャンサービス、解析ワーカー、HTTP層から利用する。
type MetricsCollector interface {
	RecordScanCreated()
	RecordAnalysisCompleted(latency time.Duration)
	RecordAnalysisFailed(kind string, latency time.Duration)
	RecordRecommendationsServed(count int)
	SetQueueDepth(depth int)
	SetCircuitBreakerState(name string, state int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	scansCreated      prometheus.Counter
	analysisCompleted prometheus.Counter
	analysisFailed    *prometheus.CounterVec
	analysisLatency   prometheus.Histogram
	recommendations   prometheus.Counter
	queueDepth        prometheus.Gauge
	circuitBreaker    *prometheus.GaugeVec
	httpStatus        *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		scansCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skinscan_scans_created_total",
			Help: "作成されたスキャンの合計数",
		}),
		analysisCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skinscan_analysis_completed_total",
			Help: "解析完了の合計数",
		}),
		analysisFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skinscan_analysis_failed_total",
			Help: "失敗分類別の解析失敗数",
		}, []string{"kind"}),
		analysisLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "skinscan_analysis_latency_seconds",
			Help:    "解析の所要時間（秒）",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		}),
		recommendations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skinscan_recommendations_served_total",
			Help: "返却した推奨商品の合計数",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "skinscan_analysis_queue_depth",
			Help: "解析待ちジョブ数",
		}),
		circuitBreaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skinscan_circuit_breaker_state",
			Help: "サーキットブレーカーの状態（0: closed, 1: half-open, 2: open）",
		}, []string{"name"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skinscan_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.scansCreated,
		c.analysisCompleted,
		c.analysisFailed,
		c.analysisLatency,
		c.recommendations,
		c.queueDepth,
		c.circuitBreaker,
		c.httpStatus,
	)

	return c
}

// RecordScanCreated はスキャン作成を記録する。
func (c *Collector) RecordScanCreated() {
	c.scansCreated.Inc()
}

// RecordAnalysisCompleted は解析完了と所要時間を記録する。
func (c *Collector) RecordAnalysisCompleted(latency time.Duration) {
	c.analysisCompleted.Inc()
	c.analysisLatency.Observe(latency.Seconds())
}

// RecordAnalysisFailed は解析失敗を分類別に記録する。
func (c *Collector) RecordAnalysisFailed(kind string, latency time.Duration) {
	c.analysisFailed.WithLabelValues(kind).Inc()
	c.analysisLatency.Observe(latency.Seconds())
}

// RecordRecommendationsServed は返却した推奨商品数を記録する。
func (c *Collector) RecordRecommendationsServed(count int) {
	c.recommendations.Add(float64(count))
}

// SetQueueDepth は解析待ちジョブ数を設定する。
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// SetCircuitBreakerState はサーキットブレーカーの状態を設定する。
func (c *Collector) SetCircuitBreakerState(name string, state int) {
	c.circuitBreaker.WithLabelValues(name).Set(float64(state))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

var _ MetricsCollector = NopCollector{}

func (NopCollector) RecordScanCreated() {}
func (NopCollector) RecordAnalysisCompleted(time.Duration) {}
func (NopCollector) RecordAnalysisFailed(string, time.Duration) {}
func (NopCollector) RecordRecommendationsServed(int) {}
func (NopCollector) SetQueueDepth(int) {}
func (NopCollector) SetCircuitBreakerState(string, int) {}
func (NopCollector) RecordHTTPStatus(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// 運用ポートを分ける場合に単独のサーバーとして起動できる。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
