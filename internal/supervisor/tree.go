// Package supervisor はHTTPサーバーとバックグラウンドワーカーを監視ツリーで管理する。
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig は監視ツリーの設定。
type TreeConfig struct {
	// FailureThreshold はバックオフに入るまでの失敗回数。既定値5。
	FailureThreshold float64

	// FailureDecay は失敗回数が減衰する速度（秒）。既定値30。
	FailureDecay float64

	// FailureBackoff は閾値を超えた場合の待機時間。既定値15秒。
	FailureBackoff time.Duration

	// ShutdownTimeout はサービス停止を待つ最大時間。既定値10秒。
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig は本番向けの既定値を返す。
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree はアプリケーションの監視ツリー。
//
// ツリーは2層で構成する:
//   - workers: 解析ディスパッチャ、未処理スキャンのスイーパー
//   - api: HTTPサーバー
//
// ワーカー層が再起動を繰り返してもAPI層は応答を続けられる。
type Tree struct {
	root    *suture.Supervisor
	workers *suture.Supervisor
	api     *suture.Supervisor
	config  TreeConfig
}

// NewTree は監視ツリーを生成する。ゼロ値の設定項目には既定値を適用する。
func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	defaults := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = defaults.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = defaults.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	// MustHookはポインタレシーバ
	handler := &sutureslog.Handler{Logger: logger}

	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	// 子はルートに追加された時点でEventHookを引き継ぐ
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("skinscan", rootSpec)
	workers := suture.New("worker-layer", childSpec)
	api := suture.New("api-layer", childSpec)
	root.Add(workers)
	root.Add(api)

	return &Tree{
		root:    root,
		workers: workers,
		api:     api,
		config:  config,
	}
}

// AddWorker はワーカー層にサービスを追加する。
func (t *Tree) AddWorker(svc suture.Service) suture.ServiceToken {
	return t.workers.Add(svc)
}

// AddAPI はAPI層にサービスを追加する。
func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve はツリーを起動し、ctxがキャンセルされるまでブロックする。
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground はツリーをバックグラウンドで起動する。
// 停止時にエラー（またはnil）を受け取るチャネルを返す。
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport はShutdownTimeout内に停止しなかったサービスを返す。
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
