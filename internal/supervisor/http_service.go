package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HTTPServer は*http.Serverのライフサイクルメソッド。
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService はHTTPサーバーを監視対象サービスとして包む。
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// NewHTTPServerService はHTTPServerServiceを生成する。
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration, logger *slog.Logger) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServerService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
	}
}

// Serve はサーバーを起動し、ctxのキャンセルでグレースフルシャットダウンする。
// サーバーが異常終了した場合はエラーを返し、監視ツリーに再起動させる。
func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	h.logger.Info("API server starting")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		h.logger.Info("shutting down API server...")

		// 元のctxはキャンセル済みのため新しいctxで待つ
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh

		h.logger.Info("API server stopped gracefully")
		return ctx.Err()
	}
}

// String は監視ツリーのログに使うサービス名を返す。
func (h *HTTPServerService) String() string {
	return "http-server"
}
