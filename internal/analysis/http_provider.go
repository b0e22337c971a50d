package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/hitoshi/skinscan/internal/model"
	"github.com/hitoshi/skinscan/internal/security"
)

const (
	defaultMaxResponseBytes = 1 << 20
	maxHintTypeRunes        = 64
	maxHintDescriptionRunes = 1000
)

// analyzeRequest は解析エンドポイントへのリクエスト本文。
type analyzeRequest struct {
	ImageURL string `json:"image_url"`
}

// analyzeResponse は解析エンドポイントの応答本文。
type analyzeResponse struct {
	SkinType        model.SkinType             `json:"skin_type"`
	Concerns        []model.Concern            `json:"concerns"`
	Recommendations []model.RecommendationHint `json:"recommendations"`
	Confidence      float64                    `json:"confidence"`
}

// HTTPProviderConfig はHTTPProviderの設定。
type HTTPProviderConfig struct {
	Endpoint         string
	MaxResponseBytes int64
}

// HTTPProvider はHTTP APIとして提供される解析モデルを呼び出すプロバイダ。
type HTTPProvider struct {
	endpoint  string
	maxBody   int64
	client    *http.Client
	guard     security.OutboundGuard
	sanitizer security.TextSanitizer
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider はHTTPProviderを生成する。
// guardがnilの場合は画像URLの事前検証を行わない（内部ネットワークのモデルを信頼する構成）。
func NewHTTPProvider(cfg HTTPProviderConfig, client *http.Client, guard security.OutboundGuard, sanitizer security.TextSanitizer) *HTTPProvider {
	maxBody := cfg.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = defaultMaxResponseBytes
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{
		endpoint:  cfg.Endpoint,
		maxBody:   maxBody,
		client:    client,
		guard:     guard,
		sanitizer: sanitizer,
	}
}

// Analyze は画像URLを解析エンドポイントに送信し、応答を検証済みの解析結果に変換する。
func (p *HTTPProvider) Analyze(ctx context.Context, image model.ImageRef) (*model.AnalysisResult, error) {
	if p.guard != nil {
		if err := p.guard.ValidateURL(image.URL); err != nil {
			return nil, fmt.Errorf("%w: image url: %v", ErrRejected, err)
		}
	}

	payload, err := json.Marshal(analyzeRequest{ImageURL: image.URL})
	if err != nil {
		return nil, fmt.Errorf("failed to encode analyze request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		// コネクション再利用のため本文を読み捨てる
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, p.maxBody))
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if int64(len(body)) > p.maxBody {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrInvalidResult, p.maxBody)
	}

	var decoded analyzeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}

	result := p.toResult(&decoded)
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	return result, nil
}

// toResult は応答を解析結果に変換し、自由記述テキストを無害化する。
func (p *HTTPProvider) toResult(r *analyzeResponse) *model.AnalysisResult {
	hints := make([]model.RecommendationHint, len(r.Recommendations))
	for i, h := range r.Recommendations {
		if p.sanitizer != nil {
			h.Type = p.sanitizer.SanitizeText(h.Type, maxHintTypeRunes)
			h.Description = p.sanitizer.SanitizeText(h.Description, maxHintDescriptionRunes)
		}
		hints[i] = h
	}
	concerns := r.Concerns
	if concerns == nil {
		concerns = []model.Concern{}
	}

	return &model.AnalysisResult{
		Analysis: model.Analysis{
			SkinType: r.SkinType,
			Concerns: concerns,
			Hints:    hints,
		},
		OverallConfidence: r.Confidence,
	}
}

// classifyStatus はHTTPステータスを分類済みエラーに変換する。2xxの場合はnil。
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	case code >= 400:
		return fmt.Errorf("%w: status %d", ErrRejected, code)
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrInvalidResult, code)
	}
}

// IsTransient はプロバイダのエラーが一時的なものかを返す。
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
