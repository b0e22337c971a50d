// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/skinscan/internal/validation"
)

// ScanState はスキャンのライフサイクル状態を表す。
type ScanState string

const (
	// ScanStatePending は解析待ちの初期状態。
	ScanStatePending ScanState = "pending"
	// ScanStateAnalyzed は解析完了の終端状態。
	ScanStateAnalyzed ScanState = "analyzed"
	// ScanStateFailed は解析失敗の終端状態。
	ScanStateFailed ScanState = "failed"
)

// IsValid は定義済みの状態かを返す。
func (s ScanState) IsValid() bool {
	switch s {
	case ScanStatePending, ScanStateAnalyzed, ScanStateFailed:
		return true
	}
	return false
}

// IsTerminal は終端状態かを返す。終端状態からの遷移は存在しない。
func (s ScanState) IsTerminal() bool {
	return s == ScanStateAnalyzed || s == ScanStateFailed
}

// ImageRef は保存済み画像への不透明な参照。
// コアはURLを解釈せず、StorageIDは解放時にのみ使用する。
type ImageRef struct {
	URL       string
	StorageID string
}

// IsZero は参照が空かを返す。
func (r ImageRef) IsZero() bool {
	return strings.TrimSpace(r.URL) == ""
}

// Concern は検出された肌悩み。
type Concern struct {
	Type       ConcernType `json:"type" validate:"enum"`
	Severity   Severity    `json:"severity" validate:"enum"`
	Confidence float64     `json:"confidence" validate:"gte=0,lte=1"`
}

// RecommendationHint は解析プロバイダが返すケアのヒント。
type RecommendationHint struct {
	Type        string   `json:"type" validate:"required,max=64"`
	Description string   `json:"description" validate:"max=1000"`
	Priority    Priority `json:"priority" validate:"enum"`
}

// Analysis は肌解析の構造化結果。
type Analysis struct {
	SkinType SkinType             `json:"skin_type" validate:"enum"`
	Concerns []Concern            `json:"concerns" validate:"dive"`
	Hints    []RecommendationHint `json:"recommendations" validate:"dive"`
}

// ConcernTypes は重複を除いた悩み種別を出現順で返す。
func (a *Analysis) ConcernTypes() []ConcernType {
	seen := make(map[ConcernType]struct{}, len(a.Concerns))
	types := make([]ConcernType, 0, len(a.Concerns))
	for _, c := range a.Concerns {
		if _, ok := seen[c.Type]; ok {
			continue
		}
		seen[c.Type] = struct{}{}
		types = append(types, c.Type)
	}
	return types
}

// AnalysisResult は解析プロバイダの出力。
type AnalysisResult struct {
	Analysis          Analysis
	OverallConfidence float64 `validate:"gte=0,lte=1"`
}

// Validate は解析結果を検証する。不正な場合はValidationErrorを返す。
func (r *AnalysisResult) Validate() error {
	if r == nil {
		return NewValidationError("解析結果が空です")
	}
	if err := validation.Struct(r); err != nil {
		return NewValidationError(err.Error())
	}
	return nil
}

// FailureKind は解析失敗の分類。
type FailureKind string

const (
	FailureTimeout       FailureKind = "timeout"
	FailureUnavailable   FailureKind = "unavailable"
	FailureRejected      FailureKind = "rejected"
	FailureInvalidResult FailureKind = "invalid_result"
	FailureProviderError FailureKind = "provider_error"
)

// Summary は分類ごとの固定メッセージを返す。
// プロバイダ内部のエラー内容を利用者に露出させないため、原因文字列は含めない。
func (k FailureKind) Summary() string {
	switch k {
	case FailureTimeout:
		return "解析が制限時間内に完了しませんでした。"
	case FailureUnavailable:
		return "解析サービスが一時的に利用できません。"
	case FailureRejected:
		return "解析サービスが画像を受け付けませんでした。"
	case FailureInvalidResult:
		return "解析サービスから不正な結果が返されました。"
	default:
		return "解析中にエラーが発生しました。"
	}
}

// FailureReason は失敗状態のスキャンに記録される分類済みの理由。
type FailureReason struct {
	Kind    FailureKind
	Message string
}

// NewFailureReason は分類から理由を生成する。
func NewFailureReason(kind FailureKind) FailureReason {
	return FailureReason{Kind: kind, Message: kind.Summary()}
}

// String は "kind: message" 形式の文字列を返す。
func (r FailureReason) String() string {
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

// Scan は1件の画像投稿と解析結果を表す。
type Scan struct {
	ID                string
	OwnerID           string
	Image             ImageRef
	State             ScanState
	Analysis          *Analysis
	OverallConfidence *float64
	FailureReason     *FailureReason
	CreatedAt         time.Time
	ProcessedAt       *time.Time
}

// newScanInput はスキャン生成時の入力検証用。
type newScanInput struct {
	OwnerID  string `validate:"required"`
	ImageURL string `validate:"required"`
}

// NewScan はpending状態の新しいスキャンを生成する。
// ownerまたはimageRefが空の場合はValidationErrorを返す。
func NewScan(id, ownerID string, image ImageRef, now time.Time) (*Scan, error) {
	in := newScanInput{
		OwnerID:  strings.TrimSpace(ownerID),
		ImageURL: strings.TrimSpace(image.URL),
	}
	if err := validation.Struct(in); err != nil {
		return nil, NewValidationError(err.Error())
	}

	return &Scan{
		ID:        id,
		OwnerID:   in.OwnerID,
		Image:     image,
		State:     ScanStatePending,
		CreatedAt: now,
	}, nil
}

// CheckInvariants は状態と付随フィールドの整合性を検証する。
// analysisとoverallConfidenceはanalyzedの場合のみ、failureReasonはfailedの場合のみ存在する。
func (s *Scan) CheckInvariants() error {
	if !s.State.IsValid() {
		return fmt.Errorf("unknown state %q", s.State)
	}

	analyzed := s.State == ScanStateAnalyzed
	if (s.Analysis != nil) != analyzed || (s.OverallConfidence != nil) != analyzed {
		return errors.New("analysis and overall confidence must be set iff state is analyzed")
	}

	failed := s.State == ScanStateFailed
	if (s.FailureReason != nil) != failed {
		return errors.New("failure reason must be set iff state is failed")
	}

	if s.State.IsTerminal() && s.ProcessedAt == nil {
		return errors.New("terminal scan must have processedAt")
	}
	if s.OwnerID == "" || s.Image.IsZero() {
		return errors.New("owner and image reference are required")
	}
	return nil
}

// ScanTransition はpendingから終端状態への遷移内容。
type ScanTransition struct {
	State             ScanState
	Analysis          *Analysis
	OverallConfidence *float64
	FailureReason     *FailureReason
	ProcessedAt       time.Time
}

// AnalyzedTransition は解析完了への遷移を生成する。
func AnalyzedTransition(result *AnalysisResult, at time.Time) ScanTransition {
	analysis := result.Analysis
	confidence := result.OverallConfidence
	return ScanTransition{
		State:             ScanStateAnalyzed,
		Analysis:          &analysis,
		OverallConfidence: &confidence,
		ProcessedAt:       at,
	}
}

// FailedTransition は解析失敗への遷移を生成する。
func FailedTransition(reason FailureReason, at time.Time) ScanTransition {
	return ScanTransition{
		State:         ScanStateFailed,
		FailureReason: &reason,
		ProcessedAt:   at,
	}
}

// Apply は遷移内容をスキャンに反映する。
// 状態の検査は呼び出し側（条件付き更新）の責務。
func (s *Scan) Apply(t ScanTransition) {
	processedAt := t.ProcessedAt
	s.State = t.State
	s.Analysis = t.Analysis
	s.OverallConfidence = t.OverallConfidence
	s.FailureReason = t.FailureReason
	s.ProcessedAt = &processedAt
}

// Clone はスキャンの深いコピーを返す。
func (s *Scan) Clone() *Scan {
	c := *s
	if s.Analysis != nil {
		a := *s.Analysis
		a.Concerns = append([]Concern(nil), s.Analysis.Concerns...)
		a.Hints = append([]RecommendationHint(nil), s.Analysis.Hints...)
		c.Analysis = &a
	}
	if s.OverallConfidence != nil {
		v := *s.OverallConfidence
		c.OverallConfidence = &v
	}
	if s.FailureReason != nil {
		r := *s.FailureReason
		c.FailureReason = &r
	}
	if s.ProcessedAt != nil {
		t := *s.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}
