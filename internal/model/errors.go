// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind はコアが返すエラーの分類。
type ErrorKind string

const (
	// KindValidation は入力形式の誤り。リトライ不可。
	KindValidation ErrorKind = "validation"
	// KindNotFound は対象が存在しない。リトライ不可。
	KindNotFound ErrorKind = "not_found"
	// KindInvalidState はライフサイクル上許可されない操作。リトライ不可。
	KindInvalidState ErrorKind = "invalid_state"
	// KindDependency は画像ストレージや解析プロバイダの失敗。
	KindDependency ErrorKind = "dependency"
	// KindPersistence はリポジトリの失敗。
	KindPersistence ErrorKind = "persistence"
	// KindInternal は分類不能な内部エラー。
	KindInternal ErrorKind = "internal"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// causeは errors.Is/As のために保持するが、利用者向けの表示には含めない。
type APIError struct {
	Kind     ErrorKind
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, scan, product, dependency, system
	Action   string // ユーザー向け対処方法
	cause    error
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は内部原因を返す。
func (e *APIError) Unwrap() error {
	return e.cause
}

// 定義済みエラーコード
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeScanNotFound    = "SCAN_NOT_FOUND"
	ErrCodeProductNotFound = "PRODUCT_NOT_FOUND"
	ErrCodeInvalidState    = "INVALID_STATE"
	ErrCodeDependency      = "DEPENDENCY_FAILURE"
	ErrCodePersistence     = "PERSISTENCE_FAILURE"
)

// KindOf はエラーの分類を返す。APIErrorでない場合はKindInternal。
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindInternal
}

// IsKind はエラーが指定の分類かを返す。
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Kind:     KindValidation,
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してから再度お試しください。",
	}
}

// NewScanNotFoundError はスキャン未検出エラーを生成する。
func NewScanNotFoundError(scanID string) *APIError {
	return &APIError{
		Kind:     KindNotFound,
		Code:     ErrCodeScanNotFound,
		Message:  fmt.Sprintf("指定されたスキャンが見つかりません: %s", scanID),
		Category: "scan",
		Action:   "スキャンIDを確認してください。",
	}
}

// NewProductNotFoundError は商品未検出エラーを生成する。
func NewProductNotFoundError(productID string) *APIError {
	return &APIError{
		Kind:     KindNotFound,
		Code:     ErrCodeProductNotFound,
		Message:  fmt.Sprintf("指定された商品が見つかりません: %s", productID),
		Category: "product",
		Action:   "商品IDを確認してください。",
	}
}

// NewInvalidStateError はスキャンの状態が操作に適さない場合のエラーを生成する。
func NewInvalidStateError(scanID string, state ScanState) *APIError {
	return &APIError{
		Kind:     KindInvalidState,
		Code:     ErrCodeInvalidState,
		Message:  fmt.Sprintf("スキャン %s は現在の状態（%s）ではこの操作を実行できません。", scanID, state),
		Category: "scan",
		Action:   "解析が完了してから再度お試しください。",
	}
}

// NewDependencyError は外部依存（画像ストレージ、解析プロバイダ）の失敗を表すエラーを生成する。
// causeはログ用に保持し、メッセージには含めない。
func NewDependencyError(dependency string, cause error) *APIError {
	return &APIError{
		Kind:     KindDependency,
		Code:     ErrCodeDependency,
		Message:  fmt.Sprintf("外部サービス（%s）の呼び出しに失敗しました。", dependency),
		Category: "dependency",
		Action:   "しばらく待ってから再度お試しください。",
		cause:    cause,
	}
}

// NewPersistenceError は永続化層の失敗を表すエラーを生成する。
func NewPersistenceError(operation string, cause error) *APIError {
	return &APIError{
		Kind:     KindPersistence,
		Code:     ErrCodePersistence,
		Message:  fmt.Sprintf("データの保存処理（%s）に失敗しました。", operation),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		cause:    cause,
	}
}
