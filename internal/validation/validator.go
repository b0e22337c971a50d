// Package validation はgo-playground/validatorによる構造体検証を提供する。
// スレッドセーフなシングルトンのvalidatorに、固定列挙型用のカスタムタグ "enum" を登録する。
package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// enumValue は "enum" タグで検証される型が満たすインターフェース。
type enumValue interface {
	IsValid() bool
}

// FieldError は1フィールド分の検証エラー。
type FieldError struct {
	Field string
	Tag   string
	Param string
}

// Error は人が読める形式のメッセージを返す。
func (e FieldError) Error() string {
	switch e.Tag {
	case "required":
		return fmt.Sprintf("%s は必須です", e.Field)
	case "enum":
		return fmt.Sprintf("%s に未定義の値が指定されています", e.Field)
	case "gte", "min":
		return fmt.Sprintf("%s は %s 以上である必要があります", e.Field, e.Param)
	case "lte", "max":
		return fmt.Sprintf("%s は %s 以下である必要があります", e.Field, e.Param)
	default:
		return fmt.Sprintf("%s の検証に失敗しました (%s)", e.Field, e.Tag)
	}
}

// Errors は検証エラーの集合。
type Errors []FieldError

// Error はすべてのフィールドエラーを連結したメッセージを返す。
func (es Errors) Error() string {
	if len(es) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Get はシングルトンのvalidatorを返す。
func Get() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		if err := validate.RegisterValidation("enum", validateEnum); err != nil {
			panic(fmt.Sprintf("failed to register enum validator: %v", err))
		}
	})
	return validate
}

// validateEnum はIsValid()を持つ値を検証する。
func validateEnum(fl validator.FieldLevel) bool {
	field := fl.Field()
	if !field.CanInterface() {
		return false
	}
	v, ok := field.Interface().(enumValue)
	if !ok {
		return false
	}
	return v.IsValid()
}

// Struct は構造体を検証する。成功時はnil、失敗時はErrorsを返す。
func Struct(s any) error {
	err := Get().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	out := make(Errors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field: fe.Namespace(),
			Tag:   fe.Tag(),
			Param: fe.Param(),
		})
	}
	return out
}
