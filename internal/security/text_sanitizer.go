package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は外部サービスから受け取った自由記述テキストを無害化するインターフェース。
type TextSanitizer interface {
	// SanitizeText はHTMLを除去したプレーンテキストを返す。
	SanitizeText(raw string, maxRunes int) string
}

// textSanitizer はbluemondayのStrictPolicyによるTextSanitizerの実装。
type textSanitizer struct {
	policy *bluemonday.Policy
}

var _ TextSanitizer = (*textSanitizer)(nil)

// NewTextSanitizer はすべてのタグと属性を除去するTextSanitizerを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はタグを除去し、空白を正規化したうえでmaxRunes文字に切り詰める。
// maxRunesが0以下の場合は切り詰めない。
func (s *textSanitizer) SanitizeText(raw string, maxRunes int) string {
	// StrictPolicyはエンティティをエスケープするため、表示用に戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")

	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		runes := []rune(text)
		text = string(runes[:maxRunes])
	}
	return text
}
