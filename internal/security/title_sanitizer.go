package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxTitleRunes はクリップタイトルの最大文字数。
const DefaultMaxTitleRunes = 200

// TitleSanitizer はクリップタイトルからHTMLを除去し、プレーンテキストに正規化する。
// bluemondayのポリシーはスレッドセーフなため、1インスタンスを共有できる。
type TitleSanitizer struct {
	policy   *bluemonday.Policy
	maxRunes int
}

// NewTitleSanitizer はTitleSanitizerを生成する。maxRunesが0以下の場合はDefaultMaxTitleRunesを使用する。
func NewTitleSanitizer(maxRunes int) *TitleSanitizer {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxTitleRunes
	}
	return &TitleSanitizer{
		policy:   bluemonday.StrictPolicy(),
		maxRunes: maxRunes,
	}
}

// Sanitize はタグを除去し、エンティティを戻し、空白を1つに詰めてから最大文字数で切り詰める。
// 結果はJSONとして配信されるため、HTMLエスケープは行わない。
func (s *TitleSanitizer) Sanitize(title string) string {
	if title == "" {
		return ""
	}
	text := html.UnescapeString(s.policy.Sanitize(title))
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) > s.maxRunes {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:s.maxRunes]))
	}
	return text
}
