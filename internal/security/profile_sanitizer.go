package security

import (
	"html"
	"net/url"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// ProfileSanitizer はIdPやユーザー入力から得た表示用文字列を無害化する。
// 出力はHTMLではなくプレーンテキストとして扱う。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はタグをすべて除去するStrictPolicyでProfileSanitizerを生成する。
func NewProfileSanitizer() *ProfileSanitizer {
	return &ProfileSanitizer{policy: bluemonday.StrictPolicy()}
}

// Text はHTMLタグと制御文字を除去し、前後の空白を取り除いた文字列を返す。
// 同一入力に対して常に同一出力を返す。
func (s *ProfileSanitizer) Text(raw string) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyは&や<をエンティティ化するため、表示用に戻す
	cleaned := html.UnescapeString(s.policy.Sanitize(raw))
	cleaned = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, cleaned)
	return strings.TrimSpace(cleaned)
}

// ImageURL はプロフィール写真のURLを検証する。
// ホストを持つ絶対URLかつhttpsの場合のみ正規化したURLを返し、それ以外は空文字列を返す。
func (s *ProfileSanitizer) ImageURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Scheme, "https") || u.Host == "" || u.User != nil {
		return ""
	}
	return u.String()
}
