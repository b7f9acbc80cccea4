// Package model はドメインモデルを定義する。
package model

import "time"

// User はサインイン済みユーザーの識別情報を表す。
// 値として扱い、サインインまたは識別情報の再取得のたびに新しく構築する。
// 永続化はしない（保存されるのはセッショントークンのみ）。
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Photo string `json:"photo,omitempty"` // 空文字列は写真なしを表す
}

// HasPhoto はプロフィール写真のURLを持つかどうかを返す。
func (u User) HasPhoto() bool {
	return u.Photo != ""
}

// Profile はブローカー側で管理するユーザープロフィールを表す。
// DisplayName のみ永続化し、それ以外はトークンのイントロスペクション結果から埋める。
type Profile struct {
	UserID      string
	Email       string
	Name        string
	DisplayName string
	Photo       string
	UpdatedAt   time.Time
}

// EffectiveName は表示に使用する名前を返す。
// DisplayName が設定されていればそれを、なければIdPの名前を返す。
func (p *Profile) EffectiveName() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}
