// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"

	"github.com/hitoshi/signin/internal/model"
)

// ProfileRepository はブローカー側プロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindByUserID は指定ユーザーのプロフィールを取得する。見つからない場合はnilを返す。
	// 返却値にはUserID、DisplayName、UpdatedAtのみが設定される。
	FindByUserID(ctx context.Context, userID string) (*model.Profile, error)

	// Upsert は表示名を作成または更新し、profile.UpdatedAtを保存後の値で上書きする。
	Upsert(ctx context.Context, profile *model.Profile) error
}

// SecretRepository は名前空間付きの秘匿値ストア。
// tokenstore.Backendと同じメソッドセットを持ち、そのままバックエンドとして差し込める。
type SecretRepository interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}
