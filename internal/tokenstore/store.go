// Package tokenstore はセッショントークンのセキュアストレージを提供する。
//
// Store は固定キー authToken に単一のトークンだけを保持する。
// 新しいトークンの保存は常に上書きであり、追記はしない。
// 実際の保存先は Backend（メモリ、ローカルファイル、PostgreSQL）で差し替える。
package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/signin/internal/model"
)

// TokenKey はトークンを保存するキー。
const TokenKey = "authToken"

// Backend はキーと値を永続化する汎用キーバリューストレージのインターフェース。
type Backend interface {
	// Put は値を保存する。既存の値は上書きする。
	Put(ctx context.Context, key string, value []byte) error
	// Get は値を取得する。存在しない場合はfound=falseを返す。
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Delete は値を削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, key string) error
}

// Store はセッショントークン1件を保持するセキュアストレージ。
// sealerが設定されている場合、値は暗号化してBackendに渡す。
type Store struct {
	backend Backend
	sealer  *Sealer
}

// New はStoreを生成する。sealerがnilの場合は平文で保存する（メモリ保存向け）。
func New(backend Backend, sealer *Sealer) *Store {
	return &Store{
		backend: backend,
		sealer:  sealer,
	}
}

// Set はトークンを保存する。既存のトークンは上書きされる。
func (s *Store) Set(ctx context.Context, token string) error {
	if token == "" {
		return model.NewStorageError("store_token", errors.New("empty token"))
	}

	value := []byte(token)
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(value)
		if err != nil {
			return model.NewStorageError("store_token", fmt.Errorf("failed to seal token: %w", err))
		}
		value = sealed
	}

	if err := s.backend.Put(ctx, TokenKey, value); err != nil {
		return model.NewStorageError("store_token", fmt.Errorf("failed to write token: %w", err))
	}
	return nil
}

// Get は保存済みトークンを返す。未保存の場合はfound=falseを返す。
func (s *Store) Get(ctx context.Context) (string, bool, error) {
	value, found, err := s.backend.Get(ctx, TokenKey)
	if err != nil {
		return "", false, model.NewStorageError("read_token", fmt.Errorf("failed to read token: %w", err))
	}
	if !found {
		return "", false, nil
	}

	if s.sealer != nil {
		opened, err := s.sealer.Open(value)
		if err != nil {
			return "", false, model.NewStorageError("read_token", fmt.Errorf("failed to open token: %w", err))
		}
		value = opened
	}

	return string(value), true, nil
}

// Clear は保存済みトークンを削除する。
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, TokenKey); err != nil {
		return model.NewStorageError("clear_token", fmt.Errorf("failed to clear token: %w", err))
	}
	return nil
}
