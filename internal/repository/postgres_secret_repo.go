package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresSecretRepo はsecure_itemsテーブルに値を保持する。
// 端末（名前空間）ごとに独立したキー空間を持ち、値は呼び出し側で暗号化済みであることを前提とする。
type PostgresSecretRepo struct {
	db        *sql.DB
	namespace string
}

// NewPostgresSecretRepo はPostgresSecretRepoを生成する。
func NewPostgresSecretRepo(db *sql.DB, namespace string) *PostgresSecretRepo {
	return &PostgresSecretRepo{db: db, namespace: namespace}
}

// Put は値を保存する。既存の値は上書きされる。
func (r *PostgresSecretRepo) Put(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO secure_items (namespace, item_key, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (namespace, item_key)
		 DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		r.namespace, key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to put secure item: %w", err)
	}
	return nil
}

// Get は値を取得する。存在しない場合はfound=falseを返す。
func (r *PostgresSecretRepo) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM secure_items WHERE namespace = $1 AND item_key = $2`,
		r.namespace, key,
	).Scan(&value)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get secure item: %w", err)
	}
	return value, true, nil
}

// Delete は値を削除する。存在しない場合も成功とする。
func (r *PostgresSecretRepo) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM secure_items WHERE namespace = $1 AND item_key = $2`,
		r.namespace, key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete secure item: %w", err)
	}
	return nil
}

// compile-time interface check
var _ SecretRepository = (*PostgresSecretRepo)(nil)
