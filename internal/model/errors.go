// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind は認証エラーの分類を表す。
// UI層には公開せず、ログとテストでのみ使用する。
type ErrorKind string

const (
	// KindProvider はIdP（SDK・ネットワーク）起因の失敗を表す。
	KindProvider ErrorKind = "provider"
	// KindStorage はセキュアストレージの読み書き・削除の失敗を表す。
	KindStorage ErrorKind = "storage"
	// KindTokenExchange は認可コードフローのトークン交換の失敗を表す。
	// 不正なレスポンス、認可コードの欠落、HTTPエラーを含む。
	KindTokenExchange ErrorKind = "token_exchange"
)

// AuthError はサインイン・サインアウト処理で発生したエラーを表す。
// Error() は原因のメッセージをそのまま返す（UIにはメッセージのみ表示する）。
type AuthError struct {
	Kind ErrorKind
	Op   string // 失敗した操作: sign_in, sign_out, store_token 等
	Err  error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.Err == nil {
		return string(e.Kind) + " error"
	}
	return e.Err.Error()
}

// Unwrap は原因エラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewProviderError はIdP起因のエラーを生成する。
func NewProviderError(op string, err error) *AuthError {
	return &AuthError{Kind: KindProvider, Op: op, Err: err}
}

// NewStorageError はストレージ起因のエラーを生成する。
func NewStorageError(op string, err error) *AuthError {
	return &AuthError{Kind: KindStorage, Op: op, Err: err}
}

// NewTokenExchangeError はトークン交換起因のエラーを生成する。
func NewTokenExchangeError(op string, err error) *AuthError {
	return &AuthError{Kind: KindTokenExchange, Op: op, Err: err}
}

// IsKind はエラーチェーンに指定種別のAuthErrorが含まれるかを返す。
func IsKind(err error, kind ErrorKind) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind == kind
	}
	return false
}

// APIError はブローカーAPIの統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeRedirectNotAllowed = "REDIRECT_NOT_ALLOWED"
	ErrCodeExchangeFailed     = "EXCHANGE_FAILED"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInvalidDisplayName = "INVALID_DISPLAY_NAME"
	ErrCodeUpstream           = "UPSTREAM_UNAVAILABLE"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewInvalidRequestError はリクエスト形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエストの内容を確認してください。",
	}
}

// NewRedirectNotAllowedError は許可されていないリダイレクトURIのエラーを生成する。
func NewRedirectNotAllowedError(redirectURI string) *APIError {
	return &APIError{
		Code:     ErrCodeRedirectNotAllowed,
		Message:  fmt.Sprintf("許可されていないリダイレクトURIです: %s", redirectURI),
		Category: "auth",
		Action:   "ループバックアドレスのリダイレクトURIを使用してください。",
	}
}

// NewExchangeFailedError は認可コードの交換に失敗した場合のエラーを生成する。
func NewExchangeFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeExchangeFailed,
		Message:  "認可コードの交換に失敗しました。",
		Category: "auth",
		Action:   "もう一度サインインしてください。",
	}
}

// NewUnauthorizedError は認証が必要な場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "サインインし直してください。",
	}
}

// NewInvalidDisplayNameError は表示名が不正な場合のエラーを生成する。
func NewInvalidDisplayNameError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDisplayName,
		Message:  fmt.Sprintf("表示名が不正です: %s", reason),
		Category: "validation",
		Action:   "1文字以上64文字以下の表示名を指定してください。",
	}
}

// NewUpstreamError はIdPへの問い合わせに失敗した場合のエラーを生成する。
func NewUpstreamError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstream,
		Message:  "認証プロバイダーに接続できませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限を超えた場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	}
}
