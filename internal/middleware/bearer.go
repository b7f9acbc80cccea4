// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/signin/internal/auth"
	"github.com/hitoshi/signin/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// userContextKey はリクエストコンテキストに識別情報を格納するためのキー。
	userContextKey = contextKey("user")
)

// TokenIntrospector はアクセストークンから識別情報を取得する。
// auth.Introspectorが実装する。無効なトークンにはauth.ErrNoSessionを返す。
type TokenIntrospector interface {
	Introspect(ctx context.Context, accessToken string) (*auth.ProviderUser, error)
}

// IntrospectionRecorder はトークン検証の結果を記録する。
type IntrospectionRecorder interface {
	RecordIntrospection(outcome string)
}

// TextSanitizer は識別情報の表示用フィールドを無害化する。
type TextSanitizer interface {
	Text(raw string) string
	ImageURL(raw string) string
}

// BearerConfig はBearer認証ミドルウェアの依存関係。
type BearerConfig struct {
	Introspector TokenIntrospector
	Sanitizer    TextSanitizer         // nilの場合は値をそのまま使う
	Recorder     IntrospectionRecorder // nilの場合は記録しない
}

// NewBearerMiddleware はAuthorizationヘッダーのBearerトークンをIdPに問い合わせて検証し、
// 識別情報とユーザーIDをリクエストコンテキストに注入するミドルウェアを返す。
// トークンがない・無効な場合は401を返す。IdPへの問い合わせ自体が失敗した場合は502を返す。
func NewBearerMiddleware(cfg BearerConfig) func(next http.Handler) http.Handler {
	record := func(outcome string) {
		if cfg.Recorder != nil {
			cfg.Recorder.RecordIntrospection(outcome)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			pu, err := cfg.Introspector.Introspect(r.Context(), token)
			if err != nil {
				if errors.Is(err, auth.ErrNoSession) {
					record("invalid")
					WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
					return
				}
				record("error")
				slog.Error("token introspection failed",
					slog.String("error", err.Error()),
					slog.String("request_id", RequestIDFromContext(r.Context())),
				)
				WriteErrorResponse(w, http.StatusBadGateway, model.NewUpstreamError())
				return
			}

			user := model.User{ID: pu.Subject, Email: pu.Email, Name: pu.Name, Photo: pu.Picture}
			if cfg.Sanitizer != nil {
				user.Email = cfg.Sanitizer.Text(user.Email)
				user.Name = cfg.Sanitizer.Text(user.Name)
				user.Photo = cfg.Sanitizer.ImageURL(user.Photo)
			}
			if user.Name == "" {
				user.Name = user.Email
			}
			record("valid")
			setLoggedUserID(r.Context(), user.ID)

			ctx := context.WithValue(r.Context(), userIDContextKey, user.ID)
			ctx = context.WithValue(ctx, userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken はAuthorizationヘッダーからトークンを取り出す。スキーム名は大文字小文字を区別しない。
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// Bearer認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// UserFromContext はリクエストコンテキストから識別情報を取得する。
func UserFromContext(ctx context.Context) (model.User, bool) {
	user, ok := ctx.Value(userContextKey).(model.User)
	return user, ok && user.ID != ""
}

// ContextWithUser はコンテキストに識別情報とユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUser(ctx context.Context, user model.User) context.Context {
	ctx = context.WithValue(ctx, userIDContextKey, user.ID)
	return context.WithValue(ctx, userContextKey, user)
}
