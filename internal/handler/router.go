package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/signin/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Bearer            middleware.BearerConfig
	// StatusMiddleware はレスポンスステータスを記録する（metrics.Collector.Middleware）。nilなら適用しない
	StatusMiddleware func(http.Handler) http.Handler

	// 監視
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// コード交換
	TokenExchanger TokenExchanger

	// プロフィール
	ProfileService ProfileServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → RequestID → Logging → Recovery → SecurityHeaders → CORS
//	  /oauth/token: RateLimit(Exchange)
//	  /api/*:       Bearer → RateLimit(General)
//
// /health と /metrics は認証・レート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.StatusMiddleware != nil {
		r.Use(deps.StatusMiddleware)
	}
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	tokenHandler := NewTokenHandler(deps.TokenExchanger)
	profileHandler := NewProfileHandler(deps.ProfileService)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// コード交換（交換専用レート制限）
	r.With(deps.RateLimiter.ExchangeMiddleware()).Post("/oauth/token", tokenHandler.Exchange)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Bearer → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewBearerMiddleware(deps.Bearer))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/profile", profileHandler.GetProfile)
		r.Put("/api/profile", profileHandler.UpdateProfile)
	})

	return r
}
