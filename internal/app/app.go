package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/signin/internal/auth"
	"github.com/hitoshi/signin/internal/broker"
	"github.com/hitoshi/signin/internal/config"
	"github.com/hitoshi/signin/internal/database"
	"github.com/hitoshi/signin/internal/handler"
	"github.com/hitoshi/signin/internal/logger"
	"github.com/hitoshi/signin/internal/metrics"
	"github.com/hitoshi/signin/internal/middleware"
	"github.com/hitoshi/signin/internal/repository"
	"github.com/hitoshi/signin/internal/security"
	"github.com/hitoshi/signin/internal/user"
	"github.com/hitoshi/signin/internal/worker/cleanup"
)

// outboundTimeout はブローカーからIdPへの通信のタイムアウト。
const outboundTimeout = 15 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。stdoutは画面表示、logwはログの出力先。
func Run(stdout, logw io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(logw)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Debug("starting application", slog.String("command", string(cmd)))

	switch cmd {
	case CommandServe:
		return runServe(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runClient(ctx, cfg, cmd, args, stdout)
	}
}

// brokerDeps はブローカーのルーター構築に必要な外部依存。
type brokerDeps struct {
	Profiles      repository.ProfileRepository
	HealthChecker handler.HealthChecker
	// Outbound はIdPへの送信に使うクライアント。本番ではSSRF対策済みのもの
	Outbound *http.Client
	Registry *prometheus.Registry
}

// buildBrokerRouter はブローカーのドメインサービスを組み立ててルーターを返す。
// 返却するRateLimiterはシャットダウン時にStopすること。
func buildBrokerRouter(cfg *config.Config, deps brokerDeps, log *slog.Logger) (http.Handler, *middleware.RateLimiter) {
	collector := metrics.NewCollector(deps.Registry)
	sanitizer := security.NewProfileSanitizer()

	brokerService := broker.NewService(broker.Config{
		ClientID:             cfg.GoogleClientID,
		ClientSecret:         cfg.GoogleClientSecret,
		AuthURL:              cfg.AuthURL,
		TokenURL:             cfg.TokenURL,
		AllowedRedirectHosts: cfg.AllowedRedirectHosts,
		HTTPClient:           deps.Outbound,
	}, collector, log)

	userService := user.NewService(deps.Profiles, sanitizer, log)
	introspector := auth.NewIntrospector(deps.Outbound, cfg.UserInfoURL)

	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitExchange),
	)

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Bearer: middleware.BearerConfig{
			Introspector: introspector,
			Sanitizer:    sanitizer,
			Recorder:     collector,
		},
		StatusMiddleware: collector.Middleware,
		HealthChecker:    deps.HealthChecker,
		MetricsHandler:   metrics.Handler(deps.Registry),
		TokenExchanger:   brokerService,
		ProfileService:   userService,
	})

	return router, rateLimiter
}

// runServe はブローカーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.RequireServer(); err != nil {
		return err
	}

	// 1. IdPエンドポイントの検証
	guard := security.NewEndpointGuard()
	if err := security.ValidateEndpoints(guard, cfg.TokenURL, cfg.UserInfoURL); err != nil {
		return fmt.Errorf("invalid identity provider endpoint: %w", err)
	}

	// 2. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 3. 放置トークンのクリーンアップを日次でバックグラウンド実行
	go cleanup.NewCleanupJob(db, slog.Default(), cfg.TokenRetentionDays).Start(ctx, 24*time.Hour)

	// 4. メトリクスレジストリ
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// 5. ルーターの構築
	router, rateLimiter := buildBrokerRouter(cfg, brokerDeps{
		Profiles:      repository.NewPostgresProfileRepo(db),
		HealthChecker: db,
		Outbound:      guard.NewSafeClient(outboundTimeout),
		Registry:      reg,
	}, slog.Default())
	defer rateLimiter.Stop()

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		slog.Info("broker starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	select {
	case err := <-listenErr:
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down broker...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("broker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("required environment variables are not set: [DATABASE_URL]")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
