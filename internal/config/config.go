package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Google OAuth 2.0 の既定エンドポイント。
const (
	DefaultAuthURL       = "https://accounts.google.com/o/oauth2/auth"
	DefaultTokenURL      = "https://oauth2.googleapis.com/token"
	DefaultDeviceAuthURL = "https://oauth2.googleapis.com/device/code"
	DefaultUserInfoURL   = "https://www.googleapis.com/oauth2/v3/userinfo"
	DefaultRevokeURL     = "https://oauth2.googleapis.com/revoke"
)

// IdentityFlow はクライアントが使用するサインインフローを表す。
type IdentityFlow string

const (
	// FlowWeb は認可コード + PKCE をループバックリダイレクトで受け取るフロー。
	FlowWeb IdentityFlow = "web"
	// FlowDevice はデバイス認可グラント（RFC 8628）によるフロー。
	FlowDevice IdentityFlow = "device"
)

// TokenStoreKind はトークンの保存先を表す。
type TokenStoreKind string

const (
	StoreFile     TokenStoreKind = "file"
	StoreMemory   TokenStoreKind = "memory"
	StorePostgres TokenStoreKind = "postgres"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// OAuth
	GoogleClientID     string
	GoogleClientSecret string // ブローカー（serve）のみが保持する
	AuthURL            string
	TokenURL           string
	DeviceAuthURL      string
	UserInfoURL        string
	RevokeURL          string
	Scopes             []string

	// Client
	IdentityFlow  IdentityFlow
	BrokerURL     string
	CallbackAddr  string
	SignInTimeout time.Duration

	// Token store
	TokenStore         TokenStoreKind
	TokenStorePath     string
	TokenEncryptionKey string
	TokenNamespace     string

	// Database
	DatabaseURL string

	// API client
	APIBaseURL   string
	APITimeout   time.Duration
	APIRateLimit float64

	// Server
	ServerPort           string
	CORSAllowedOrigin    string
	AllowedRedirectHosts []string

	// TokenRetentionDays はsecure_itemsを放置後に削除するまでの日数
	TokenRetentionDays int

	// Rate Limit（req/min）
	RateLimitGeneral  int
	RateLimitExchange int

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.AuthURL = getEnvString("OAUTH_AUTH_URL", DefaultAuthURL)
	cfg.TokenURL = getEnvString("OAUTH_TOKEN_URL", DefaultTokenURL)
	cfg.DeviceAuthURL = getEnvString("OAUTH_DEVICE_AUTH_URL", DefaultDeviceAuthURL)
	cfg.UserInfoURL = getEnvString("OAUTH_USERINFO_URL", DefaultUserInfoURL)
	cfg.RevokeURL = getEnvString("OAUTH_REVOKE_URL", DefaultRevokeURL)
	cfg.Scopes = getEnvList("OAUTH_SCOPES", []string{"openid", "email", "profile"})

	cfg.IdentityFlow = IdentityFlow(getEnvString("IDENTITY_FLOW", string(FlowWeb)))
	if cfg.IdentityFlow != FlowWeb && cfg.IdentityFlow != FlowDevice {
		return nil, fmt.Errorf("invalid IDENTITY_FLOW: %q (allowed: web, device)", cfg.IdentityFlow)
	}
	cfg.BrokerURL = strings.TrimRight(getEnvString("BROKER_URL", "http://localhost:8080"), "/")
	cfg.CallbackAddr = getEnvString("CALLBACK_ADDR", "127.0.0.1:0")
	cfg.SignInTimeout = getEnvDuration("SIGNIN_TIMEOUT", 5*time.Minute)

	cfg.TokenStore = TokenStoreKind(getEnvString("TOKEN_STORE", string(StoreFile)))
	switch cfg.TokenStore {
	case StoreFile, StoreMemory, StorePostgres:
	default:
		return nil, fmt.Errorf("invalid TOKEN_STORE: %q (allowed: file, memory, postgres)", cfg.TokenStore)
	}
	cfg.TokenStorePath = getEnvString("TOKEN_STORE_PATH", defaultTokenStorePath())
	cfg.TokenEncryptionKey = os.Getenv("TOKEN_ENCRYPTION_KEY")
	cfg.TokenNamespace = getEnvString("TOKEN_NAMESPACE", defaultNamespace())

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.APIBaseURL = strings.TrimRight(getEnvString("API_BASE_URL", cfg.BrokerURL), "/")
	cfg.APITimeout = getEnvDuration("API_TIMEOUT", 10*time.Second)
	cfg.APIRateLimit = getEnvFloat("API_RATE_LIMIT", 5)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.AllowedRedirectHosts = getEnvList("ALLOWED_REDIRECT_HOSTS", []string{"127.0.0.1", "localhost", "::1"})

	cfg.TokenRetentionDays = getEnvInt("TOKEN_RETENTION_DAYS", 30)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitExchange = getEnvInt("RATE_LIMIT_EXCHANGE", 10)

	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

// RequireServer はブローカー起動（serve）に必要な設定が揃っているかを検証する。
func (c *Config) RequireServer() error {
	var missing []string
	if c.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}
	return nil
}

// RequireClient はクライアントコマンドに必要な設定が揃っているかを検証する。
// GOOGLE_CLIENT_SECRET はクライアント側では一切使用しない。
func (c *Config) RequireClient() error {
	var missing []string
	if c.TokenStore != StoreMemory && c.TokenEncryptionKey == "" {
		missing = append(missing, "TOKEN_ENCRYPTION_KEY")
	}
	if c.TokenStore == StorePostgres && c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}
	return nil
}

func defaultTokenStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "signin", "token.json")
}

func defaultNamespace() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "default"
	}
	return host
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数をスライスとして返す。空要素は除外する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
