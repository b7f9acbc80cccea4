// Package broker はクライアントシークレットを保持し、
// ネイティブクライアントに代わって認可コードをトークンに交換する。
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var (
	// ErrInvalidRequest は交換リクエストの必須項目が欠けていることを表す。
	ErrInvalidRequest = errors.New("invalid exchange request")
	// ErrRedirectNotAllowed はリダイレクトURIが許可リストにないことを表す。
	ErrRedirectNotAllowed = errors.New("redirect uri not allowed")
	// ErrExchangeFailed はIdPのトークンエンドポイントが交換を拒否したことを表す。
	ErrExchangeFailed = errors.New("code exchange failed")
)

// MetricsRecorder は交換の結果を記録する。metrics.Collectorが実装する。
type MetricsRecorder interface {
	RecordExchange(outcome string)
	RecordExchangeLatency(d time.Duration)
}

// Config はServiceの設定。
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	// AllowedRedirectHosts はリダイレクトURIとして受け付けるループバックのホスト名。
	AllowedRedirectHosts []string
	// HTTPClient はトークンエンドポイントへの送信に使う。本番ではSSRF対策済みのクライアントを渡す。
	HTTPClient *http.Client
}

// ExchangeRequest はクライアントから受け取る交換リクエスト。
type ExchangeRequest struct {
	Code         string
	CodeVerifier string
	RedirectURI  string
}

// Token はクライアントに返すトークン。リフレッシュトークンは返さない。
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int64
	IDToken     string
	Scope       string
}

// Service は認可コードの交換を行う。
type Service struct {
	cfg     Config
	metrics MetricsRecorder
	logger  *slog.Logger
}

// NewService はServiceを生成する。metricsはnilでもよい。
func NewService(cfg Config, metrics MetricsRecorder, logger *slog.Logger) *Service {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, metrics: metrics, logger: logger}
}

// Exchange はPKCE検証子とともに認可コードをトークンに交換する。
func (s *Service) Exchange(ctx context.Context, req ExchangeRequest) (*Token, error) {
	start := time.Now()

	tok, outcome, err := s.exchange(ctx, req)
	if s.metrics != nil {
		s.metrics.RecordExchange(outcome)
		s.metrics.RecordExchangeLatency(time.Since(start))
	}
	return tok, err
}

func (s *Service) exchange(ctx context.Context, req ExchangeRequest) (*Token, string, error) {
	switch {
	case strings.TrimSpace(req.Code) == "":
		return nil, "invalid_request", fmt.Errorf("%w: code is required", ErrInvalidRequest)
	case strings.TrimSpace(req.CodeVerifier) == "":
		return nil, "invalid_request", fmt.Errorf("%w: code_verifier is required", ErrInvalidRequest)
	case req.RedirectURI == "":
		return nil, "invalid_request", fmt.Errorf("%w: redirect_uri is required", ErrInvalidRequest)
	}
	if !IsAllowedRedirect(req.RedirectURI, s.cfg.AllowedRedirectHosts) {
		return nil, "redirect_rejected", fmt.Errorf("%w: %s", ErrRedirectNotAllowed, req.RedirectURI)
	}

	conf := &oauth2.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   s.cfg.AuthURL,
			TokenURL:  s.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: req.RedirectURI,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.cfg.HTTPClient)
	tok, err := conf.Exchange(ctx, req.Code, oauth2.VerifierOption(req.CodeVerifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			s.logger.Warn("token endpoint rejected code",
				slog.Int("status", re.Response.StatusCode),
				slog.String("error_code", re.ErrorCode),
			)
		} else {
			s.logger.Error("token endpoint request failed", slog.String("error", err.Error()))
		}
		return nil, "failed", fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}

	out := &Token{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
	}
	if !tok.Expiry.IsZero() {
		out.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}
	if v, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = v
	}
	if v, ok := tok.Extra("scope").(string); ok {
		out.Scope = v
	}

	return out, "success", nil
}

// IsAllowedRedirect はリダイレクトURIがループバックのhttpで、
// ホスト名が許可リストに含まれるかを返す。ポートは任意（RFC 8252 7.3）。
func IsAllowedRedirect(uri string, allowedHosts []string) bool {
	if len(allowedHosts) == 0 {
		return false
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "http" || u.User != nil || u.Fragment != "" {
		return false
	}

	host := u.Hostname()
	allowed := false
	for _, h := range allowedHosts {
		if strings.EqualFold(strings.TrimSpace(h), host) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}

	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
