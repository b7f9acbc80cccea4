// Package apiclient はブローカーのプロフィールAPIを呼び出すHTTPクライアントを提供する。
// 保存済みのセッショントークンをBearerとして付与し、401を受けた場合はセッションを無効化する。
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrUnauthorized はAPIが401を返し、セッションを無効化したことを表す。
var ErrUnauthorized = errors.New("session expired, please sign in again")

// ErrNoToken はサインインしていないためリクエストを送らなかったことを表す。
var ErrNoToken = errors.New("not signed in")

const maxResponseSize = 1 << 20

// TokenSource は保存済みトークンを返す。auth.Modelが実装する。
type TokenSource interface {
	Token(ctx context.Context) (string, bool)
}

// SessionInvalidator は401受信時にセッションを破棄する。auth.Modelが実装する。
type SessionInvalidator interface {
	SignOut(ctx context.Context) error
}

// StatusError はAPIが2xx以外（401を除く）を返したことを表す。
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api returned status %d", e.StatusCode)
}

// Config はClientの設定。
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // req/sec。0以下は無制限
	Transport http.RoundTripper
}

// Client はブローカーAPIのクライアント。
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New はClientを生成する。
func New(cfg Config, tokens TokenSource, invalidator SessionInvalidator, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &bearerTransport{
				base:        base,
				tokens:      tokens,
				invalidator: invalidator,
				limiter:     rate.NewLimiter(limit, 1),
				logger:      logger,
			},
		},
		logger: logger,
	}
}

// bearerTransport はトークン付与、送信レート制限、401時のセッション無効化を行う。
type bearerTransport struct {
	base        http.RoundTripper
	tokens      TokenSource
	invalidator SessionInvalidator
	limiter     *rate.Limiter
	logger      *slog.Logger
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	token, ok := t.tokens.Token(ctx)
	if !ok {
		return nil, ErrNoToken
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	// RoundTripperはリクエストを変更してはならないため複製する
	r := req.Clone(ctx)
	r.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.base.RoundTrip(r)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		resp.Body.Close()

		t.logger.Warn("api returned 401, invalidating session",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
		)
		if err := t.invalidator.SignOut(context.WithoutCancel(ctx)); err != nil {
			t.logger.Error("failed to invalidate session", slog.String("error", err.Error()))
		}
		return nil, ErrUnauthorized
	}

	return resp, nil
}

// Profile はプロフィールAPIのレスポンス。
type Profile struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Photo       string    `json:"photo,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

type updateProfileRequest struct {
	DisplayName string `json:"display_name"`
}

// errorResponse はブローカーの統一エラーフォーマット。
type errorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// GetProfile は自分のプロフィールを取得する。
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodGet, "/api/profile", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProfile は表示名を更新する。
func (c *Client) UpdateProfile(ctx context.Context, displayName string) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodPut, "/api/profile", updateProfileRequest{DisplayName: displayName}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnauthorized):
			return ErrUnauthorized
		case errors.Is(err, ErrNoToken):
			return ErrNoToken
		}
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(data, &er) == nil {
			se.Code = er.Code
			se.Message = er.Message
		}
		c.logger.Debug("api error response",
			slog.Int("status", resp.StatusCode),
			slog.String("code", se.Code),
		)
		return se
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
