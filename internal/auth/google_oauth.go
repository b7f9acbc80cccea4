package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	defaultGoogleAuthURL       = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL      = "https://oauth2.googleapis.com/token"
	defaultGoogleDeviceAuthURL = "https://oauth2.googleapis.com/device/code"
	defaultGoogleUserInfoURL   = "https://www.googleapis.com/oauth2/v3/userinfo"
	defaultGoogleRevokeURL     = "https://oauth2.googleapis.com/revoke"
)

// maxResponseSize はIdP・ブローカーのレスポンスとして読み込む最大バイト数。
const maxResponseSize = 1 << 20

var defaultScopes = []string{"openid", "email", "profile"}

// GoogleOAuthConfig はGoogle OAuthプロバイダーの共通設定。
// クライアントシークレットは持たない（認可コードの交換はブローカーが行う）。
type GoogleOAuthConfig struct {
	ClientID string
	Scopes   []string

	// テスト用にオーバーライド可能なURL
	AuthURL       string
	TokenURL      string
	DeviceAuthURL string
	UserInfoURL   string
	RevokeURL     string // 空の場合、サインアウト時の失効をスキップする

	HTTPClient *http.Client
}

func (c GoogleOAuthConfig) withDefaults() GoogleOAuthConfig {
	if c.AuthURL == "" {
		c.AuthURL = defaultGoogleAuthURL
	}
	if c.TokenURL == "" {
		c.TokenURL = defaultGoogleTokenURL
	}
	if c.DeviceAuthURL == "" {
		c.DeviceAuthURL = defaultGoogleDeviceAuthURL
	}
	if c.UserInfoURL == "" {
		c.UserInfoURL = defaultGoogleUserInfoURL
	}
	if len(c.Scopes) == 0 {
		c.Scopes = defaultScopes
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

// googleUserInfo はGoogleのユーザー情報エンドポイントのレスポンス。
type googleUserInfo struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// fetchUserInfo はアクセストークンでユーザー情報を取得する。
// 401の場合はErrNoSessionを返す。
func fetchUserInfo(ctx context.Context, client *http.Client, userInfoURL, accessToken string) (*ProviderUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read user info response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: user info returned status 401", ErrNoSession)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info fetch failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}
	if info.Sub == "" {
		return nil, errors.New("empty sub in user info response")
	}

	return &ProviderUser{
		Subject: info.Sub,
		Email:   info.Email,
		Name:    info.Name,
		Picture: info.Picture,
	}, nil
}

// revokeToken はトークン失効エンドポイントを呼び出す。
// 400はトークンがすでに無効であることを示すため成功として扱う。
func revokeToken(ctx context.Context, client *http.Client, revokeURL, token string) error {
	if revokeURL == "" || token == "" {
		return nil
	}

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusBadRequest:
		return nil
	default:
		return fmt.Errorf("revoke failed with status %d", resp.StatusCode)
	}
}

// idTokenClaims はIDトークンから読み取るクレーム。
type idTokenClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

// userFromIDToken はIDトークンのクレームからユーザー情報を組み立てる。
// IDトークンはTLS上でトークンエンドポイント（またはブローカー）から直接受け取ったものに限るため、
// 署名は検証せず、audと有効期限のみ確認する。
func userFromIDToken(rawIDToken, clientID string) (*ProviderUser, error) {
	claims := &idTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawIDToken, claims); err != nil {
		return nil, fmt.Errorf("failed to parse id token: %w", err)
	}

	if clientID != "" && !slices.Contains(claims.Audience, clientID) {
		return nil, fmt.Errorf("id token audience mismatch: %v", []string(claims.Audience))
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, errors.New("id token expired")
	}
	if claims.Subject == "" {
		return nil, errors.New("empty sub in id token")
	}

	return &ProviderUser{
		Subject: claims.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
	}, nil
}

// resolveUser はIDトークンがあればそのクレームを、なければユーザー情報エンドポイントを使う。
func resolveUser(ctx context.Context, cfg GoogleOAuthConfig, tok *oauth2.Token, rawIDToken string) (*ProviderUser, error) {
	if rawIDToken != "" {
		return userFromIDToken(rawIDToken, cfg.ClientID)
	}
	return fetchUserInfo(ctx, cfg.HTTPClient, cfg.UserInfoURL, tok.AccessToken)
}

// Introspector はブローカーがBearerトークンを検証するために使う。
// ユーザー情報エンドポイントへの問い合わせで有効性を確認する。
type Introspector struct {
	client      *http.Client
	userInfoURL string
}

// NewIntrospector はIntrospectorを生成する。
func NewIntrospector(client *http.Client, userInfoURL string) *Introspector {
	if userInfoURL == "" {
		userInfoURL = defaultGoogleUserInfoURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Introspector{client: client, userInfoURL: userInfoURL}
}

// Introspect はトークンの持ち主を返す。トークンが無効な場合はErrNoSessionを返す。
func (i *Introspector) Introspect(ctx context.Context, accessToken string) (*ProviderUser, error) {
	if accessToken == "" {
		return nil, ErrNoSession
	}
	return fetchUserInfo(ctx, i.client, i.userInfoURL, accessToken)
}
