package auth

import (
	"context"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/hitoshi/signin/internal/model"
)

// DeviceFlowProvider はデバイス認可グラント（RFC 8628）によるサインインを行う。
// ブラウザを持たない端末向けで、公開クライアントとしてIdPと直接やり取りする。
type DeviceFlowProvider struct {
	cfg      GoogleOAuthConfig
	prompter Prompter
	logger   *slog.Logger
	session  session
}

// NewDeviceFlowProvider はDeviceFlowProviderを生成する。
func NewDeviceFlowProvider(cfg GoogleOAuthConfig, prompter Prompter, logger *slog.Logger) *DeviceFlowProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceFlowProvider{cfg: cfg.withDefaults(), prompter: prompter, logger: logger}
}

func (p *DeviceFlowProvider) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID: p.cfg.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:       p.cfg.AuthURL,
			TokenURL:      p.cfg.TokenURL,
			DeviceAuthURL: p.cfg.DeviceAuthURL,
			AuthStyle:     oauth2.AuthStyleInParams,
		},
		Scopes: p.cfg.Scopes,
	}
}

// SignIn はユーザーコードを提示し、ユーザーが承認するまでトークンエンドポイントをポーリングする。
func (p *DeviceFlowProvider) SignIn(ctx context.Context) (*ProviderUser, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)
	conf := p.oauthConfig()

	da, err := conf.DeviceAuth(ctx)
	if err != nil {
		return nil, model.NewProviderError("device_auth", err)
	}

	uri := da.VerificationURIComplete
	if uri == "" {
		uri = da.VerificationURI
	}
	if err := p.prompter.ShowDeviceCode(ctx, uri, da.UserCode); err != nil {
		return nil, model.NewProviderError("show_device_code", err)
	}
	p.logger.Debug("polling device token", slog.Time("expiry", da.Expiry))

	tok, err := conf.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, model.NewProviderError("device_token", err)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	user, err := resolveUser(ctx, p.cfg, tok, rawIDToken)
	if err != nil {
		return nil, model.NewProviderError("resolve_user", err)
	}

	p.session.set(tok)
	return user, nil
}

// AccessToken は直前のSignInで取得したアクセストークンを返し、保持していた分を手放す。
func (p *DeviceFlowProvider) AccessToken(_ context.Context) (string, error) {
	return p.session.take()
}

// CurrentUser はユーザー情報エンドポイントでセッションを確認する。
func (p *DeviceFlowProvider) CurrentUser(ctx context.Context, accessToken string) (*ProviderUser, error) {
	if accessToken == "" {
		return nil, ErrNoSession
	}
	return fetchUserInfo(ctx, p.cfg.HTTPClient, p.cfg.UserInfoURL, accessToken)
}

// SignOut はトークンを失効させ、保持していたトークンを破棄する。
func (p *DeviceFlowProvider) SignOut(ctx context.Context, accessToken string) error {
	defer p.session.clear()
	if accessToken == "" {
		accessToken, _ = p.session.take()
	}
	return revokeToken(ctx, p.cfg.HTTPClient, p.cfg.RevokeURL, accessToken)
}

// compile-time interface check
var _ IdentityProvider = (*DeviceFlowProvider)(nil)
