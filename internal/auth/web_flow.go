package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/hitoshi/signin/internal/model"
)

const callbackPath = "/callback"

// WebFlowConfig はWebFlowProviderの設定。
type WebFlowConfig struct {
	GoogleOAuthConfig

	// BrokerURL は認可コードを交換するブローカーのベースURL。
	BrokerURL string
	// CallbackAddr はループバックリダイレクトを待ち受けるアドレス（例: "127.0.0.1:0"）。
	CallbackAddr string
}

// WebFlowProvider は認可コード + PKCEによるサインインを行う。
// リダイレクトはループバックのHTTPサーバーで受け取り、
// 認可コードの交換はクライアントシークレットを持つブローカーに委ねる。
type WebFlowProvider struct {
	cfg      WebFlowConfig
	prompter Prompter
	logger   *slog.Logger
	session  session
}

// NewWebFlowProvider はWebFlowProviderを生成する。
func NewWebFlowProvider(cfg WebFlowConfig, prompter Prompter, logger *slog.Logger) *WebFlowProvider {
	cfg.GoogleOAuthConfig = cfg.GoogleOAuthConfig.withDefaults()
	cfg.BrokerURL = strings.TrimRight(cfg.BrokerURL, "/")
	if cfg.CallbackAddr == "" {
		cfg.CallbackAddr = "127.0.0.1:0"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebFlowProvider{cfg: cfg, prompter: prompter, logger: logger}
}

// callbackResult はループバックで受け取った認可レスポンス。
type callbackResult struct {
	code string
	err  error
}

// brokerTokenRequest はブローカーへのコード交換リクエスト。
type brokerTokenRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
}

// brokerTokenResponse はブローカーのコード交換レスポンス。
type brokerTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	IDToken     string `json:"id_token"`
	Scope       string `json:"scope"`
}

// brokerErrorResponse はブローカーの統一エラーレスポンス。
type brokerErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SignIn はループバックサーバーを起動して認可URLを提示し、リダイレクトを待つ。
func (p *WebFlowProvider) SignIn(ctx context.Context) (*ProviderUser, error) {
	ln, err := net.Listen("tcp", p.cfg.CallbackAddr)
	if err != nil {
		return nil, model.NewProviderError("listen_callback", fmt.Errorf("failed to listen on %s: %w", p.cfg.CallbackAddr, err))
	}

	redirectURI := "http://" + ln.Addr().String() + callbackPath
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	results := make(chan callbackResult, 1)
	srv := &http.Server{
		Handler:           p.callbackRouter(state, results),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("callback server error", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	conf := &oauth2.Config{
		ClientID:    p.cfg.ClientID,
		Endpoint:    oauth2.Endpoint{AuthURL: p.cfg.AuthURL, TokenURL: p.cfg.TokenURL},
		RedirectURL: redirectURI,
		Scopes:      p.cfg.Scopes,
	}
	authURL := conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	if err := p.prompter.OpenAuthURL(ctx, authURL); err != nil {
		return nil, model.NewProviderError("open_auth_url", err)
	}
	p.logger.Debug("waiting for oauth callback", slog.String("redirect_uri", redirectURI))

	var code string
	select {
	case <-ctx.Done():
		return nil, model.NewProviderError("sign_in", ctx.Err())
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		code = res.code
	}

	tokResp, err := p.exchange(ctx, code, verifier, redirectURI)
	if err != nil {
		return nil, err
	}

	tok := &oauth2.Token{
		AccessToken: tokResp.AccessToken,
		TokenType:   tokResp.TokenType,
	}
	if tokResp.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(tokResp.ExpiresIn) * time.Second)
	}

	user, err := resolveUser(ctx, p.cfg.GoogleOAuthConfig, tok, tokResp.IDToken)
	if err != nil {
		return nil, model.NewProviderError("resolve_user", err)
	}

	p.session.set(tok)
	return user, nil
}

// callbackRouter は/callbackを1回だけ受け付けるルーターを返す。
func (p *WebFlowProvider) callbackRouter(state string, results chan<- callbackResult) http.Handler {
	r := chi.NewRouter()
	r.Get(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var res callbackResult
		switch {
		case q.Get("error") != "":
			res.err = model.NewProviderError("authorize", fmt.Errorf("authorization denied: %s", q.Get("error")))
		case q.Get("state") != state:
			res.err = model.NewTokenExchangeError("callback", errors.New("state mismatch in callback"))
		case q.Get("code") == "":
			res.err = model.NewTokenExchangeError("callback", errors.New("missing authorization code"))
		default:
			res.code = q.Get("code")
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if res.err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintln(w, "サインインに失敗しました。ターミナルを確認してください。")
		} else {
			fmt.Fprintln(w, "サインインが完了しました。このウィンドウを閉じてください。")
		}

		select {
		case results <- res:
		default:
			// 2回目以降のリダイレクトは無視する
		}
	})
	return r
}

// exchange は認可コードとPKCE検証子をブローカーに送りトークンを受け取る。
func (p *WebFlowProvider) exchange(ctx context.Context, code, verifier, redirectURI string) (*brokerTokenResponse, error) {
	const op = "exchange_code"

	payload, err := json.Marshal(brokerTokenRequest{Code: code, CodeVerifier: verifier, RedirectURI: redirectURI})
	if err != nil {
		return nil, model.NewTokenExchangeError(op, fmt.Errorf("failed to encode token request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BrokerURL+"/oauth/token", bytes.NewReader(payload))
	if err != nil {
		return nil, model.NewTokenExchangeError(op, fmt.Errorf("failed to create token request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, model.NewTokenExchangeError(op, fmt.Errorf("token request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, model.NewTokenExchangeError(op, fmt.Errorf("failed to read token response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr brokerErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return nil, model.NewTokenExchangeError(op,
				fmt.Errorf("token exchange failed with status %d: %s", resp.StatusCode, apiErr.Message))
		}
		return nil, model.NewTokenExchangeError(op, fmt.Errorf("token exchange failed with status %d", resp.StatusCode))
	}

	var tokResp brokerTokenResponse
	if err := json.Unmarshal(body, &tokResp); err != nil {
		return nil, model.NewTokenExchangeError(op, fmt.Errorf("malformed token response: %w", err))
	}
	if tokResp.AccessToken == "" {
		return nil, model.NewTokenExchangeError(op, errors.New("malformed token response: empty access token"))
	}

	return &tokResp, nil
}

// AccessToken は直前のSignInで取得したアクセストークンを返し、保持していた分を手放す。
func (p *WebFlowProvider) AccessToken(_ context.Context) (string, error) {
	return p.session.take()
}

// CurrentUser はユーザー情報エンドポイントでセッションを確認する。
func (p *WebFlowProvider) CurrentUser(ctx context.Context, accessToken string) (*ProviderUser, error) {
	if accessToken == "" {
		return nil, ErrNoSession
	}
	return fetchUserInfo(ctx, p.cfg.HTTPClient, p.cfg.UserInfoURL, accessToken)
}

// SignOut はトークンを失効させ、保持していたトークンを破棄する。
func (p *WebFlowProvider) SignOut(ctx context.Context, accessToken string) error {
	defer p.session.clear()
	if accessToken == "" {
		accessToken, _ = p.session.take()
	}
	return revokeToken(ctx, p.cfg.HTTPClient, p.cfg.RevokeURL, accessToken)
}

// compile-time interface check
var _ IdentityProvider = (*WebFlowProvider)(nil)
