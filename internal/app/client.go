package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/signin/internal/apiclient"
	"github.com/hitoshi/signin/internal/auth"
	"github.com/hitoshi/signin/internal/config"
	"github.com/hitoshi/signin/internal/database"
	"github.com/hitoshi/signin/internal/presenter"
	"github.com/hitoshi/signin/internal/repository"
	"github.com/hitoshi/signin/internal/security"
	"github.com/hitoshi/signin/internal/tokenstore"
	"github.com/hitoshi/signin/internal/view"
)

// client はクライアント側コマンドのコンポジションルート。
// auth.Modelはここで1つだけ生成し、Presenterとapiclientで共有する。
type client struct {
	model     *auth.Model
	presenter *presenter.Presenter
	view      *view.StateView
	api       *apiclient.Client
	closers   []func() error
}

// newClient はトークンストア、IdP、Model、Presenter、View、APIクライアントを組み立てる。
func newClient(ctx context.Context, cfg *config.Config, stdout io.Writer, log *slog.Logger) (*client, error) {
	c := &client{}

	backend, sealer, err := c.newTokenBackend(ctx, cfg, log)
	if err != nil {
		c.Close()
		return nil, err
	}
	store := tokenstore.New(backend, sealer)

	provider := newIdentityProvider(cfg, auth.WriterPrompter{W: stdout}, log)

	c.model = auth.NewModel(provider, store, security.NewProfileSanitizer(), log)
	c.view = view.NewStateView(nil)
	c.presenter = presenter.New(c.model, c.view, log)
	c.api = apiclient.New(apiclient.Config{
		BaseURL:   cfg.APIBaseURL,
		Timeout:   cfg.APITimeout,
		RateLimit: cfg.APIRateLimit,
	}, c.model, c.model, log)

	return c, nil
}

// newTokenBackend はTOKEN_STOREに応じた保存先を返す。メモリ以外は暗号化する。
func (c *client) newTokenBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (tokenstore.Backend, *tokenstore.Sealer, error) {
	if cfg.TokenStore == config.StoreMemory {
		return tokenstore.NewMemoryBackend(), nil, nil
	}

	sealer, err := tokenstore.NewSealer(cfg.TokenEncryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create token sealer: %w", err)
	}

	switch cfg.TokenStore {
	case config.StorePostgres:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		c.closers = append(c.closers, db.Close)
		if err := database.Ping(ctx, db, 5*time.Second); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to token database: %w", err)
		}
		return repository.NewPostgresSecretRepo(db, cfg.TokenNamespace), sealer, nil
	default:
		return tokenstore.NewFileBackend(cfg.TokenStorePath).WithLogger(log), sealer, nil
	}
}

// newIdentityProvider はIDENTITY_FLOWに応じたIdPを返す。
func newIdentityProvider(cfg *config.Config, prompter auth.Prompter, log *slog.Logger) auth.IdentityProvider {
	oauthCfg := auth.GoogleOAuthConfig{
		ClientID:      cfg.GoogleClientID,
		Scopes:        cfg.Scopes,
		AuthURL:       cfg.AuthURL,
		TokenURL:      cfg.TokenURL,
		DeviceAuthURL: cfg.DeviceAuthURL,
		UserInfoURL:   cfg.UserInfoURL,
		RevokeURL:     cfg.RevokeURL,
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
	}

	if cfg.IdentityFlow == config.FlowDevice {
		return auth.NewDeviceFlowProvider(oauthCfg, prompter, log)
	}
	return auth.NewWebFlowProvider(auth.WebFlowConfig{
		GoogleOAuthConfig: oauthCfg,
		BrokerURL:         cfg.BrokerURL,
		CallbackAddr:      cfg.CallbackAddr,
	}, prompter, log)
}

// Close はDB接続などの資源を解放する。
func (c *client) Close() error {
	var errs []error
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// runClient はクライアント側コマンドを実行する。
func runClient(ctx context.Context, cfg *config.Config, cmd Command, args []string, stdout io.Writer) error {
	if err := cfg.RequireClient(); err != nil {
		return err
	}

	c, err := newClient(ctx, cfg, stdout, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	switch cmd {
	case CommandLogin:
		ctx, cancel := context.WithTimeout(ctx, cfg.SignInTimeout)
		defer cancel()
		c.view.ClearError()
		c.presenter.SignIn(ctx)
		return c.render(stdout, cmd)
	case CommandLogout:
		c.view.ClearError()
		c.presenter.SignOut(ctx)
		return c.render(stdout, cmd)
	case CommandToken:
		token, ok := c.model.Token(ctx)
		if !ok {
			return auth.ErrNotSignedIn
		}
		_, err := fmt.Fprintln(stdout, token)
		return err
	case CommandProfile:
		return c.runProfile(ctx, stdout, args)
	default:
		c.presenter.CheckAuthState(ctx)
		return c.render(stdout, cmd)
	}
}

// render は最終的な表示状態を出力する。エラー表示がある場合はコマンド失敗として扱う。
func (c *client) render(stdout io.Writer, cmd Command) error {
	s := c.view.State()
	if err := (view.TextRenderer{W: stdout}).Render(s); err != nil {
		return err
	}
	if s.Error != "" {
		return fmt.Errorf("%s failed", cmd)
	}
	return nil
}

// runProfile は "profile" で取得、"profile set NAME" で表示名を更新する。
func (c *client) runProfile(ctx context.Context, stdout io.Writer, args []string) error {
	var (
		p   *apiclient.Profile
		err error
	)
	if len(args) >= 3 && args[1] == "set" {
		p, err = c.api.UpdateProfile(ctx, strings.Join(args[2:], " "))
	} else {
		p, err = c.api.GetProfile(ctx)
	}
	if err != nil {
		return err
	}

	name := p.DisplayName
	if name == "" {
		name = p.Name
	}
	fmt.Fprintf(stdout, "%s\n  %s\n  id: %s\n", name, p.Email, p.UserID)
	if !p.UpdatedAt.IsZero() {
		fmt.Fprintf(stdout, "  updated: %s\n", p.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}
