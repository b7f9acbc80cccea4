package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/signin/internal/model"
)

// TokenStore はセッショントークンの保存先。tokenstore.Storeが実装する。
type TokenStore interface {
	Set(ctx context.Context, token string) error
	Get(ctx context.Context) (string, bool, error)
	Clear(ctx context.Context) error
}

// TextSanitizer はIdPから受け取った表示用フィールドを無害化する。
type TextSanitizer interface {
	Text(raw string) string
	ImageURL(raw string) string
}

// Model はサインイン・サインアウトとセッション状態の読み出しを一手に担う。
// プロセスにつき1つをコンポジションルートで生成し、参照で受け渡す。
type Model struct {
	provider  IdentityProvider
	store     TokenStore
	sanitizer TextSanitizer
	logger    *slog.Logger

	signIns singleflight.Group
	// flightMu は進行中のサインインの待機者数を守る
	flightMu sync.Mutex
	flight   *signInFlight
	// opMu はサインインとサインアウトを直列化する
	opMu sync.Mutex
}

// signInFlight は集約されたサインインが使うctxと、その結果を待つ呼び出し元の数。
// 待機者が全員いなくなった時点でctxを取り消す。
type signInFlight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewModel はModelを生成する。sanitizerがnilの場合は値をそのまま使う。
func NewModel(provider IdentityProvider, store TokenStore, sanitizer TextSanitizer, logger *slog.Logger) *Model {
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{
		provider:  provider,
		store:     store,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// SignIn は対話的サインインを行い、取得したトークンをストアに保存する。
// 並行して呼ばれた場合は1回のIdP操作に集約し、全員が同じ結果を受け取る。
// 各呼び出し元は自分のctxが終了した時点でそのエラーを受け取って抜ける。
// IdP操作は待機者が全員抜けたときに中断される。
func (m *Model) SignIn(ctx context.Context) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, asAuthError(model.KindProvider, "sign_in", err)
	}

	f, ch := m.joinSignIn(ctx)
	defer m.leaveSignIn(f)

	select {
	case res := <-ch:
		if res.Shared {
			m.logger.Debug("sign-in coalesced with in-flight request")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		// 呼び出し元ごとに別の値を返す
		u := *res.Val.(*model.User)
		return &u, nil
	case <-ctx.Done():
		return nil, asAuthError(model.KindProvider, "sign_in", ctx.Err())
	}
}

// joinSignIn は進行中のサインインに待機者として加わる。なければ新たに開始する。
// DoChanはブロックしないため、flightMuを保持したまま呼ぶ。
func (m *Model) joinSignIn(ctx context.Context) (*signInFlight, <-chan singleflight.Result) {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()

	if m.flight == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		m.flight = &signInFlight{ctx: fctx, cancel: cancel}
	}
	f := m.flight
	f.waiters++

	ch := m.signIns.DoChan("sign_in", func() (any, error) {
		u, err := m.signIn(f.ctx)
		m.flightMu.Lock()
		if m.flight == f {
			m.flight = nil
		}
		m.flightMu.Unlock()
		return u, err
	})
	return f, ch
}

// leaveSignIn は待機者を1人減らし、誰も待っていなければIdP操作を取り消す。
func (m *Model) leaveSignIn(f *signInFlight) {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if m.flight == f {
		m.flight = nil
	}
}

func (m *Model) signIn(ctx context.Context) (*model.User, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	pu, err := m.provider.SignIn(ctx)
	if err != nil {
		return nil, asAuthError(model.KindProvider, "sign_in", err)
	}

	user, err := m.buildUser(pu)
	if err != nil {
		m.discardProviderSession(ctx, "")
		return nil, model.NewProviderError("sign_in", err)
	}

	token, err := m.provider.AccessToken(ctx)
	if err != nil {
		m.discardProviderSession(ctx, "")
		return nil, asAuthError(model.KindProvider, "access_token", err)
	}

	if err := m.store.Set(ctx, token); err != nil {
		// IdP側だけサインイン済みの状態を残さない
		m.discardProviderSession(ctx, token)
		return nil, asAuthError(model.KindStorage, "store_token", err)
	}

	m.logger.Info("signed in", slog.String("user_id", user.ID))
	return user, nil
}

// discardProviderSession はサインイン途中で失敗した際にIdP側のセッションを破棄する。
func (m *Model) discardProviderSession(ctx context.Context, token string) {
	if err := m.provider.SignOut(context.WithoutCancel(ctx), token); err != nil {
		m.logger.Warn("failed to roll back provider sign-in", slog.String("error", err.Error()))
	}
}

// SignOut はIdPからサインアウトし、保存済みトークンを削除する。
// IdPの失敗に関わらずストアは必ず削除を試み、両方の失敗をまとめて返す。
func (m *Model) SignOut(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	token, _, err := m.store.Get(ctx)
	if err != nil {
		m.logger.Warn("failed to read token before sign-out", slog.String("error", err.Error()))
	}

	var errs []error
	if err := m.provider.SignOut(ctx, token); err != nil {
		errs = append(errs, asAuthError(model.KindProvider, "sign_out", err))
	}
	if err := m.store.Clear(ctx); err != nil {
		errs = append(errs, asAuthError(model.KindStorage, "clear_token", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	m.logger.Info("signed out")
	return nil
}

// CurrentUser は保存済みトークンでIdPに非対話的に問い合わせる。
// トークンがない場合はIdPを呼ばない。失敗はすべてnilとして扱う。
func (m *Model) CurrentUser(ctx context.Context) *model.User {
	token, found, err := m.store.Get(ctx)
	if err != nil {
		m.logger.Warn("failed to read token", slog.String("error", err.Error()))
		return nil
	}
	if !found {
		return nil
	}

	pu, err := m.provider.CurrentUser(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			m.logger.Debug("provider reports no active session")
		} else {
			m.logger.Warn("silent sign-in check failed", slog.String("error", err.Error()))
		}
		return nil
	}

	user, err := m.buildUser(pu)
	if err != nil {
		m.logger.Warn("invalid user from provider", slog.String("error", err.Error()))
		return nil
	}
	return user
}

// Token は保存済みトークンを返す。未保存または読み出し失敗の場合はfalseを返す。
func (m *Model) Token(ctx context.Context) (string, bool) {
	token, found, err := m.store.Get(ctx)
	if err != nil {
		m.logger.Warn("failed to read token", slog.String("error", err.Error()))
		return "", false
	}
	return token, found
}

// buildUser はIdPの情報からUserを組み立てる。IDとEmailは必須。
func (m *Model) buildUser(pu *ProviderUser) (*model.User, error) {
	if pu == nil {
		return nil, errors.New("provider returned no user")
	}

	u := &model.User{
		ID:    pu.Subject,
		Email: pu.Email,
		Name:  pu.Name,
		Photo: pu.Picture,
	}
	if m.sanitizer != nil {
		u.Email = m.sanitizer.Text(u.Email)
		u.Name = m.sanitizer.Text(u.Name)
		u.Photo = m.sanitizer.ImageURL(u.Photo)
	}

	if u.ID == "" {
		return nil, errors.New("provider returned user without id")
	}
	if u.Email == "" {
		return nil, fmt.Errorf("provider returned user %s without email", u.ID)
	}
	if u.Name == "" {
		u.Name = u.Email
	}
	return u, nil
}

// asAuthError はAuthErrorでないエラーを指定種別で包む。
func asAuthError(kind model.ErrorKind, op string, err error) error {
	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		return err
	}
	return &model.AuthError{Kind: kind, Op: op, Err: err}
}
