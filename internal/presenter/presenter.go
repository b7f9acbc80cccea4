// Package presenter はModelの呼び出しをローディング区間で囲み、
// 結果をUI非依存のView契約に振り分ける。
package presenter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/signin/internal/model"
)

// View はPresenterが結果を通知するUI側の契約。
type View interface {
	OnSignInSuccess(user model.User)
	OnSignInError(err error)
	OnSignOutSuccess()
	OnSignOutError(err error)
	OnLoadingStart()
	OnLoadingEnd()
}

// Authenticator はPresenterが必要とするModelの操作。auth.Modelが実装する。
type Authenticator interface {
	SignIn(ctx context.Context) (*model.User, error)
	SignOut(ctx context.Context) error
	CurrentUser(ctx context.Context) *model.User
}

// Presenter はModelとViewの仲介役。リトライは行わない。
type Presenter struct {
	model  Authenticator
	view   View
	logger *slog.Logger
}

// New はPresenterを生成する。
func New(m Authenticator, v View, logger *slog.Logger) *Presenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presenter{model: m, view: v, logger: logger}
}

// SignIn はサインインを実行し、成功・失敗をViewに通知する。
// OnLoadingEndはどの経路でも1回だけ呼ばれる。
func (p *Presenter) SignIn(ctx context.Context) {
	p.view.OnLoadingStart()
	defer p.view.OnLoadingEnd()

	user, err := p.model.SignIn(ctx)
	if err != nil {
		p.logger.Info("sign-in failed", slog.String("error", err.Error()))
		p.view.OnSignInError(err)
		return
	}
	p.view.OnSignInSuccess(*user)
}

// SignOut はサインアウトを実行し、成功・失敗をViewに通知する。
func (p *Presenter) SignOut(ctx context.Context) {
	p.view.OnLoadingStart()
	defer p.view.OnLoadingEnd()

	if err := p.model.SignOut(ctx); err != nil {
		p.logger.Info("sign-out failed", slog.String("error", err.Error()))
		p.view.OnSignOutError(err)
		return
	}
	p.view.OnSignOutSuccess()
}

// CheckAuthState は起動時のセッション復元を行う。
// ユーザーが取得できた場合のみOnSignInSuccessを通知し、
// 失敗（panicを含む）はログに記録するだけでViewには通知しない。
func (p *Presenter) CheckAuthState(ctx context.Context) {
	p.view.OnLoadingStart()
	defer p.view.OnLoadingEnd()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("auth state check panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()

	user := p.model.CurrentUser(ctx)
	if user == nil {
		p.logger.Debug("no restorable session")
		return
	}
	p.view.OnSignInSuccess(*user)
}
