// Package auth はサインインのオーケストレーション（Model）と、
// その背後にあるIdP実装（Webフロー・デバイスフロー）を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/oauth2"
)

// ErrNoSession はIdPが有効なセッションを持たないことを表す。
var ErrNoSession = errors.New("no active session")

// ErrNotSignedIn はサインイン前にアクセストークンを要求したことを表す。
var ErrNotSignedIn = errors.New("not signed in")

// ProviderUser はIdPから取得したユーザー情報。
type ProviderUser struct {
	Subject string
	Email   string
	Name    string
	Picture string
}

// IdentityProvider はサインインに必要なIdPの機能セット。
// WebFlowProviderとDeviceFlowProviderが実装し、起動時にどちらかを選択する。
type IdentityProvider interface {
	// SignIn は対話的なサインインを行う。ユーザーが完了するかctxが終了するまでブロックする。
	SignIn(ctx context.Context) (*ProviderUser, error)

	// AccessToken は直前のSignInで取得したアクセストークンを一度だけ返す。
	// 返した後はプロバイダー側に残さず、2回目以降はErrNotSignedInを返す。
	AccessToken(ctx context.Context) (string, error)

	// CurrentUser はアクセストークンで非対話的にセッションを確認する。
	// セッションが無効な場合はErrNoSessionを返す。
	CurrentUser(ctx context.Context, accessToken string) (*ProviderUser, error)

	// SignOut はIdP側のセッションを終了し、トークンを失効させる。
	// accessTokenが空の場合はローカル状態のみ破棄する。
	SignOut(ctx context.Context, accessToken string) error
}

// Prompter はサインイン中にユーザーへ案内を表示する。
type Prompter interface {
	// OpenAuthURL は認可URLをユーザーに提示する。
	OpenAuthURL(ctx context.Context, authURL string) error
	// ShowDeviceCode はデバイスフローの確認URLとユーザーコードを提示する。
	ShowDeviceCode(ctx context.Context, verificationURI, userCode string) error
}

// WriterPrompter は案内をio.Writerに書き出すPrompter。
type WriterPrompter struct {
	W io.Writer
}

// OpenAuthURL は認可URLを出力する。
func (p WriterPrompter) OpenAuthURL(_ context.Context, authURL string) error {
	_, err := fmt.Fprintf(p.W, "ブラウザで次のURLを開いてサインインしてください:\n\n  %s\n\n", authURL)
	return err
}

// ShowDeviceCode は確認URLとユーザーコードを出力する。
func (p WriterPrompter) ShowDeviceCode(_ context.Context, verificationURI, userCode string) error {
	_, err := fmt.Fprintf(p.W, "%s を開き、コード %s を入力してください。\n", verificationURI, userCode)
	return err
}

// session はプロバイダーが直前のサインインで得たトークンを保持する。
// Modelへ一度渡した時点で手放し、以降のトークンの所有者はストアだけになる。
type session struct {
	mu    sync.Mutex
	token *oauth2.Token
}

func (s *session) set(tok *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = tok
}

// take はアクセストークンを返し、保持していたトークンを破棄する。
func (s *session) take() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := s.token
	s.token = nil
	if tok == nil || tok.AccessToken == "" {
		return "", ErrNotSignedIn
	}
	return tok.AccessToken, nil
}

func (s *session) clear() {
	s.set(nil)
}

// compile-time interface check
var _ Prompter = WriterPrompter{}
