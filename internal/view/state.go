// Package view はPresenterの6つのコールバックを3状態の表示状態に射影する。
package view

import (
	"sync"

	"github.com/hitoshi/signin/internal/model"
	"github.com/hitoshi/signin/internal/presenter"
)

// Phase は画面の表示状態。
type Phase int

const (
	PhaseSignedOut Phase = iota
	PhaseLoading
	PhaseSignedIn
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseSignedIn:
		return "signed_in"
	default:
		return "signed_out"
	}
}

// State はある時点の表示状態のスナップショット。
type State struct {
	Phase Phase
	User  *model.User // PhaseSignedInのときのみ非nil
	Error string      // 直近のエラーメッセージ。空文字列はエラーなし
}

// StateView はpresenter.Viewを実装し、通知を表示状態として保持する。
// 状態はコールバック経由でのみ変化する。
type StateView struct {
	mu       sync.Mutex
	loading  bool
	user     *model.User
	errMsg   string
	onChange func(State)
}

// NewStateView はStateViewを生成する。onChangeは状態が変わるたびに呼ばれる（nil可）。
func NewStateView(onChange func(State)) *StateView {
	return &StateView{onChange: onChange}
}

// State は現在の表示状態を返す。
func (v *StateView) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshot()
}

func (v *StateView) snapshot() State {
	s := State{Error: v.errMsg}
	switch {
	case v.loading:
		s.Phase = PhaseLoading
	case v.user != nil:
		s.Phase = PhaseSignedIn
		u := *v.user
		s.User = &u
	default:
		s.Phase = PhaseSignedOut
	}
	return s
}

// update は状態を変更し、ロック外で変更通知を呼ぶ。
func (v *StateView) update(fn func()) {
	v.mu.Lock()
	fn()
	s := v.snapshot()
	v.mu.Unlock()

	if v.onChange != nil {
		v.onChange(s)
	}
}

// ClearError はユーザー操作の開始前に直近のエラーを消す。
func (v *StateView) ClearError() {
	v.update(func() { v.errMsg = "" })
}

func (v *StateView) OnSignInSuccess(user model.User) {
	v.update(func() {
		v.user = &user
		v.errMsg = ""
	})
}

func (v *StateView) OnSignInError(err error) {
	v.update(func() { v.errMsg = err.Error() })
}

func (v *StateView) OnSignOutSuccess() {
	v.update(func() {
		v.user = nil
		v.errMsg = ""
	})
}

func (v *StateView) OnSignOutError(err error) {
	v.update(func() { v.errMsg = err.Error() })
}

func (v *StateView) OnLoadingStart() {
	v.update(func() { v.loading = true })
}

func (v *StateView) OnLoadingEnd() {
	v.update(func() { v.loading = false })
}

// compile-time interface check
var _ presenter.View = (*StateView)(nil)
