package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/signin/internal/model"
	"github.com/hitoshi/signin/internal/security"
	"github.com/hitoshi/signin/internal/tokenstore"
)

// --- モック定義 ---

type mockProvider struct {
	signInFn      func(ctx context.Context) (*ProviderUser, error)
	accessTokenFn func(ctx context.Context) (string, error)
	currentUserFn func(ctx context.Context, token string) (*ProviderUser, error)
	signOutFn     func(ctx context.Context, token string) error
}

func (m *mockProvider) SignIn(ctx context.Context) (*ProviderUser, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx)
	}
	return &ProviderUser{Subject: "42", Email: "a@b.com", Name: "A B"}, nil
}

func (m *mockProvider) AccessToken(ctx context.Context) (string, error) {
	if m.accessTokenFn != nil {
		return m.accessTokenFn(ctx)
	}
	return "provider-access-token", nil
}

func (m *mockProvider) CurrentUser(ctx context.Context, token string) (*ProviderUser, error) {
	if m.currentUserFn != nil {
		return m.currentUserFn(ctx, token)
	}
	return nil, ErrNoSession
}

func (m *mockProvider) SignOut(ctx context.Context, token string) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx, token)
	}
	return nil
}

var _ IdentityProvider = (*mockProvider)(nil)

type mockStore struct {
	setFn   func(ctx context.Context, token string) error
	getFn   func(ctx context.Context) (string, bool, error)
	clearFn func(ctx context.Context) error
}

func (m *mockStore) Set(ctx context.Context, token string) error {
	if m.setFn != nil {
		return m.setFn(ctx, token)
	}
	return nil
}

func (m *mockStore) Get(ctx context.Context) (string, bool, error) {
	if m.getFn != nil {
		return m.getFn(ctx)
	}
	return "", false, nil
}

func (m *mockStore) Clear(ctx context.Context) error {
	if m.clearFn != nil {
		return m.clearFn(ctx)
	}
	return nil
}

var _ TokenStore = (*mockStore)(nil)
var _ TokenStore = (*tokenstore.Store)(nil)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemoryStore() *tokenstore.Store {
	return tokenstore.New(tokenstore.NewMemoryBackend(), nil)
}

// --- SignIn ---

func TestModel_SignIn_Success_StoresToken(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	m := NewModel(&mockProvider{}, store, nil, discardLogger())

	user, err := m.SignIn(ctx)
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if user.ID != "42" || user.Email != "a@b.com" || user.Name != "A B" {
		t.Errorf("SignIn() user = %+v, want {42 a@b.com A B}", user)
	}

	token, ok := m.Token(ctx)
	if !ok || token != "provider-access-token" {
		t.Errorf("Token() = (%q, %v), want (%q, true)", token, ok, "provider-access-token")
	}
}

func TestModel_SignIn_ProviderKeepsNoTokenAfterStore(t *testing.T) {
	idToken := signTestIDToken(t, map[string]any{
		"sub":   "device-sub",
		"aud":   "device-client",
		"email": "tv@example.com",
		"name":  "TV User",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	ts := newDeviceServer(t, 0, map[string]any{
		"access_token": "device-access-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
	})
	defer ts.Close()

	p := NewDeviceFlowProvider(GoogleOAuthConfig{
		ClientID:      "device-client",
		DeviceAuthURL: ts.URL + "/device/code",
		TokenURL:      ts.URL + "/token",
		HTTPClient:    ts.Client(),
	}, &mockPrompter{}, discardLogger())
	m := NewModel(p, newMemoryStore(), nil, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := m.SignIn(ctx); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	token, ok := m.Token(ctx)
	if !ok || token != "device-access-token" {
		t.Errorf("Token() = (%q, %v), want (%q, true)", token, ok, "device-access-token")
	}
	if got, err := p.AccessToken(ctx); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("provider AccessToken() after SignIn = (%q, %v), want ErrNotSignedIn", got, err)
	}
}

func TestModel_SignIn_ProviderError_MessageVerbatimAndNothingStored(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	provider := &mockProvider{
		signInFn: func(context.Context) (*ProviderUser, error) {
			return nil, errors.New("network error")
		},
	}
	m := NewModel(provider, store, nil, discardLogger())

	_, err := m.SignIn(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "network error" {
		t.Errorf("error message = %q, want %q", err.Error(), "network error")
	}
	if !model.IsKind(err, model.KindProvider) {
		t.Errorf("expected provider error kind, got %v", err)
	}
	if _, ok := m.Token(ctx); ok {
		t.Error("expected no token to be stored")
	}
}

func TestModel_SignIn_TokenExchangeErrorKeepsKind(t *testing.T) {
	provider := &mockProvider{
		signInFn: func(context.Context) (*ProviderUser, error) {
			return nil, model.NewTokenExchangeError("exchange_code", errors.New("malformed token response"))
		},
	}
	m := NewModel(provider, newMemoryStore(), nil, discardLogger())

	_, err := m.SignIn(context.Background())
	if !model.IsKind(err, model.KindTokenExchange) {
		t.Errorf("expected token_exchange error kind, got %v", err)
	}
}

func TestModel_SignIn_AccessTokenError_NothingStored(t *testing.T) {
	ctx := context.Background()
	var signedOut bool
	provider := &mockProvider{
		accessTokenFn: func(context.Context) (string, error) { return "", ErrNotSignedIn },
		signOutFn: func(context.Context, string) error {
			signedOut = true
			return nil
		},
	}
	m := NewModel(provider, newMemoryStore(), nil, discardLogger())

	if _, err := m.SignIn(ctx); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("SignIn() error = %v, want ErrNotSignedIn", err)
	}
	if _, ok := m.Token(ctx); ok {
		t.Error("expected no token to be stored")
	}
	if !signedOut {
		t.Error("expected provider session to be discarded")
	}
}

func TestModel_SignIn_StoreFailure_RollsBackProviderSignIn(t *testing.T) {
	storeErr := errors.New("keychain locked")
	var revoked string
	provider := &mockProvider{
		signOutFn: func(_ context.Context, token string) error {
			revoked = token
			return nil
		},
	}
	store := &mockStore{
		setFn: func(context.Context, string) error {
			return model.NewStorageError("store_token", storeErr)
		},
	}
	m := NewModel(provider, store, nil, discardLogger())

	_, err := m.SignIn(context.Background())
	if !model.IsKind(err, model.KindStorage) || !errors.Is(err, storeErr) {
		t.Errorf("SignIn() error = %v, want storage error wrapping %v", err, storeErr)
	}
	if revoked != "provider-access-token" {
		t.Errorf("provider SignOut token = %q, want %q", revoked, "provider-access-token")
	}
}

func TestModel_SignIn_InvalidUser_ReturnsProviderError(t *testing.T) {
	tests := []struct {
		name string
		user *ProviderUser
	}{
		{"nil", nil},
		{"IDなし", &ProviderUser{Email: "a@b.com"}},
		{"Emailなし", &ProviderUser{Subject: "42"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			provider := &mockProvider{
				signInFn: func(context.Context) (*ProviderUser, error) { return tt.user, nil },
			}
			m := NewModel(provider, newMemoryStore(), nil, discardLogger())

			if _, err := m.SignIn(ctx); !model.IsKind(err, model.KindProvider) {
				t.Errorf("SignIn() error = %v, want provider error", err)
			}
			if _, ok := m.Token(ctx); ok {
				t.Error("expected no token to be stored")
			}
		})
	}
}

func TestModel_SignIn_EmptyNameFallsBackToEmail(t *testing.T) {
	provider := &mockProvider{
		signInFn: func(context.Context) (*ProviderUser, error) {
			return &ProviderUser{Subject: "42", Email: "a@b.com"}, nil
		},
	}
	m := NewModel(provider, newMemoryStore(), nil, discardLogger())

	user, err := m.SignIn(context.Background())
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if user.Name != "a@b.com" {
		t.Errorf("Name = %q, want %q", user.Name, "a@b.com")
	}
}

func TestModel_SignIn_SanitizesDisplayFields(t *testing.T) {
	provider := &mockProvider{
		signInFn: func(context.Context) (*ProviderUser, error) {
			return &ProviderUser{
				Subject: "42",
				Email:   "a@b.com",
				Name:    "<b>A</b> B",
				Picture: "http://example.com/photo.jpg",
			}, nil
		},
	}
	m := NewModel(provider, newMemoryStore(), security.NewProfileSanitizer(), discardLogger())

	user, err := m.SignIn(context.Background())
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if user.Name != "A B" {
		t.Errorf("Name = %q, want %q", user.Name, "A B")
	}
	if user.HasPhoto() {
		t.Errorf("expected non-https photo to be dropped, got %q", user.Photo)
	}
}

func TestModel_SignIn_ConcurrentCallsAreCoalesced(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	provider := &mockProvider{
		signInFn: func(context.Context) (*ProviderUser, error) {
			if calls.Add(1) == 1 {
				close(started)
			}
			<-release
			return &ProviderUser{Subject: "42", Email: "a@b.com", Name: "A B"}, nil
		},
	}
	m := NewModel(provider, newMemoryStore(), nil, discardLogger())

	const n = 5
	var wg sync.WaitGroup
	type result struct {
		id  string
		err error
	}
	results := make([]result, n)

	wg.Add(1)
	go func() {
		defer wg.Done()
		u, err := m.SignIn(context.Background())
		results[0] = result{id: idOf(u), err: err}
	}()
	<-started

	var ready sync.WaitGroup
	for i := 1; i < n; i++ {
		wg.Add(1)
		ready.Add(1)
		go func(i int) {
			defer wg.Done()
			ready.Done()
			u, err := m.SignIn(context.Background())
			results[i] = result{id: idOf(u), err: err}
		}(i)
	}
	ready.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("provider SignIn called %d times, want 1", got)
	}
	for i, r := range results {
		if r.err != nil || r.id != "42" {
			t.Errorf("caller %d got (%q, %v), want (\"42\", nil)", i, r.id, r.err)
		}
	}
}

// waitForSignInWaiters は集約中のサインインの待機者がn人になるまで待つ。
func waitForSignInWaiters(t *testing.T, m *Model, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.flightMu.Lock()
		got := 0
		if m.flight != nil {
			got = m.flight.waiters
		}
		m.flightMu.Unlock()
		if got == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sign-in waiters", n)
}

func TestModel_SignIn_CanceledCallerDoesNotFailOtherWaiters(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var providerCtxErr error
	provider := &mockProvider{
		signInFn: func(ctx context.Context) (*ProviderUser, error) {
			close(started)
			<-release
			providerCtxErr = ctx.Err()
			return &ProviderUser{Subject: "42", Email: "a@b.com", Name: "A B"}, nil
		},
	}
	store := newMemoryStore()
	m := NewModel(provider, store, nil, discardLogger())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()

	firstErr := make(chan error, 1)
	go func() {
		_, err := m.SignIn(firstCtx)
		firstErr <- err
	}()
	<-started

	type result struct {
		user *model.User
		err  error
	}
	second := make(chan result, 1)
	go func() {
		u, err := m.SignIn(context.Background())
		second <- result{user: u, err: err}
	}()
	waitForSignInWaiters(t, m, 2)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("first SignIn() error = %v, want context.Canceled", err)
	}

	close(release)
	r := <-second
	if r.err != nil || idOf(r.user) != "42" {
		t.Errorf("second SignIn() = (%q, %v), want (\"42\", nil)", idOf(r.user), r.err)
	}
	if providerCtxErr != nil {
		t.Errorf("provider ctx error = %v, want nil while a caller is still waiting", providerCtxErr)
	}
	if token, ok := m.Token(context.Background()); !ok || token != "provider-access-token" {
		t.Errorf("Token() = (%q, %v), want (%q, true)", token, ok, "provider-access-token")
	}
}

func TestModel_SignIn_AllCallersCanceled_AbortsProvider(t *testing.T) {
	started := make(chan struct{})
	aborted := make(chan error, 1)
	provider := &mockProvider{
		signInFn: func(ctx context.Context) (*ProviderUser, error) {
			close(started)
			<-ctx.Done()
			aborted <- ctx.Err()
			return nil, ctx.Err()
		},
	}
	m := NewModel(provider, newMemoryStore(), nil, discardLogger())

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel1()
	defer cancel2()

	errs := make(chan error, 2)
	go func() {
		_, err := m.SignIn(ctx1)
		errs <- err
	}()
	<-started
	go func() {
		_, err := m.SignIn(ctx2)
		errs <- err
	}()
	waitForSignInWaiters(t, m, 2)

	cancel1()
	cancel2()
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, context.Canceled) {
			t.Errorf("SignIn() error = %v, want context.Canceled", err)
		}
	}

	select {
	case err := <-aborted:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("provider ctx error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("provider sign-in was not aborted after every caller left")
	}
}

func idOf(u *model.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}

func TestModel_SignIn_ContextCanceled(t *testing.T) {
	provider := &mockProvider{
		signInFn: func(ctx context.Context) (*ProviderUser, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	m := NewModel(provider, newMemoryStore(), nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.SignIn(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("SignIn() error = %v, want context.Canceled", err)
	}
}

// --- SignOut ---

func TestModel_SignOut_ClearsTokenAndRevokes(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	var revoked string
	provider := &mockProvider{
		signOutFn: func(_ context.Context, token string) error {
			revoked = token
			return nil
		},
	}
	m := NewModel(provider, store, nil, discardLogger())

	if _, err := m.SignIn(ctx); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if err := m.SignOut(ctx); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}

	if revoked != "provider-access-token" {
		t.Errorf("revoked token = %q, want %q", revoked, "provider-access-token")
	}
	if token, ok := m.Token(ctx); ok {
		t.Errorf("Token() after SignOut = %q, want absent", token)
	}
}

func TestModel_SignOut_ProviderFailure_StillClearsStore(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	_ = store.Set(ctx, "stale-token")

	provider := &mockProvider{
		signOutFn: func(context.Context, string) error { return errors.New("revoke unavailable") },
	}
	m := NewModel(provider, store, nil, discardLogger())

	err := m.SignOut(ctx)
	if !model.IsKind(err, model.KindProvider) {
		t.Errorf("SignOut() error = %v, want provider error", err)
	}
	if _, ok := m.Token(ctx); ok {
		t.Error("expected store to be cleared even when provider sign-out fails")
	}
}

func TestModel_SignOut_ClearFailure_ReturnsStorageError(t *testing.T) {
	store := &mockStore{
		getFn:   func(context.Context) (string, bool, error) { return "t", true, nil },
		clearFn: func(context.Context) error { return errors.New("disk error") },
	}
	m := NewModel(&mockProvider{}, store, nil, discardLogger())

	err := m.SignOut(context.Background())
	if !model.IsKind(err, model.KindStorage) {
		t.Errorf("SignOut() error = %v, want storage error", err)
	}
}

func TestModel_SignOut_BothFail_JoinsErrors(t *testing.T) {
	providerErr := errors.New("revoke unavailable")
	clearErr := errors.New("disk error")
	store := &mockStore{
		clearFn: func(context.Context) error { return clearErr },
	}
	provider := &mockProvider{
		signOutFn: func(context.Context, string) error { return providerErr },
	}
	m := NewModel(provider, store, nil, discardLogger())

	err := m.SignOut(context.Background())
	if !errors.Is(err, providerErr) || !errors.Is(err, clearErr) {
		t.Errorf("SignOut() error = %v, want both errors joined", err)
	}
}

func TestModel_SignOut_ReadFailure_StillSignsOut(t *testing.T) {
	var providerCalled, cleared bool
	store := &mockStore{
		getFn: func(context.Context) (string, bool, error) { return "", false, errors.New("corrupt") },
		clearFn: func(context.Context) error {
			cleared = true
			return nil
		},
	}
	provider := &mockProvider{
		signOutFn: func(context.Context, string) error {
			providerCalled = true
			return nil
		},
	}
	m := NewModel(provider, store, nil, discardLogger())

	if err := m.SignOut(context.Background()); err != nil {
		t.Errorf("SignOut() error = %v, want nil", err)
	}
	if !providerCalled || !cleared {
		t.Errorf("providerCalled = %v, cleared = %v, want both true", providerCalled, cleared)
	}
}

// --- CurrentUser / Token ---

func TestModel_CurrentUser_NoToken_DoesNotCallProvider(t *testing.T) {
	provider := &mockProvider{
		currentUserFn: func(context.Context, string) (*ProviderUser, error) {
			t.Error("provider should not be called without a stored token")
			return nil, nil
		},
	}
	m := NewModel(provider, newMemoryStore(), nil, discardLogger())

	if got := m.CurrentUser(context.Background()); got != nil {
		t.Errorf("CurrentUser() = %+v, want nil", got)
	}
}

func TestModel_CurrentUser_WithToken_ReturnsUser(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	_ = store.Set(ctx, "stored-token")

	var calls int
	provider := &mockProvider{
		currentUserFn: func(_ context.Context, token string) (*ProviderUser, error) {
			calls++
			if token != "stored-token" {
				t.Errorf("token = %q, want %q", token, "stored-token")
			}
			return &ProviderUser{Subject: "42", Email: "a@b.com", Name: "A B"}, nil
		},
	}
	m := NewModel(provider, store, nil, discardLogger())

	for i := 0; i < 2; i++ {
		got := m.CurrentUser(ctx)
		if got == nil || got.ID != "42" {
			t.Fatalf("CurrentUser() = %+v, want user 42", got)
		}
	}
	// キャッシュせず毎回問い合わせる
	if calls != 2 {
		t.Errorf("provider CurrentUser called %d times, want 2", calls)
	}
}

func TestModel_CurrentUser_FailuresCollapseToNil(t *testing.T) {
	tests := []struct {
		name     string
		store    TokenStore
		provider *mockProvider
	}{
		{
			name:     "セッションなし",
			store:    &mockStore{getFn: func(context.Context) (string, bool, error) { return "t", true, nil }},
			provider: &mockProvider{},
		},
		{
			name:  "ネットワークエラー",
			store: &mockStore{getFn: func(context.Context) (string, bool, error) { return "t", true, nil }},
			provider: &mockProvider{
				currentUserFn: func(context.Context, string) (*ProviderUser, error) {
					return nil, errors.New("network error")
				},
			},
		},
		{
			name:     "ストレージエラー",
			store:    &mockStore{getFn: func(context.Context) (string, bool, error) { return "", false, errors.New("io") }},
			provider: &mockProvider{},
		},
		{
			name:  "不正なユーザー",
			store: &mockStore{getFn: func(context.Context) (string, bool, error) { return "t", true, nil }},
			provider: &mockProvider{
				currentUserFn: func(context.Context, string) (*ProviderUser, error) {
					return &ProviderUser{Subject: "42"}, nil
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewModel(tt.provider, tt.store, nil, discardLogger())
			if got := m.CurrentUser(context.Background()); got != nil {
				t.Errorf("CurrentUser() = %+v, want nil", got)
			}
		})
	}
}

func TestModel_Token_StoreError_ReturnsAbsent(t *testing.T) {
	store := &mockStore{
		getFn: func(context.Context) (string, bool, error) { return "", false, errors.New("io") },
	}
	m := NewModel(&mockProvider{}, store, nil, discardLogger())

	if token, ok := m.Token(context.Background()); ok || token != "" {
		t.Errorf("Token() = (%q, %v), want (\"\", false)", token, ok)
	}
}
