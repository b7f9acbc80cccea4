package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/signin/internal/auth"
	"github.com/hitoshi/signin/internal/model"
	"github.com/hitoshi/signin/internal/security"
)

// --- モック定義 ---

type mockIntrospector struct {
	introspectFn func(ctx context.Context, token string) (*auth.ProviderUser, error)
	calls        int
}

func (m *mockIntrospector) Introspect(ctx context.Context, token string) (*auth.ProviderUser, error) {
	m.calls++
	if m.introspectFn != nil {
		return m.introspectFn(ctx, token)
	}
	return nil, auth.ErrNoSession
}

type mockRecorder struct {
	outcomes []string
}

func (m *mockRecorder) RecordIntrospection(outcome string) {
	m.outcomes = append(m.outcomes, outcome)
}

var (
	_ TokenIntrospector     = (*mockIntrospector)(nil)
	_ TokenIntrospector     = (*auth.Introspector)(nil)
	_ IntrospectionRecorder = (*mockRecorder)(nil)
	_ TextSanitizer         = (*security.ProfileSanitizer)(nil)
)

// validIntrospector は"valid-token"のみを受け付けるIntrospectorを返す。
func validIntrospector() *mockIntrospector {
	return &mockIntrospector{
		introspectFn: func(_ context.Context, token string) (*auth.ProviderUser, error) {
			if token != "valid-token" {
				return nil, fmt.Errorf("userinfo: %w", auth.ErrNoSession)
			}
			return &auth.ProviderUser{
				Subject: "google-sub-1",
				Email:   "user@example.com",
				Name:    "<b>Test</b> User",
				Picture: "http://insecure.example.com/p.png",
			}, nil
		},
	}
}

// --- テスト ---

func TestBearerMiddleware_ValidToken_InjectsUser(t *testing.T) {
	rec := &mockRecorder{}
	mw := NewBearerMiddleware(BearerConfig{
		Introspector: validIntrospector(),
		Sanitizer:    security.NewProfileSanitizer(),
		Recorder:     rec,
	})

	var captured model.User
	var capturedID string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ok bool
		captured, ok = UserFromContext(r.Context())
		if !ok {
			t.Error("expected user in context")
		}
		capturedID, _ = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.Header.Set("Authorization", "Bearer valid-token")

	if resp := serve(handler, req); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if capturedID != "google-sub-1" || captured.ID != "google-sub-1" {
		t.Errorf("user id = (%q, %q)", capturedID, captured.ID)
	}
	if captured.Name != "Test User" {
		t.Errorf("Name = %q, want sanitized %q", captured.Name, "Test User")
	}
	if captured.Photo != "" {
		t.Errorf("Photo = %q, want non-https URL dropped", captured.Photo)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "valid" {
		t.Errorf("outcomes = %v, want [valid]", rec.outcomes)
	}
}

func TestBearerMiddleware_SchemeIsCaseInsensitive(t *testing.T) {
	handler := NewBearerMiddleware(BearerConfig{Introspector: validIntrospector()})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.Header.Set("Authorization", "bearer valid-token")
	if resp := serve(handler, req); resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestBearerMiddleware_MissingOrMalformedHeader_Returns401(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"ヘッダーなし", ""},
		{"Basic認証", "Basic dXNlcjpwYXNz"},
		{"トークンなし", "Bearer "},
		{"スキームのみ", "Bearer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validIntrospector()
			handler := NewBearerMiddleware(BearerConfig{Introspector: in})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp := serve(handler, req)

			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
			}
			if in.calls != 0 {
				t.Error("introspector should not be called without a bearer token")
			}
		})
	}
}

func TestBearerMiddleware_InvalidToken_Returns401(t *testing.T) {
	rec := &mockRecorder{}
	handler := NewBearerMiddleware(BearerConfig{Introspector: validIntrospector(), Recorder: rec})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.Header.Set("Authorization", "Bearer expired-token")
	resp := serve(handler, req)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeUnauthorized {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthorized)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "invalid" {
		t.Errorf("outcomes = %v, want [invalid]", rec.outcomes)
	}
}

func TestBearerMiddleware_ProviderFailure_Returns502(t *testing.T) {
	rec := &mockRecorder{}
	in := &mockIntrospector{
		introspectFn: func(context.Context, string) (*auth.ProviderUser, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	handler := NewBearerMiddleware(BearerConfig{Introspector: in, Recorder: rec})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	resp := serve(handler, req)

	// IdPの障害はセッション失効ではないため401にしない
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadGateway)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "error" {
		t.Errorf("outcomes = %v, want [error]", rec.outcomes)
	}
}

func TestBearerMiddleware_NameFallsBackToEmail(t *testing.T) {
	in := &mockIntrospector{
		introspectFn: func(context.Context, string) (*auth.ProviderUser, error) {
			return &auth.ProviderUser{Subject: "s", Email: "e@example.com"}, nil
		},
	}

	var captured model.User
	handler := NewBearerMiddleware(BearerConfig{Introspector: in})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = UserFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.Header.Set("Authorization", "Bearer t")
	serve(handler, req)

	if captured.Name != "e@example.com" {
		t.Errorf("Name = %q, want %q", captured.Name, "e@example.com")
	}
}

func TestUserIDFromContext_NoValue_ReturnsError(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("expected error for missing user ID in context")
	}
	if _, ok := UserFromContext(context.Background()); ok {
		t.Error("expected no user in empty context")
	}
}

func TestContextWithUser_RoundTrip(t *testing.T) {
	ctx := ContextWithUser(context.Background(), model.User{ID: "user-456", Email: "a@b.com"})

	userID, err := UserIDFromContext(ctx)
	if err != nil || userID != "user-456" {
		t.Errorf("UserIDFromContext() = (%q, %v)", userID, err)
	}
	user, ok := UserFromContext(ctx)
	if !ok || user.Email != "a@b.com" {
		t.Errorf("UserFromContext() = (%+v, %v)", user, ok)
	}
}
