package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/signin/internal/config"
	"github.com/hitoshi/signin/internal/model"
)

type memoryProfileRepo struct {
	profiles map[string]*model.Profile
}

func (r *memoryProfileRepo) FindByUserID(_ context.Context, userID string) (*model.Profile, error) {
	p, ok := r.profiles[userID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *memoryProfileRepo) Upsert(_ context.Context, profile *model.Profile) error {
	cp := *profile
	r.profiles[profile.UserID] = &cp
	return nil
}

// newBrokerForTest はIdPを模したサーバーに向けたブローカーのルーターを返す。
func newBrokerForTest(t *testing.T, provider *httptest.Server) http.Handler {
	t.Helper()

	cfg := &config.Config{
		GoogleClientID:       "test-client-id",
		GoogleClientSecret:   "test-client-secret",
		AuthURL:              provider.URL + "/auth",
		TokenURL:             provider.URL + "/token",
		UserInfoURL:          provider.URL + "/userinfo",
		AllowedRedirectHosts: []string{"127.0.0.1", "localhost"},
		CORSAllowedOrigin:    "http://localhost:3000",
		RateLimitGeneral:     120,
		RateLimitExchange:    10,
	}

	router, rl := buildBrokerRouter(cfg, brokerDeps{
		Profiles: &memoryProfileRepo{profiles: map[string]*model.Profile{}},
		Outbound: provider.Client(),
		Registry: prometheus.NewRegistry(),
	}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	t.Cleanup(rl.Stop)
	return router
}

func TestBrokerRouter_ExchangeAndProfile(t *testing.T) {
	provider := newFakeProvider(t)
	defer provider.Close()
	router := newBrokerForTest(t, provider)

	// 1. 認可コード交換
	body := `{"code":"auth-code","code_verifier":"verifier","redirect_uri":"http://127.0.0.1:49152/callback"}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("exchange status = %d, body = %s", w.Code, w.Body.String())
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(w.Body).Decode(&tok); err != nil || tok.AccessToken != "provider-token" {
		t.Fatalf("access_token = %q, err = %v", tok.AccessToken, err)
	}

	// 2. 表示名の更新
	req := httptest.NewRequest(http.MethodPut, "/api/profile", strings.NewReader(`{"display_name":"  Ada  "}`))
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", w.Code, w.Body.String())
	}

	// 3. プロフィール取得（IdPの名前は無害化される）
	req = httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var profile map[string]any
	if err := json.NewDecoder(w.Body).Decode(&profile); err != nil {
		t.Fatalf("failed to decode profile: %v", err)
	}
	if profile["display_name"] != "Ada" || profile["user_id"] != "google-sub-1" {
		t.Errorf("profile = %v", profile)
	}
	if name, _ := profile["name"].(string); strings.Contains(name, "<") {
		t.Errorf("name should be sanitized, got %q", name)
	}

	// 4. メトリクス
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), `signin_code_exchange_total{outcome="success"} 1`) {
		t.Errorf("/metrics should record the exchange, got:\n%s", w.Body.String())
	}
}

func TestBrokerRouter_RejectsNonLoopbackRedirect(t *testing.T) {
	provider := newFakeProvider(t)
	defer provider.Close()
	router := newBrokerForTest(t, provider)

	body := `{"code":"auth-code","code_verifier":"verifier","redirect_uri":"http://evil.example.com/callback"}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(body)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if !strings.Contains(w.Body.String(), model.ErrCodeRedirectNotAllowed) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestBrokerRouter_HealthWithoutDatabase(t *testing.T) {
	provider := newFakeProvider(t)
	defer provider.Close()
	router := newBrokerForTest(t, provider)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/health status = %d", w.Code)
	}
}
