package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/signin/internal/middleware"
	"github.com/hitoshi/signin/internal/model"
)

// ProfileServiceInterface はプロフィールハンドラーが必要とするサービスインターフェース。
type ProfileServiceInterface interface {
	GetProfile(ctx context.Context, identity model.User) (*model.Profile, error)
	UpdateDisplayName(ctx context.Context, identity model.User, displayName string) (*model.Profile, error)
}

// ProfileHandler はプロフィールAPIのHTTPハンドラー。
type ProfileHandler struct {
	service ProfileServiceInterface
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(service ProfileServiceInterface) *ProfileHandler {
	return &ProfileHandler{service: service}
}

type profileResponse struct {
	UserID      string     `json:"user_id"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	DisplayName string     `json:"display_name"`
	Photo       string     `json:"photo,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

type updateProfileRequest struct {
	DisplayName string `json:"display_name"`
}

func toProfileResponse(p *model.Profile) profileResponse {
	resp := profileResponse{
		UserID:      p.UserID,
		Email:       p.Email,
		Name:        p.Name,
		DisplayName: p.DisplayName,
		Photo:       p.Photo,
	}
	if !p.UpdatedAt.IsZero() {
		t := p.UpdatedAt.UTC()
		resp.UpdatedAt = &t
	}
	return resp
}

// GetProfile は認証済みユーザーのプロフィールを返す。
// GET /api/profile
func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	p, err := h.service.GetProfile(r.Context(), identity)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toProfileResponse(p))
}

// UpdateProfile は表示名を更新する。
// PUT /api/profile
func (h *ProfileHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req updateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONを解析できません"))
		return
	}

	p, err := h.service.UpdateDisplayName(r.Context(), identity, req.DisplayName)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toProfileResponse(p))
}
