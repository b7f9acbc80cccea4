package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/signin/internal/broker"
	"github.com/hitoshi/signin/internal/middleware"
	"github.com/hitoshi/signin/internal/model"
)

// TokenExchanger は認可コードの交換を行う。broker.Serviceが実装する。
type TokenExchanger interface {
	Exchange(ctx context.Context, req broker.ExchangeRequest) (*broker.Token, error)
}

// TokenHandler はネイティブクライアント向けのコード交換エンドポイント。
type TokenHandler struct {
	exchanger TokenExchanger
}

// NewTokenHandler はTokenHandlerを生成する。
func NewTokenHandler(exchanger TokenExchanger) *TokenHandler {
	return &TokenHandler{exchanger: exchanger}
}

type tokenRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	IDToken     string `json:"id_token,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// Exchange は認可コードとPKCE検証子をトークンに交換する。
// POST /oauth/token
func (h *TokenHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONを解析できません"))
		return
	}

	tok, err := h.exchanger.Exchange(r.Context(), broker.ExchangeRequest{
		Code:         req.Code,
		CodeVerifier: req.CodeVerifier,
		RedirectURI:  req.RedirectURI,
	})
	if err != nil {
		h.handleExchangeError(w, r, req, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresIn:   tok.ExpiresIn,
		IDToken:     tok.IDToken,
		Scope:       tok.Scope,
	})
}

func (h *TokenHandler) handleExchangeError(w http.ResponseWriter, r *http.Request, req tokenRequest, err error) {
	switch {
	case errors.Is(err, broker.ErrInvalidRequest):
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("code, code_verifier, redirect_uri は必須です"))
	case errors.Is(err, broker.ErrRedirectNotAllowed):
		slog.Warn("redirect uri rejected",
			slog.String("redirect_uri", req.RedirectURI),
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		)
		apiErr := model.NewRedirectNotAllowedError(req.RedirectURI)
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
	case errors.Is(err, broker.ErrExchangeFailed):
		apiErr := model.NewExchangeFailedError()
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
	default:
		handleServiceError(w, r, err)
	}
}
