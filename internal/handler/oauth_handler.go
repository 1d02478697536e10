package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"identity-service/internal/errs"
	"identity-service/internal/model"
	"identity-service/internal/service"
	"identity-service/internal/util"
)

// OAuthHandler drives the provider round trip. Begin and the callback
// are browser-facing; exchange is called by the frontend with the
// one-time code from the redirect.
type OAuthHandler struct {
	oauth *service.OAuthService
}

func NewOAuthHandler(oauth *service.OAuthService) *OAuthHandler {
	return &OAuthHandler{oauth: oauth}
}

func (h *OAuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/oauth", func(r chi.Router) {
		r.Get("/{provider}", h.Begin)
		r.Get("/{provider}/callback", h.Callback)
		r.Post("/exchange", h.Exchange)
	})
}

// Begin redirects the browser to the provider's consent screen. The
// optional role query parameter is pinned server side for the round
// trip; it defaults to student.
func (h *OAuthHandler) Begin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	provider := chi.URLParam(r, "provider")
	role := r.URL.Query().Get("role")
	if role == "" {
		role = model.RoleStudent
	}

	url, err := h.oauth.Begin(r.Context(), provider, role, util.ClassifyDevice(r.UserAgent()), util.ClientIP(r))
	if err != nil {
		writeError(w, r, err, start)
		return
	}

	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// Callback lands the provider redirect. Outcomes are reported to the
// frontend via redirect, success carrying the exchange code.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")

	if state == "" || code == "" {
		http.Redirect(w, r, h.oauth.FailureRedirect("missing_parameters"), http.StatusTemporaryRedirect)
		return
	}

	exchangeCode, err := h.oauth.Callback(r.Context(), provider, state, code)
	if err != nil {
		http.Redirect(w, r, h.oauth.FailureRedirect(errs.CodeOf(err)), http.StatusTemporaryRedirect)
		return
	}

	http.Redirect(w, r, h.oauth.SuccessRedirect(exchangeCode), http.StatusTemporaryRedirect)
}

type exchangeRequest struct {
	Code string `json:"code"`
}

// Exchange redeems the one-time code for the session token.
func (h *OAuthHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req exchangeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err, start)
		return
	}
	if req.Code == "" {
		writeError(w, r, errs.Validation("code is required"), start)
		return
	}

	account, signed, err := h.oauth.Redeem(r.Context(), req.Code)
	if err != nil {
		writeError(w, r, err, start)
		return
	}

	writeSuccess(w, r, http.StatusOK, "login successful", map[string]interface{}{
		"account": account,
		"token":   signed,
	}, start)
}
