package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"identity-service/internal/model"
	"identity-service/internal/service"
	"identity-service/internal/util"
)

// AccountHandler exposes account lifecycle: deletion, reactivation and
// the administrative ban surface.
type AccountHandler struct {
	accounts *service.AccountService
	sessions *service.SessionService
}

func NewAccountHandler(accounts *service.AccountService, sessions *service.SessionService) *AccountHandler {
	return &AccountHandler{
		accounts: accounts,
		sessions: sessions,
	}
}

func (h *AccountHandler) RegisterRoutes(router chi.Router) {
	router.Route("/account", func(r chi.Router) {
		// Reactivation is filed by holders who cannot authenticate.
		r.Post("/reactivation-request", h.RequestReactivation)
		r.Get("/reactivation-status/{accountID}", h.ReactivationStatus)

		r.Group(func(pr chi.Router) {
			pr.Use(AuthMiddleware(h.sessions))
			pr.Delete("/", h.DeleteAccount)
		})

		r.Group(func(ar chi.Router) {
			ar.Use(AuthMiddleware(h.sessions))
			ar.Use(RequireRole(model.RoleAdmin))
			ar.Post("/{accountID}/ban", h.Ban)
			ar.Post("/{accountID}/unban", h.Unban)
			ar.Post("/reactivation/{requestID}/decide", h.DecideReactivation)
		})
	})
}

type reactivationRequest struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

func (h *AccountHandler) RequestReactivation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req reactivationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err, start)
		return
	}

	request, err := h.accounts.RequestReactivation(r.Context(), req.Email, req.Reason, util.ClientIP(r))
	if err != nil {
		writeError(w, r, err, start)
		return
	}

	writeSuccess(w, r, http.StatusCreated, "reactivation request filed", map[string]interface{}{
		"request": request,
	}, start)
}

func (h *AccountHandler) ReactivationStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	request, err := h.accounts.ReactivationStatus(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, r, err, start)
		return
	}

	writeSuccess(w, r, http.StatusOK, "reactivation status", map[string]interface{}{
		"request": request,
	}, start)
}

func (h *AccountHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	claims := ClaimsFrom(r.Context())
	if err := h.accounts.DeleteAccount(r.Context(), claims.AccountID); err != nil {
		writeError(w, r, err, start)
		return
	}

	writeSuccess(w, r, http.StatusOK, "account deleted", nil, start)
}

type banRequest struct {
	Reason string `json:"reason"`
}

func (h *AccountHandler) Ban(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req banRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err, start)
		return
	}

	claims := ClaimsFrom(r.Context())
	if err := h.accounts.Ban(r.Context(), chi.URLParam(r, "accountID"), claims.AccountID, req.Reason); err != nil {
		writeError(w, r, err, start)
		return
	}

	writeSuccess(w, r, http.StatusOK, "account banned", nil, start)
}

func (h *AccountHandler) Unban(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if err := h.accounts.Unban(r.Context(), chi.URLParam(r, "accountID")); err != nil {
		writeError(w, r, err, start)
		return
	}

	writeSuccess(w, r, http.StatusOK, "account unbanned", nil, start)
}

type decideRequest struct {
	Approve bool `json:"approve"`
}

func (h *AccountHandler) DecideReactivation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req decideRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err, start)
		return
	}

	claims := ClaimsFrom(r.Context())
	request, err := h.accounts.DecideReactivation(r.Context(), chi.URLParam(r, "requestID"), claims.AccountID, req.Approve)
	if err != nil {
		writeError(w, r, err, start)
		return
	}

	writeSuccess(w, r, http.StatusOK, "reactivation request decided", map[string]interface{}{
		"request": request,
	}, start)
}
