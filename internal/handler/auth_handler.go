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

// AuthHandler exposes registration, verification, login and password
// reset.
type AuthHandler struct {
	auth         *service.AuthService
	sessions     *service.SessionService
	verification *service.VerificationService
}

func NewAuthHandler(auth *service.AuthService, sessions *service.SessionService, verification *service.VerificationService) *AuthHandler {
	return &AuthHandler{
		auth:         auth,
		sessions:     sessions,
		verification: verification,
	}
}

// RegisterRoutes mounts the public and protected auth routes.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/verify", h.Verify)
		r.Get("/verify-link", h.VerifyLink)
		r.Post("/otp/resend", h.ResendOTP)
		r.Get("/otp/status/{email}", h.OTPStatus)
		r.Post("/login", h.Login)
		r.Post("/password-reset/request", h.RequestPasswordReset)
		r.Post("/password-reset/confirm", h.ConfirmPasswordReset)

		r.Group(func(pr chi.Router) {
			pr.Use(AuthMiddleware(h.sessions))
			pr.Post("/logout", h.Logout)
			pr.Get("/sessions", h.ListSessions)
			pr.Post("/sessions/invalidate-all", h.InvalidateAllSessions)
		})
	})
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req service.RegisterRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err, start)
		return
	}

	account, refreshed, err := h.auth.Register(r.Context(), &req, util.ClientIP(r))
	if err != nil {
		writeError(w, r, err, start)
		return
	}

	// An unverified duplicate is not a new account: the existing one was
	// refreshed and only awaits verification.
	if refreshed {
		writeSuccess(w, r, http.StatusOK,
			"this address already has a pending registration, a new verification code has been sent",
			map[string]interface{}{"account": account, "needsVerification": true}, start)
		return
	}

	writeSuccess(w, r, http.StatusCreated,
		"registration accepted, check your email for a verification code",
		map[string]interface{}{"account": account, "needsVerification": true}, start)
}

type verifyRequest struct {
	Email string `json:"email,omitempty"`
	OTP   string `json:"otp,omitempty"`
	Token string `json:"token,omitempty"`
}

// Verify completes registration with either an email+OTP pair or a link
// token.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req verifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err, start)
		return
	}

	ip := util.ClientIP(r)
	device := util.ClassifyDevice(r.UserAgent())

	var (
		account *model.Account
		session *model.Session
		signed  string
		err     error
	)
	switch {
	case req.Token != "":
		account, session, signed, err = h.auth.VerifyEmailByLink(r.Context(), req.Token, ip, device)
	case req.Email != "" && req.OTP != "":
		account, session, signed, err = h.auth.VerifyEmail(r.Context(), req.Email, req.OTP, ip, device)
	default:
		err = errs.Validation("either token or email and otp are required")
	}
	if err != nil {
		writeError(w, r, err, start)
		return
	}

	writeSuccess(w, r, http.StatusOK, "email verified", verifiedPayload(account, session, signed), start)
}

// verifiedPayload shapes the verify response; the token is present only
// when the auto-login session could be minted.
func verifiedPayload(account *model.Account, session *model.Session, signed string) map[string]interface{} {
	data := map[string]interface{}{"account": account}
	if signed != "" && session != nil {
		data["token"] = signed
		data["expiresAt"] = session.ExpiresAt
	}
	return data
}

func (h *AuthHandler) VerifyLink(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	linkToken := r.URL.Query().Get("token")
	if linkToken == "" {
		writeError(w, r, errs.Validation("token query parameter is required"), start)
		return
	}

	account, session, signed, err := h.auth.VerifyEmailByLink(
		r.Context(), linkToken, util.ClientIP(r), util.ClassifyDevice(r.UserAgent()))
	if err != nil {
		writeError(w, r, err, start)
		return
	}

	writeSuccess(w, r, http.StatusOK, "email verified", verifiedPayload(account, session, signed), start)
}

type emailRequest struct {
	Email string `json:"email"`
}

func (h *AuthHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req emailRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err, start)
		return
	}

	if err := h.auth.ResendVerification(r.Context(), req.Email); err != nil {
		writeError(w, r, err, start)
		return
	}

	writeSuccess(w, r, http.StatusOK,
		"if the address has an unverified account, a new code has been sent", nil, start)
}

func (h *AuthHandler) OTPStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	email := util.NormalizeEmail(chi.URLParam(r, "email"))
	pending, expiresAt, err := h.verification.OTPStatus(r.Context(), email)
	if err != nil {
		writeError(w, r, err, start)
		return
	}

	data := map[string]interface{}{"pending": pending}
	if pending {
		data["expiresAt"] = expiresAt
	}
	writeSuccess(w, r, http.StatusOK, "otp status", data, start)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err, start)
		return
	}

	account, session, signed, err := h.auth.Login(
		r.Context(), req.Email, req.Password, bearerToken(r), util.ClientIP(r), util.ClassifyDevice(r.UserAgent()))
	if err != nil {
		writeError(w, r, err, start)
		return
	}

	writeSuccess(w, r, http.StatusOK, "login successful", map[string]interface{}{
		"account":   account,
		"token":     signed,
		"expiresAt": session.ExpiresAt,
	}, start)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	claims := ClaimsFrom(r.Context())
	if err := h.sessions.Logout(r.Context(), TokenFrom(r.Context()), claims); err != nil {
		writeError(w, r, err, start)
		return
	}

	writeSuccess(w, r, http.StatusOK, "logged out", nil, start)
}

func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req emailRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err, start)
		return
	}

	if err := h.auth.RequestPasswordReset(r.Context(), req.Email, util.ClientIP(r)); err != nil {
		writeError(w, r, err, start)
		return
	}

	writeSuccess(w, r, http.StatusOK,
		"if the address has an account, a reset code has been sent", nil, start)
}

type resetConfirmRequest struct {
	Email       string `json:"email"`
	OTP         string `json:"otp"`
	NewPassword string `json:"newPassword"`
}

func (h *AuthHandler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req resetConfirmRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err, start)
		return
	}

	if err := h.auth.ConfirmPasswordReset(r.Context(), req.Email, req.OTP, req.NewPassword); err != nil {
		writeError(w, r, err, start)
		return
	}

	writeSuccess(w, r, http.StatusOK, "password updated, sign in again on all devices", nil, start)
}

func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	claims := ClaimsFrom(r.Context())
	sessions, err := h.sessions.ListSessions(r.Context(), claims.AccountID, claims.SessionID)
	if err != nil {
		writeError(w, r, err, start)
		return
	}

	writeSuccess(w, r, http.StatusOK, "active sessions", map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	}, start)
}

type invalidateAllRequest struct {
	KeepCurrent *bool `json:"keepCurrent,omitempty"`
}

// InvalidateAllSessions revokes every session of the caller; by default
// the current one survives.
func (h *AuthHandler) InvalidateAllSessions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req invalidateAllRequest
	if r.ContentLength > 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, start)
			return
		}
	}

	claims := ClaimsFrom(r.Context())
	exceptSessionID := claims.SessionID
	exceptToken := TokenFrom(r.Context())
	if req.KeepCurrent != nil && !*req.KeepCurrent {
		exceptSessionID = ""
		exceptToken = ""
	}

	revoked, err := h.sessions.InvalidateAll(r.Context(), claims.AccountID, exceptSessionID, exceptToken, service.ReasonBulkInvalidate)
	if err != nil {
		writeError(w, r, err, start)
		return
	}

	writeSuccess(w, r, http.StatusOK, "sessions invalidated", map[string]interface{}{
		"revoked": revoked,
	}, start)
}
