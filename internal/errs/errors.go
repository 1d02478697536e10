package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes form the stable contract with API clients. Handlers map them
// to HTTP status via the Status carried on the error itself.
const (
	CodeValidation           = "VALIDATION_ERROR"
	CodeRateLimited          = "RATE_LIMIT_EXCEEDED"
	CodeInvalidCredentials   = "INVALID_CREDENTIALS"
	CodeInvalidToken         = "INVALID_TOKEN"
	CodeInvalidOTPFormat     = "INVALID_OTP_FORMAT"
	CodeOTPFailed            = "OTP_VERIFICATION_FAILED"
	CodeAlreadyVerified      = "ALREADY_VERIFIED"
	CodeAlreadyAuthenticated = "ALREADY_AUTHENTICATED"
	CodeEmailNotVerified     = "EMAIL_NOT_VERIFIED"
	CodeAccountDeactivated   = "ACCOUNT_DEACTIVATED"
	CodeAccountBanned        = "ACCOUNT_BANNED"
	CodeUserAlreadyExists    = "USER_ALREADY_EXISTS"
	CodeRequestAlreadyExists = "REQUEST_ALREADY_EXISTS"
	CodeNotFound             = "NOT_FOUND"
	CodeInternal             = "INTERNAL_SERVER_ERROR"
)

// Error is the tagged error type used across the service layer: a fixed
// code discriminant, the HTTP status it maps to, and an open details map
// for anything extra (retry windows, ban metadata, field errors).
type Error struct {
	Code    string
	Status  int
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail returns a copy of the error with one extra details entry.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	out := *e
	out.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *Error) WithCause(err error) *Error {
	out := *e
	out.Err = err
	return &out
}

func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

func Validation(message string) *Error {
	return New(CodeValidation, http.StatusBadRequest, message)
}

func RateLimited(retryAfterSeconds int) *Error {
	e := New(CodeRateLimited, http.StatusTooManyRequests, "too many requests")
	return e.WithDetail("retryAfter", retryAfterSeconds)
}

func InvalidCredentials() *Error {
	return New(CodeInvalidCredentials, http.StatusUnauthorized, "invalid email or password")
}

func InvalidToken(message string) *Error {
	return New(CodeInvalidToken, http.StatusUnauthorized, message)
}

func InvalidOTPFormat() *Error {
	return New(CodeInvalidOTPFormat, http.StatusBadRequest, "OTP must be exactly 6 digits")
}

func OTPFailed(message string) *Error {
	return New(CodeOTPFailed, http.StatusBadRequest, message)
}

func AlreadyVerified() *Error {
	return New(CodeAlreadyVerified, http.StatusBadRequest, "account is already verified")
}

func AlreadyAuthenticated() *Error {
	return New(CodeAlreadyAuthenticated, http.StatusBadRequest, "an active session already exists")
}

func EmailNotVerified() *Error {
	return New(CodeEmailNotVerified, http.StatusForbidden, "email address is not verified")
}

func AccountDeactivated() *Error {
	return New(CodeAccountDeactivated, http.StatusForbidden, "account is deactivated")
}

func AccountBanned(reason string, bannedAt interface{}) *Error {
	e := New(CodeAccountBanned, http.StatusForbidden, "account is banned")
	e.Details = map[string]interface{}{"reason": reason, "bannedAt": bannedAt}
	return e
}

func UserAlreadyExists() *Error {
	return New(CodeUserAlreadyExists, http.StatusConflict, "an account with this email already exists")
}

func RequestAlreadyExists() *Error {
	return New(CodeRequestAlreadyExists, http.StatusConflict, "a pending request already exists")
}

func NotFound(what string) *Error {
	return New(CodeNotFound, http.StatusNotFound, what+" not found")
}

func Internal(err error) *Error {
	return New(CodeInternal, http.StatusInternalServerError, "internal server error").WithCause(err)
}

// From extracts the tagged error from an error chain, converting anything
// unexpected into an INTERNAL_SERVER_ERROR so no raw error text leaks out.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// CodeOf reports the code of err, or CodeInternal for untagged errors.
func CodeOf(err error) string {
	return From(err).Code
}

// StatusOf reports the HTTP status of err, or 500 for untagged errors.
func StatusOf(err error) int {
	return From(err).Status
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
