package service

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"unicode"

	"identity-service/internal/errs"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)
	otpPattern   = regexp.MustCompile(`^\d{6}$`)
)

// EmailHash is the lookup key for an email address: SHA-256 of the
// normalized form, hex encoded. Case or whitespace differences in
// input never produce distinct keys.
func EmailHash(email string) string {
	sum := sha256.Sum256([]byte(util.NormalizeEmail(email)))
	return hex.EncodeToString(sum[:])
}

func validateEmail(email string) error {
	if email == "" {
		return errs.Validation("email is required").WithDetail("field", "email")
	}
	if len(email) > 254 || !emailPattern.MatchString(email) {
		return errs.Validation("email address is not valid").WithDetail("field", "email")
	}
	return nil
}

// validatePassword enforces the minimum policy: 8-128 characters with
// at least one uppercase letter, one lowercase letter and one digit.
func validatePassword(password string) error {
	if len(password) < 8 {
		return errs.Validation("password must be at least 8 characters").WithDetail("field", "password")
	}
	if len(password) > 128 {
		return errs.Validation("password must be at most 128 characters").WithDetail("field", "password")
	}

	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return errs.Validation("password must contain an uppercase letter, a lowercase letter and a digit").
			WithDetail("field", "password")
	}
	return nil
}

func validateName(field, value string) error {
	if len(value) < 2 || len(value) > 50 {
		return errs.Validation(field + " must be between 2 and 50 characters").WithDetail("field", field)
	}
	return nil
}

// validateRole accepts the self-service roles only. Admin accounts are
// provisioned out of band and never through registration.
func validateRole(role string) error {
	switch role {
	case model.RoleStudent, model.RoleInstructor:
		return nil
	default:
		return errs.Validation("role must be STUDENT or INSTRUCTOR").WithDetail("field", "role")
	}
}

// validateOTPFormat gates the shape of an OTP before it counts as an
// attempt. A malformed code is rejected without touching the counter.
func validateOTPFormat(code string) error {
	if !otpPattern.MatchString(code) {
		return errs.InvalidOTPFormat()
	}
	return nil
}
