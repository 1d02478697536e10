package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/config"
)

func testHasher() *Hasher {
	return NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:   8 * 1024,
			Argon2TimeCost:     1,
			Argon2Parallelism:  1,
			PepperSecret:       "test-pepper-secret",
			PepperRotationDays: 30,
		},
	})
}

func TestPasswordRoundTrip(t *testing.T) {
	h := testHasher()

	result, err := h.HashPassword("Sup3r-secret!")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Hash)
	assert.NotEmpty(t, result.Salt)
	assert.Equal(t, 1, result.PepperVersion)
	assert.Equal(t, "argon2id-v1", result.Algorithm)

	ok, err := h.VerifyPassword("Sup3r-secret!", result)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyPassword("not-the-password", result)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOTPRoundTrip(t *testing.T) {
	h := testHasher()

	result, err := h.HashOTP("493817")
	require.NoError(t, err)

	ok, err := h.VerifyOTP("493817", result)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyOTP("493818", result)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaltsAreUniquePerHash(t *testing.T) {
	h := testHasher()

	first, err := h.HashPassword("same-input")
	require.NoError(t, err)
	second, err := h.HashPassword("same-input")
	require.NoError(t, err)

	assert.NotEqual(t, first.Salt, second.Salt)
	assert.NotEqual(t, first.Hash, second.Hash)
}

func TestPurposesDoNotCrossVerify(t *testing.T) {
	h := testHasher()

	asPassword, err := h.HashPassword("123456")
	require.NoError(t, err)

	ok, err := h.VerifyOTP("123456", asPassword)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsMalformedResult(t *testing.T) {
	h := testHasher()

	result, err := h.HashPassword("Sup3r-secret!")
	require.NoError(t, err)

	mangled := *result
	mangled.Salt = "!!not-base64!!"
	_, err = h.VerifyPassword("Sup3r-secret!", &mangled)
	require.ErrorIs(t, err, ErrInvalidHash)

	mangled = *result
	mangled.Hash = "!!not-base64!!"
	_, err = h.VerifyPassword("Sup3r-secret!", &mangled)
	require.ErrorIs(t, err, ErrInvalidHash)

	mangled = *result
	mangled.PepperVersion = 99
	_, err = h.VerifyPassword("Sup3r-secret!", &mangled)
	require.Error(t, err)
}

func TestOldPepperVersionsKeepVerifying(t *testing.T) {
	h := testHasher()

	result, err := h.HashPassword("Sup3r-secret!")
	require.NoError(t, err)
	require.Equal(t, 1, result.PepperVersion)

	h.rotatePepper()

	fresh, err := h.HashPassword("Sup3r-secret!")
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.PepperVersion)

	ok, err := h.VerifyPassword("Sup3r-secret!", result)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyPassword("Sup3r-secret!", fresh)
	require.NoError(t, err)
	assert.True(t, ok)
}
