package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

var ErrInvalidHash = errors.New("invalid hash format")

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func (p Argon2Params) derive(input string, salt []byte, keyLength uint32) []byte {
	return argon2.IDKey([]byte(input), salt, p.Iterations, p.Memory, p.Parallelism, keyLength)
}

type Pepper struct {
	Value     string
	CreatedAt time.Time
	Version   int
}

// Hasher produces argon2id hashes for passwords and OTP codes. A
// process-wide pepper is mixed into every hash; old pepper versions are
// retained so existing hashes keep verifying after rotation.
type Hasher struct {
	params        Argon2Params
	currentPepper *Pepper
	oldPeppers    []*Pepper
	rotationDays  int
	mu            sync.RWMutex
}

// HashResult is stored alongside the credential it protects.
type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg *config.Config) *Hasher {
	h := &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
			Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
			Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
			SaltLength:  32,
			KeyLength:   32,
		},
		rotationDays: cfg.Hashing.PepperRotationDays,
	}

	// The version-1 pepper must be stable across restarts or durable
	// password hashes stop verifying. It comes from configuration;
	// rotation appends fresh random versions on top.
	if secret := cfg.Hashing.PepperSecret; secret != "" {
		h.currentPepper = &Pepper{Value: secret, CreatedAt: time.Now(), Version: 1}
	} else {
		h.rotatePepper()
	}

	return h
}

func (h *Hasher) HashPassword(password string) (*HashResult, error) {
	return h.hash(password, "password")
}

func (h *Hasher) HashOTP(otp string) (*HashResult, error) {
	return h.hash(otp, "otp")
}

func (h *Hasher) VerifyPassword(password string, stored *HashResult) (bool, error) {
	return h.verify(password, stored, "password")
}

func (h *Hasher) VerifyOTP(otp string, stored *HashResult) (bool, error) {
	return h.verify(otp, stored, "otp")
}

// hash mixes the current pepper and a purpose tag into the input before
// key derivation. The purpose tag keeps a password hash from ever
// verifying as an OTP hash of the same string.
func (h *Hasher) hash(input, purpose string) (*HashResult, error) {
	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := h.params.derive(input+pepper.Value+purpose, salt, h.params.KeyLength)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(key),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: pepper.Version,
		Algorithm:     "argon2id-v1",
	}, nil
}

func (h *Hasher) verify(input string, stored *HashResult, purpose string) (bool, error) {
	pepper, err := h.pepperByVersion(stored.PepperVersion)
	if err != nil {
		return false, fmt.Errorf("pepper version not found: %w", err)
	}

	salt, err := base64.RawURLEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(stored.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	computed := h.params.derive(input+pepper+purpose, salt, uint32(len(expected)))

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func (h *Hasher) pepperByVersion(version int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.currentPepper != nil && h.currentPepper.Version == version {
		return h.currentPepper.Value, nil
	}
	for _, pepper := range h.oldPeppers {
		if pepper.Version == version {
			return pepper.Value, nil
		}
	}

	return "", errors.New("pepper version not found")
}

func (h *Hasher) rotatePepper() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.currentPepper != nil {
		h.oldPeppers = append(h.oldPeppers, h.currentPepper)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		util.Fatal("Failed to generate pepper", zap.Error(err))
	}

	h.currentPepper = &Pepper{
		Value:     base64.RawURLEncoding.EncodeToString(raw),
		CreatedAt: time.Now(),
		Version:   len(h.oldPeppers) + 1,
	}

	util.Info("Pepper rotated",
		zap.Int("version", h.currentPepper.Version),
		zap.Time("created_at", h.currentPepper.CreatedAt),
	)
}

// StartPepperRotation rotates the pepper on a fixed interval in the
// background, keeping the two most recent retired versions verifiable.
func (h *Hasher) StartPepperRotation() {
	ticker := time.NewTicker(time.Duration(h.rotationDays) * 24 * time.Hour)

	go func() {
		for range ticker.C {
			h.rotatePepper()

			h.mu.Lock()
			if len(h.oldPeppers) > 2 {
				h.oldPeppers = h.oldPeppers[len(h.oldPeppers)-2:]
			}
			h.mu.Unlock()
		}
	}()
}
