package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"

	"identity-service/internal/config"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// EncryptedData is the envelope stored in the email_encrypted column:
// the AES-GCM ciphertext plus the KMS-wrapped data key that protects it.
type EncryptedData struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

// Marshal serializes the envelope for column storage.
func (d *EncryptedData) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalEnvelope parses a stored envelope.
func UnmarshalEnvelope(raw []byte) (*EncryptedData, error) {
	var d EncryptedData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope", ErrDecryptionFailed)
	}
	return &d, nil
}

// EncryptionManager performs envelope encryption of PII fields (account
// email addresses). With KMS disabled it falls back to locally generated
// keys, which is only acceptable in development.
type EncryptionManager struct {
	kmsClient *kms.Client
	config    *config.Config
	keyCache  sync.Map // encrypted DEK -> plaintext DEK
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

func NewEncryptionManager(cfg *config.Config, kmsClient *kms.Client) *EncryptionManager {
	return &EncryptionManager{kmsClient: kmsClient, config: cfg}
}

// EncryptField seals a sensitive value under a fresh data key and
// returns the storable envelope.
func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext string) (*EncryptedData, error) {
	dataKey, err := em.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	sealed, err := sealWithKey(dataKey.Plaintext, []byte(plaintext))
	if err != nil {
		return nil, err
	}

	encryptedDEK := base64.StdEncoding.EncodeToString(dataKey.Ciphertext)
	em.keyCache.Store(encryptedDEK, dataKey.Plaintext)

	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(sealed),
		EncryptedDEK:   encryptedDEK,
		KeyID:          dataKey.KeyID,
		Version:        "v1",
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// DecryptField opens an envelope produced by EncryptField, unwrapping
// the data key through KMS (or base64 locally) on cache miss.
func (em *EncryptionManager) DecryptField(ctx context.Context, envelope *EncryptedData) (string, error) {
	if cached, ok := em.keyCache.Load(envelope.EncryptedDEK); ok {
		return openWithKey(envelope.EncryptedValue, cached.([]byte))
	}

	plaintextDEK, err := em.unwrapDEK(ctx, envelope.EncryptedDEK)
	if err != nil {
		return "", err
	}
	em.keyCache.Store(envelope.EncryptedDEK, plaintextDEK)

	return openWithKey(envelope.EncryptedValue, plaintextDEK)
}

func (em *EncryptionManager) generateDataKey(ctx context.Context) (*DataKey, error) {
	if !em.config.KMS.Enabled || em.kmsClient == nil {
		return localDataKey(), nil
	}

	result, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.config.KMS.KeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      em.config.KMS.KeyID,
	}, nil
}

func localDataKey() *DataKey {
	key := make([]byte, 32) // AES-256
	if _, err := rand.Read(key); err != nil {
		panic("failed to generate local encryption key: " + err.Error())
	}

	// Without KMS the DEK is stored base64-wrapped, not actually sealed
	return &DataKey{
		Plaintext:  key,
		Ciphertext: []byte(base64.StdEncoding.EncodeToString(key)),
		KeyID:      uuid.New().String(),
	}
}

func (em *EncryptionManager) unwrapDEK(ctx context.Context, encryptedDEK string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	if !em.config.KMS.Enabled || em.kmsClient == nil {
		return raw, nil
	}

	result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: raw})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
	}
	return result.Plaintext, nil
}

func sealWithKey(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key, ErrEncryptionFailed)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func openWithKey(encryptedValue string, key []byte) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	gcm, err := newGCM(key, ErrDecryptionFailed)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	plaintext, err := gcm.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return string(plaintext), nil
}

func newGCM(key []byte, failure error) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", failure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", failure, err)
	}
	return gcm, nil
}

// ClearCache drops all cached plaintext data keys.
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Range(func(key, value interface{}) bool {
		em.keyCache.Delete(key)
		return true
	})
}
