package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"identity-service/internal/config"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrUnknownVersion   = errors.New("unknown ciphertext version")
)

// formatVersion tags every token so the wrap scheme can be rotated
// later without re-encrypting in place.
const formatVersion = "v1"

const localKeyID = "local"

// PhoneCipher encrypts phone numbers with per-value data keys
// (AES-256-GCM), the data key wrapped either by AWS KMS or by a local
// master key derived from configuration. Tokens are self-describing:
//
//	v1$<key-id>$<b64 wrapped DEK>$<b64 nonce||ciphertext>
type PhoneCipher struct {
	cfg       *config.Config
	kmsClient *kms.Client
	masterKey []byte
	dekCache  sync.Map // wrapped DEK (b64) -> plaintext DEK
}

// NewPhoneCipher builds the cipher. kmsClient may be nil when KMS is
// disabled; the master key is then derived from PHONE_CIPHER_KEY.
func NewPhoneCipher(cfg *config.Config, kmsClient *kms.Client) *PhoneCipher {
	sum := sha256.Sum256([]byte(cfg.Keys.PhoneCipherKey))
	return &PhoneCipher{
		cfg:       cfg,
		kmsClient: kmsClient,
		masterKey: sum[:],
	}
}

// Encrypt seals a normalized phone number into a versioned token.
func (pc *PhoneCipher) Encrypt(ctx context.Context, plaintext string) (string, error) {
	dek, wrappedDEK, keyID, err := pc.newDataKey(ctx)
	if err != nil {
		return "", err
	}

	sealed, err := sealGCM(dek, []byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	wrapped := base64.StdEncoding.EncodeToString(wrappedDEK)
	pc.dekCache.Store(wrapped, dek)

	return strings.Join([]string{
		formatVersion,
		keyID,
		wrapped,
		base64.StdEncoding.EncodeToString(sealed),
	}, "$"), nil
}

// Decrypt recovers the phone number from a token. Any tampering with
// the ciphertext fails GCM authentication rather than returning
// corrupted digits.
func (pc *PhoneCipher) Decrypt(ctx context.Context, token string) (string, error) {
	parts := strings.SplitN(token, "$", 4)
	if len(parts) != 4 {
		return "", fmt.Errorf("%w: malformed token", ErrDecryptionFailed)
	}
	if parts[0] != formatVersion {
		return "", fmt.Errorf("%w: %q", ErrUnknownVersion, parts[0])
	}

	dek, err := pc.unwrapDataKey(ctx, parts[2])
	if err != nil {
		return "", err
	}

	sealed, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryptionFailed)
	}

	plaintext, err := openGCM(dek, sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// ClearCache drops all cached plaintext data keys.
func (pc *PhoneCipher) ClearCache() {
	pc.dekCache.Range(func(key, _ interface{}) bool {
		pc.dekCache.Delete(key)
		return true
	})
}

func (pc *PhoneCipher) newDataKey(ctx context.Context) (dek, wrapped []byte, keyID string, err error) {
	if pc.cfg.KMS.Enabled {
		input := &kms.GenerateDataKeyInput{
			KeyId:   aws.String(pc.cfg.KMS.KeyID),
			KeySpec: types.DataKeySpecAes256,
		}
		result, err := pc.kmsClient.GenerateDataKey(ctx, input)
		if err != nil {
			return nil, nil, "", fmt.Errorf("%w: generate data key: %v", ErrEncryptionFailed, err)
		}
		return result.Plaintext, result.CiphertextBlob, pc.cfg.KMS.KeyID, nil
	}

	dek = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, nil, "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrapped, err = sealGCM(pc.masterKey, dek)
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return dek, wrapped, localKeyID, nil
}

func (pc *PhoneCipher) unwrapDataKey(ctx context.Context, wrappedB64 string) ([]byte, error) {
	if cached, ok := pc.dekCache.Load(wrappedB64); ok {
		return cached.([]byte), nil
	}

	wrapped, err := base64.StdEncoding.DecodeString(wrappedB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK encoding", ErrDecryptionFailed)
	}

	var dek []byte
	if pc.cfg.KMS.Enabled {
		result, err := pc.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: wrapped})
		if err != nil {
			return nil, fmt.Errorf("%w: unwrap data key: %v", ErrDecryptionFailed, err)
		}
		dek = result.Plaintext
	} else {
		dek, err = openGCM(pc.masterKey, wrapped)
		if err != nil {
			return nil, fmt.Errorf("%w: unwrap data key: %v", ErrDecryptionFailed, err)
		}
	}

	pc.dekCache.Store(wrappedB64, dek)
	return dek, nil
}

func sealGCM(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func openGCM(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
