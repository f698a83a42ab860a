// Package cryptox implements the device encryption service: a lazily
// generated AES-256-GCM device key persisted in the local metadata store,
// plus helpers to encrypt strings, JSON objects and selected sensitive
// fields of a record.
package cryptox

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/singleflight"

	"github.com/cra-platform/fieldsync/internal/common"
	"github.com/cra-platform/fieldsync/internal/logging"
	"github.com/cra-platform/fieldsync/internal/shared"
)

const (
	// NonceSize is the GCM nonce length in bytes (96 bits). A fresh random
	// nonce is generated for every encryption call and never reused.
	NonceSize = 12

	// KeyVersion is the on-disk format version of the device key record.
	KeyVersion = 1

	deviceKeyName = "device_key"
	hkdfInfo      = "fieldsync device key v1"
)

// EncryptedBlob is the opaque result of an encryption call. Ciphertext and
// IV are base64-encoded so the blob can live inside JSON field values.
type EncryptedBlob struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Version    int    `json:"version"`
}

// EncryptedFieldsKey is the side-channel key recording which fields of a
// record were encrypted, so selective decryption needs no schema.
const EncryptedFieldsKey = "_encrypted"

// KeyStore is the persistence needed for the device key. The SQLite
// metadata repository satisfies it.
type KeyStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// deviceKeyRecord is the stored form of the device key.
type deviceKeyRecord struct {
	Key       []byte    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	Version   int       `json:"version"`
}

// Service encrypts and decrypts data with the device key. The key is
// created lazily on first use and cached in memory afterwards; concurrent
// first use performs exactly one generation.
type Service struct {
	store KeyStore
	log   logging.Logger

	group singleflight.Group

	mu   sync.RWMutex
	aead cipher.AEAD
	root []byte // raw stored secret, kept only for wiping on reset
}

func NewService(store KeyStore, log logging.Logger) *Service {
	return &Service{store: store, log: log}
}

// ensureAEAD returns the cached cipher, loading or generating the device
// key first if needed. All concurrent first callers share one load.
func (s *Service) ensureAEAD(ctx context.Context) (cipher.AEAD, error) {
	s.mu.RLock()
	if s.aead != nil {
		defer s.mu.RUnlock()
		return s.aead, nil
	}
	s.mu.RUnlock()

	_, err, _ := s.group.Do(deviceKeyName, func() (any, error) {
		return nil, s.loadOrCreateKey(ctx)
	})
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aead, nil
}

func (s *Service) loadOrCreateKey(ctx context.Context) error {
	s.mu.RLock()
	ready := s.aead != nil
	s.mu.RUnlock()
	if ready {
		return nil
	}

	raw, err := s.store.Get(ctx, deviceKeyName)
	if err != nil {
		return fmt.Errorf("%w: reading device key: %w", common.ErrStorageUnavailable, err)
	}

	var rec deviceKeyRecord
	if raw == nil {
		secret, err := shared.MakeRandByteArray(32)
		if err != nil {
			return fmt.Errorf("%w: %w", common.ErrCryptoUnavailable, err)
		}
		rec = deviceKeyRecord{Key: secret, CreatedAt: time.Now().UTC(), Version: KeyVersion}

		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("serializing device key: %w", err)
		}
		if err := s.store.Set(ctx, deviceKeyName, b); err != nil {
			return fmt.Errorf("%w: persisting device key: %w", common.ErrStorageUnavailable, err)
		}
		s.log.Info(ctx, "generated new device key", "version", KeyVersion)
	} else if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("%w: malformed device key record: %w", common.ErrCryptoUnavailable, err)
	}

	aead, err := buildAEAD(rec.Key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.aead = aead
	s.root = rec.Key
	s.mu.Unlock()
	return nil
}

// buildAEAD derives the working AES key from the stored secret via HKDF so
// the raw persisted bytes are never used directly as a cipher key.
func buildAEAD(secret []byte) (cipher.AEAD, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrCryptoUnavailable, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrCryptoUnavailable, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrCryptoUnavailable, err)
	}
	return aead, nil
}

// Encrypt seals the plaintext with a fresh random nonce.
func (s *Service) Encrypt(ctx context.Context, plaintext string) (EncryptedBlob, error) {
	aead, err := s.ensureAEAD(ctx)
	if err != nil {
		return EncryptedBlob{}, err
	}

	nonce, err := shared.MakeRandByteArray(NonceSize)
	if err != nil {
		return EncryptedBlob{}, fmt.Errorf("%w: %w", common.ErrCryptoUnavailable, err)
	}

	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), nil)

	return EncryptedBlob{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Version:    KeyVersion,
	}, nil
}

// Decrypt opens the blob. It fails with ErrDecryptionFailed if the blob is
// malformed, tampered with, or was sealed under a different key.
func (s *Service) Decrypt(ctx context.Context, blob EncryptedBlob) (string, error) {
	aead, err := s.ensureAEAD(ctx)
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext encoding: %w", common.ErrDecryptionFailed, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(blob.IV)
	if err != nil {
		return "", fmt.Errorf("%w: bad iv encoding: %w", common.ErrDecryptionFailed, err)
	}
	if len(nonce) != NonceSize {
		return "", fmt.Errorf("%w: iv must be %d bytes, got %d", common.ErrDecryptionFailed, NonceSize, len(nonce))
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// EncryptObject serializes v to JSON and encrypts the result.
func (s *Service) EncryptObject(ctx context.Context, v any) (EncryptedBlob, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return EncryptedBlob{}, fmt.Errorf("serializing object: %w", err)
	}
	return s.Encrypt(ctx, string(b))
}

// DecryptObject decrypts the blob and unmarshals the JSON into v.
func (s *Service) DecryptObject(ctx context.Context, blob EncryptedBlob, v any) error {
	plaintext, err := s.Decrypt(ctx, blob)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(plaintext), v); err != nil {
		return fmt.Errorf("%w: decoding object: %w", common.ErrDecryptionFailed, err)
	}
	return nil
}

// EncryptSensitiveFields returns a copy of record with the named fields
// replaced by encrypted blobs. The list of transformed fields is recorded
// under EncryptedFieldsKey so DecryptSensitiveFields needs no schema.
// Fields named but absent from the record are skipped.
func (s *Service) EncryptSensitiveFields(ctx context.Context, record map[string]any, fieldNames []string) (map[string]any, error) {
	out := make(map[string]any, len(record)+1)
	for k, v := range record {
		out[k] = v
	}

	var encrypted []string
	for _, name := range fieldNames {
		v, ok := out[name]
		if !ok {
			continue
		}
		blob, err := s.EncryptObject(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("encrypting field %q: %w", name, err)
		}
		out[name] = blob
		encrypted = append(encrypted, name)
	}

	if len(encrypted) > 0 {
		out[EncryptedFieldsKey] = encrypted
	}
	return out, nil
}

// DecryptSensitiveFields is the inverse of EncryptSensitiveFields. A field
// that fails to decrypt keeps its encrypted form so the rest of the record
// remains usable; the failure is logged, not returned.
func (s *Service) DecryptSensitiveFields(ctx context.Context, record map[string]any) map[string]any {
	names := encryptedFieldNames(record)
	if names == nil {
		return record
	}

	out := make(map[string]any, len(record))
	for k, v := range record {
		if k == EncryptedFieldsKey {
			continue
		}
		out[k] = v
	}

	for _, name := range names {
		raw, ok := out[name]
		if !ok {
			continue
		}
		blob, err := coerceBlob(raw)
		if err != nil {
			s.log.Warn(ctx, "field is not an encrypted blob, leaving as-is", "field", name, "error", err)
			continue
		}
		var v any
		if err := s.DecryptObject(ctx, blob, &v); err != nil {
			s.log.Warn(ctx, "field decryption failed, leaving encrypted form", "field", name, "error", err)
			continue
		}
		out[name] = v
	}
	return out
}

// encryptedFieldNames extracts the side-channel list, tolerating the
// []any shape produced by a JSON round-trip.
func encryptedFieldNames(record map[string]any) []string {
	raw, ok := record[EncryptedFieldsKey]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		names := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
		return names
	default:
		return nil
	}
}

// coerceBlob converts a field value into an EncryptedBlob. After a JSON
// round-trip the blob arrives as map[string]any rather than the struct.
func coerceBlob(v any) (EncryptedBlob, error) {
	if blob, ok := v.(EncryptedBlob); ok {
		return blob, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return EncryptedBlob{}, err
	}
	var blob EncryptedBlob
	if err := json.Unmarshal(b, &blob); err != nil {
		return EncryptedBlob{}, err
	}
	if blob.Ciphertext == "" || blob.IV == "" {
		return EncryptedBlob{}, fmt.Errorf("value has no ciphertext/iv")
	}
	return blob, nil
}

// ResetKey destroys the device key. Everything encrypted under the old key
// becomes permanently unreadable; callers must require explicit user
// confirmation before invoking this.
func (s *Service) ResetKey(ctx context.Context) error {
	if err := s.store.Delete(ctx, deviceKeyName); err != nil {
		return fmt.Errorf("%w: deleting device key: %w", common.ErrStorageUnavailable, err)
	}

	s.mu.Lock()
	shared.WipeByteArray(s.root)
	s.root = nil
	s.aead = nil
	s.mu.Unlock()

	s.log.Warn(ctx, "device key reset, previously encrypted data is unrecoverable")
	return nil
}
