// Package common defines shared constants and sentinel errors used across
// the FieldSync client layers. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound           = errors.New("not found")
	ErrStorageUnavailable = errors.New("local storage unavailable")

	// Capture-time validation errors.
	ErrQuotaExceeded = errors.New("per-form offline response quota exceeded")
	ErrPhotoTooLarge = errors.New("photo exceeds maximum size")
	ErrTooManyPhotos = errors.New("too many photos attached to response")

	// Encryption service errors.
	ErrCryptoUnavailable = errors.New("encryption primitive unavailable")
	ErrDecryptionFailed  = errors.New("decryption failed")

	// Sync engine errors.
	ErrOffline        = errors.New("device is offline")
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrTokenExpired   = errors.New("access token expired")
)
