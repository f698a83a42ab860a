// Package metadata is a small key/value store on the local database. It
// holds device-scoped records such as the encryption key blob.
package metadata

import "context"

// Repository describes the key/value operations backed by local storage.
type Repository interface {
	// Get returns the value for key, or nil if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set inserts or replaces the value for key.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
