// Package photos is the local blob store: binary photo attachments keyed
// by their owning response, with lookups by form and an advisory
// storage-stat scan.
package photos

import (
	"context"

	"github.com/cra-platform/fieldsync/internal/models"
)

// Repository describes the photo blob operations backed by local storage.
type Repository interface {
	// Save stores the photo and returns its id. An id is assigned if the
	// record has none. Payloads over common.MaxPhotoSize are rejected.
	Save(ctx context.Context, p *models.LocalPhotoBlob) (string, error)

	// GetByID returns the photo, or common.ErrNotFound.
	GetByID(ctx context.Context, id string) (*models.LocalPhotoBlob, error)

	// GetByForm returns all photos captured for a form.
	GetByForm(ctx context.Context, formID string) ([]*models.LocalPhotoBlob, error)

	// GetByResponse returns all photos owned by a response, in save order.
	GetByResponse(ctx context.Context, responseID string) ([]*models.LocalPhotoBlob, error)

	// DeleteByID removes a single photo.
	DeleteByID(ctx context.Context, id string) error

	// DeleteByForm removes every photo for a form in one statement.
	DeleteByForm(ctx context.Context, formID string) error

	// DeleteByResponse removes every photo owned by a response.
	DeleteByResponse(ctx context.Context, responseID string) error

	// Stats aggregates count, total size and per-form counts. Advisory:
	// it may lag concurrent writes.
	Stats(ctx context.Context) (*models.StorageStats, error)

	// DeleteOrphans removes photos whose owning response no longer exists
	// (a crash between the two stores leaves such rows behind).
	DeleteOrphans(ctx context.Context) (int64, error)
}
