// Package responses is the offline response store: a bounded, per-form
// queue of locally captured form submissions awaiting synchronization.
package responses

import (
	"context"
	"time"

	"github.com/cra-platform/fieldsync/internal/models"
)

// Repository describes persistence for local form responses and the sync
// state machine: pending → syncing → failed, failed → syncing on retry.
// A synced response is deleted, never stored.
type Repository interface {
	// Insert stores a new response. The per-form cap is enforced by the
	// capture service inside the same transaction via CountActive.
	Insert(ctx context.Context, r *models.LocalFormResponse) error

	// GetByID returns the response, or common.ErrNotFound.
	GetByID(ctx context.Context, id string) (*models.LocalFormResponse, error)

	// ListPending returns responses in pending or failed state. An empty
	// formID lists across all forms.
	ListPending(ctx context.Context, formID string) ([]*models.LocalFormResponse, error)

	// CountActive counts pending+failed responses for one form (the quota
	// denominator).
	CountActive(ctx context.Context, formID string) (int, error)

	// PendingCount counts pending+failed responses across all forms.
	// Responses currently syncing are excluded.
	PendingCount(ctx context.Context) (int, error)

	// MarkSyncing claims a response for dispatch. It only succeeds when
	// the response is currently pending or failed; a lost claim returns
	// common.ErrNotFound.
	MarkSyncing(ctx context.Context, id string) error

	// MarkFailed records the failure reason and returns the response to
	// the retryable failed state.
	MarkFailed(ctx context.Context, id string, reason string) error

	// Delete removes the response row. Used by the synced transition,
	// which also purges the owned photos in the same transaction.
	Delete(ctx context.Context, id string) error

	// ReconcileStale fails every syncing response last touched before
	// cutoff, recovering items stranded by an interrupted run. Returns
	// the number of rows reclaimed.
	ReconcileStale(ctx context.Context, cutoff time.Time) (int64, error)
}
