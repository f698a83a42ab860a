package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cra-platform/fieldsync/internal/api"
	"github.com/cra-platform/fieldsync/internal/common"
	"github.com/cra-platform/fieldsync/internal/cryptox"
	"github.com/cra-platform/fieldsync/internal/dbx"
	"github.com/cra-platform/fieldsync/internal/logging"
	"github.com/cra-platform/fieldsync/internal/models"
	"github.com/cra-platform/fieldsync/internal/repositories/photos"
	"github.com/cra-platform/fieldsync/internal/repositories/responses"
	"github.com/cra-platform/fieldsync/internal/storage"
)

// OnlineChecker is the connectivity snapshot the engine consults before a
// run. The connectivity watcher satisfies it.
type OnlineChecker interface {
	IsOnline() bool
}

// SyncService drains the offline response queue against the platform API
// with bounded concurrency. One item's failure never aborts the run.
type SyncService struct {
	repos   *storage.Repositories
	client  api.Client
	online  OnlineChecker
	crypto  *cryptox.Service
	log     logging.Logger
	running atomic.Bool

	concurrency int
	staleAfter  time.Duration
}

func NewSyncService(repos *storage.Repositories, client api.Client, online OnlineChecker, crypto *cryptox.Service, log logging.Logger) *SyncService {
	return &SyncService{
		repos:       repos,
		client:      client,
		online:      online,
		crypto:      crypto,
		log:         log,
		concurrency: common.SyncConcurrency,
		staleAfter:  common.StaleSyncingAfter,
	}
}

// itemResult is the per-response outcome of one run.
type itemResult int

const (
	itemSkipped itemResult = iota // claim lost, handled elsewhere
	itemSynced
	itemFailed
)

// SyncAll runs one synchronization pass and reports the outcome.
//
// Preconditions: the device must be online (common.ErrOffline otherwise)
// and no other run may be active (common.ErrSyncInProgress — concurrent
// calls are rejected, not coalesced). Per-item failures are recorded in
// the summary, never returned as errors.
func (s *SyncService) SyncAll(ctx context.Context) (*models.SyncSummary, error) {
	if !s.online.IsOnline() {
		return nil, common.ErrOffline
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil, common.ErrSyncInProgress
	}
	defer s.running.Store(false)

	if err := s.client.CheckToken(); err != nil {
		return nil, err
	}

	// Recover items stranded in the syncing state by an interrupted run,
	// and blobs orphaned by a crash between the two stores.
	if n, err := s.repos.Responses.ReconcileStale(ctx, time.Now().Add(-s.staleAfter)); err != nil {
		return nil, err
	} else if n > 0 {
		s.log.Warn(ctx, "reclaimed stale syncing responses", "count", n)
	}
	if n, err := s.repos.Photos.DeleteOrphans(ctx); err != nil {
		s.log.Warn(ctx, "orphan photo sweep failed", "error", err)
	} else if n > 0 {
		s.log.Info(ctx, "deleted orphaned photo blobs", "count", n)
	}

	pending, err := s.repos.Responses.ListPending(ctx, "")
	if err != nil {
		return nil, err
	}

	results := make([]itemResult, len(pending))
	reasons := make([]string, len(pending))

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for i, item := range pending {
		g.Go(func() error {
			results[i], reasons[i] = s.syncOne(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	summary := &models.SyncSummary{}
	for i, res := range results {
		switch res {
		case itemSynced:
			summary.Successful++
		case itemFailed:
			summary.Failed++
			summary.Errors = append(summary.Errors, models.ItemError{
				ResponseID: pending[i].ID,
				Reason:     reasons[i],
			})
		}
	}

	s.log.Info(ctx, "sync finished", "successful", summary.Successful, "failed", summary.Failed)
	return summary, nil
}

// syncOne claims a response, reassembles the wire payload and submits it.
// All photos are attached before the network call; a missing blob fails
// the whole item. When the server accepts the submission but the local
// deletion fails, the item is requeued as failed and resubmitted on a
// later run, relying on server-side deduplication.
func (s *SyncService) syncOne(ctx context.Context, r *models.LocalFormResponse) (itemResult, string) {
	if err := s.repos.Responses.MarkSyncing(ctx, r.ID); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			// Someone else claimed it between listing and now.
			s.log.Debug(ctx, "claim lost, skipping", "response_id", r.ID)
			return itemSkipped, ""
		}
		return itemFailed, err.Error()
	}

	payload, err := s.buildPayload(ctx, r)
	if err != nil {
		s.failItem(ctx, r.ID, err)
		return itemFailed, err.Error()
	}

	if r.ShareToken != "" {
		err = s.client.SubmitPublicResponse(ctx, r.ShareToken, payload)
	} else {
		err = s.client.SubmitResponse(ctx, r.FormID, payload)
	}
	if err != nil {
		s.failItem(ctx, r.ID, err)
		return itemFailed, err.Error()
	}

	if err := s.markSynced(ctx, r.ID); err != nil {
		// The server accepted the submission but local cleanup failed.
		// Reclaim the row to failed right away so the pending count shows
		// it instead of hiding it until the stale sweep; the resubmission
		// on the next run is deduplicated server-side.
		s.log.Error(ctx, "failed to delete synced response", "response_id", r.ID, "error", err)
		cleanupErr := fmt.Errorf("submitted but local cleanup failed: %w", err)
		s.failItem(ctx, r.ID, cleanupErr)
		return itemFailed, cleanupErr.Error()
	}

	s.log.Info(ctx, "response synced", "response_id", r.ID, "form_id", r.FormID)
	return itemSynced, ""
}

func (s *SyncService) buildPayload(ctx context.Context, r *models.LocalFormResponse) (*api.SubmissionPayload, error) {
	payload := &api.SubmissionPayload{
		Data:           s.crypto.DecryptSensitiveFields(ctx, r.Data),
		Photos:         make([]api.PhotoPayload, 0, len(r.PhotoRefs)),
		CollectorName:  r.CollectorName,
		CollectorEmail: r.CollectorEmail,
	}

	for _, ref := range r.PhotoRefs {
		photo, err := s.repos.Photos.GetByID(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("loading photo %s: %w", ref, err)
		}
		payload.Photos = append(payload.Photos, api.PhotoPayload{
			FieldID:   photo.FieldID,
			Base64:    base64.StdEncoding.EncodeToString(photo.Blob),
			Caption:   photo.Caption,
			Latitude:  photo.Latitude,
			Longitude: photo.Longitude,
			TakenAt:   photo.TakenAt,
		})
	}
	return payload, nil
}

// markSynced is the only transition that deletes data: the response row
// and its photo blobs go together in one transaction.
func (s *SyncService) markSynced(ctx context.Context, id string) error {
	return dbx.WithTx(ctx, s.repos.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := photos.NewSQLiteRepository(tx).DeleteByResponse(ctx, id); err != nil {
			return err
		}
		return responses.NewSQLiteRepository(tx).Delete(ctx, id)
	})
}

func (s *SyncService) failItem(ctx context.Context, id string, cause error) {
	if err := s.repos.Responses.MarkFailed(ctx, id, cause.Error()); err != nil {
		s.log.Error(ctx, "failed to record sync failure", "response_id", id, "error", err)
	}
	s.log.Warn(ctx, "response sync failed", "response_id", id, "error", cause)
}
