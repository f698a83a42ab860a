// Package services implements the offline capture and synchronization
// workflows on top of the repositories, the encryption service and the
// platform API client.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cra-platform/fieldsync/internal/common"
	"github.com/cra-platform/fieldsync/internal/cryptox"
	"github.com/cra-platform/fieldsync/internal/dbx"
	"github.com/cra-platform/fieldsync/internal/logging"
	"github.com/cra-platform/fieldsync/internal/models"
	"github.com/cra-platform/fieldsync/internal/repositories/photos"
	"github.com/cra-platform/fieldsync/internal/repositories/responses"
	"github.com/cra-platform/fieldsync/internal/storage"
)

// CapturePhoto is one photo handed to SaveOfflineResponse.
type CapturePhoto struct {
	FieldID   string
	Data      []byte
	Filename  string
	MimeType  string
	Caption   string
	TakenAt   time.Time
	Latitude  *float64
	Longitude *float64
}

// CaptureRequest is everything collected for one offline submission.
type CaptureRequest struct {
	FormID          string
	ShareToken      string // set for public captures
	Data            map[string]any
	SchemaSnapshot  json.RawMessage
	SensitiveFields []string
	CollectorName   string
	CollectorEmail  string
	Photos          []CapturePhoto
}

// CaptureService persists offline submissions: field values (sensitive
// ones encrypted at rest) into the response store, photo binaries into the
// blob store, both inside one transaction.
type CaptureService struct {
	repos  *storage.Repositories
	crypto *cryptox.Service
	log    logging.Logger
}

func NewCaptureService(repos *storage.Repositories, crypto *cryptox.Service, log logging.Logger) *CaptureService {
	return &CaptureService{repos: repos, crypto: crypto, log: log}
}

// SaveOfflineResponse validates the photo limits and the per-form quota,
// encrypts the configured sensitive fields and stores the response with
// its photos. Limit violations are reported, never silently dropped.
func (s *CaptureService) SaveOfflineResponse(ctx context.Context, req *CaptureRequest) (*models.LocalFormResponse, error) {
	if len(req.Photos) > common.MaxPhotosPerResponse {
		return nil, fmt.Errorf("%w: %d photos (max %d)", common.ErrTooManyPhotos, len(req.Photos), common.MaxPhotosPerResponse)
	}
	for _, p := range req.Photos {
		if int64(len(p.Data)) > common.MaxPhotoSize {
			return nil, fmt.Errorf("%w: %s is %d bytes (max %d)", common.ErrPhotoTooLarge, p.Filename, len(p.Data), int64(common.MaxPhotoSize))
		}
	}

	data, err := s.crypto.EncryptSensitiveFields(ctx, req.Data, req.SensitiveFields)
	if err != nil {
		return nil, fmt.Errorf("encrypting sensitive fields: %w", err)
	}

	now := time.Now().UTC()
	response := &models.LocalFormResponse{
		ID:             uuid.NewString(),
		FormID:         req.FormID,
		ShareToken:     req.ShareToken,
		SchemaSnapshot: req.SchemaSnapshot,
		Data:           data,
		CollectorName:  req.CollectorName,
		CollectorEmail: req.CollectorEmail,
		CapturedAt:     now,
		SyncState:      models.SyncStatePending,
		UpdatedAt:      now,
	}

	err = dbx.WithTx(ctx, s.repos.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		responseRepo := responses.NewSQLiteRepository(tx)
		photoRepo := photos.NewSQLiteRepository(tx)

		count, err := responseRepo.CountActive(ctx, req.FormID)
		if err != nil {
			return err
		}
		if count >= common.MaxResponsesPerForm {
			return fmt.Errorf("%w: form %s already has %d offline responses", common.ErrQuotaExceeded, req.FormID, count)
		}

		for _, p := range req.Photos {
			id, err := photoRepo.Save(ctx, &models.LocalPhotoBlob{
				FormID:     req.FormID,
				FieldID:    p.FieldID,
				ResponseID: response.ID,
				Blob:       p.Data,
				Filename:   p.Filename,
				MimeType:   p.MimeType,
				TakenAt:    p.TakenAt,
				Latitude:   p.Latitude,
				Longitude:  p.Longitude,
				Caption:    p.Caption,
			})
			if err != nil {
				return err
			}
			response.PhotoRefs = append(response.PhotoRefs, id)
		}

		return responseRepo.Insert(ctx, response)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info(ctx, "captured offline response",
		"response_id", response.ID, "form_id", req.FormID, "photos", len(response.PhotoRefs))
	return response, nil
}

// ListPending returns pending+failed responses, optionally for one form.
func (s *CaptureService) ListPending(ctx context.Context, formID string) ([]*models.LocalFormResponse, error) {
	return s.repos.Responses.ListPending(ctx, formID)
}

// PendingCount is the badge counter: pending+failed, never syncing.
func (s *CaptureService) PendingCount(ctx context.Context) (int, error) {
	return s.repos.Responses.PendingCount(ctx)
}

// StorageStats reports the advisory blob-store aggregate.
func (s *CaptureService) StorageStats(ctx context.Context) (*models.StorageStats, error) {
	return s.repos.Photos.Stats(ctx)
}
