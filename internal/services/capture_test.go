package services

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cra-platform/fieldsync/internal/common"
	"github.com/cra-platform/fieldsync/internal/cryptox"
	"github.com/cra-platform/fieldsync/internal/logging"
	"github.com/cra-platform/fieldsync/internal/storage"

	_ "modernc.org/sqlite"
)

func testLogger() logging.Logger {
	return logging.NewDiscard()
}

func setupRepos(t *testing.T) *storage.Repositories {
	t.Helper()
	repos, err := storage.InitDatabase(context.Background(), filepath.Join(t.TempDir(), "fieldsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repos.Close() })
	return repos
}

func newCaptureService(t *testing.T) (*CaptureService, *storage.Repositories, *cryptox.Service) {
	t.Helper()
	repos := setupRepos(t)
	crypto := cryptox.NewService(repos.Metadata, testLogger())
	return NewCaptureService(repos, crypto, testLogger()), repos, crypto
}

func sampleRequest(formID string) *CaptureRequest {
	return &CaptureRequest{
		FormID:         formID,
		Data:           map[string]any{"crop": "groundnut", "yield_kg": 42.5},
		SchemaSnapshot: json.RawMessage(`{"fields":[{"id":"crop"},{"id":"yield_kg"}]}`),
	}
}

func TestSaveOfflineResponse_Basic(t *testing.T) {
	svc, repos, _ := newCaptureService(t)
	ctx := context.Background()

	req := sampleRequest("f1")
	req.Photos = []CapturePhoto{
		{FieldID: "photo1", Data: []byte{1, 2, 3}, Filename: "a.jpg", MimeType: "image/jpeg", TakenAt: time.Now()},
		{FieldID: "photo2", Data: []byte{4, 5}, Filename: "b.jpg", MimeType: "image/jpeg", TakenAt: time.Now()},
	}

	resp, err := svc.SaveOfflineResponse(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ID)
	require.Len(t, resp.PhotoRefs, 2)

	stored, err := repos.Responses.GetByID(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "groundnut", stored.Data["crop"])
	assert.Equal(t, resp.PhotoRefs, stored.PhotoRefs)

	for _, ref := range resp.PhotoRefs {
		photo, err := repos.Photos.GetByID(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, resp.ID, photo.ResponseID)
	}

	count, err := svc.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSaveOfflineResponse_EncryptsSensitiveFields(t *testing.T) {
	svc, repos, crypto := newCaptureService(t)
	ctx := context.Background()

	req := sampleRequest("f1")
	req.Data["farmer_name"] = "M. Conteh"
	req.SensitiveFields = []string{"farmer_name"}

	resp, err := svc.SaveOfflineResponse(ctx, req)
	require.NoError(t, err)

	stored, err := repos.Responses.GetByID(ctx, resp.ID)
	require.NoError(t, err)

	// at rest the field is an encrypted blob, not the plaintext
	assert.NotEqual(t, "M. Conteh", stored.Data["farmer_name"])
	assert.Contains(t, stored.Data, cryptox.EncryptedFieldsKey)

	decrypted := crypto.DecryptSensitiveFields(ctx, stored.Data)
	assert.Equal(t, "M. Conteh", decrypted["farmer_name"])
}

func TestSaveOfflineResponse_QuotaExceeded(t *testing.T) {
	svc, _, _ := newCaptureService(t)
	ctx := context.Background()

	for i := 0; i < common.MaxResponsesPerForm; i++ {
		req := sampleRequest("f1")
		req.Data["n"] = i
		_, err := svc.SaveOfflineResponse(ctx, req)
		require.NoError(t, err, "capture %d", i)
	}

	_, err := svc.SaveOfflineResponse(ctx, sampleRequest("f1"))
	assert.ErrorIs(t, err, common.ErrQuotaExceeded)

	// the cap is per form, other forms still accept captures
	_, err = svc.SaveOfflineResponse(ctx, sampleRequest("f2"))
	assert.NoError(t, err)
}

func TestSaveOfflineResponse_TooManyPhotos(t *testing.T) {
	svc, _, _ := newCaptureService(t)

	req := sampleRequest("f1")
	for i := 0; i <= common.MaxPhotosPerResponse; i++ {
		req.Photos = append(req.Photos, CapturePhoto{FieldID: fmt.Sprintf("p%d", i), Data: []byte{1}})
	}

	_, err := svc.SaveOfflineResponse(context.Background(), req)
	assert.ErrorIs(t, err, common.ErrTooManyPhotos)
}

func TestSaveOfflineResponse_OversizedPhotoRejectedAtCapture(t *testing.T) {
	svc, repos, _ := newCaptureService(t)
	ctx := context.Background()

	req := sampleRequest("f1")
	req.Photos = []CapturePhoto{{FieldID: "p", Data: make([]byte, common.MaxPhotoSize+1)}}

	_, err := svc.SaveOfflineResponse(ctx, req)
	assert.ErrorIs(t, err, common.ErrPhotoTooLarge)

	// nothing persisted
	count, err := repos.Responses.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSaveOfflineResponse_QuotaFailureRollsBackPhotos(t *testing.T) {
	svc, repos, _ := newCaptureService(t)
	ctx := context.Background()

	for i := 0; i < common.MaxResponsesPerForm; i++ {
		_, err := svc.SaveOfflineResponse(ctx, sampleRequest("f1"))
		require.NoError(t, err)
	}

	req := sampleRequest("f1")
	req.Photos = []CapturePhoto{{FieldID: "p", Data: []byte{1, 2, 3}}}
	_, err := svc.SaveOfflineResponse(ctx, req)
	require.ErrorIs(t, err, common.ErrQuotaExceeded)

	stats, err := repos.Photos.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalPhotos, "rejected capture leaves no photo rows behind")
}

func TestStorageStats(t *testing.T) {
	svc, _, _ := newCaptureService(t)
	ctx := context.Background()

	req := sampleRequest("f1")
	req.Photos = []CapturePhoto{{FieldID: "p", Data: []byte{1, 2, 3, 4}}}
	_, err := svc.SaveOfflineResponse(ctx, req)
	require.NoError(t, err)

	stats, err := svc.StorageStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalPhotos)
	assert.Equal(t, int64(4), stats.TotalSize)
	assert.Equal(t, map[string]int{"f1": 1}, stats.PhotosByForm)
}
