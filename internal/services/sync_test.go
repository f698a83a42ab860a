package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cra-platform/fieldsync/internal/api"
	"github.com/cra-platform/fieldsync/internal/common"
	"github.com/cra-platform/fieldsync/internal/cryptox"
	"github.com/cra-platform/fieldsync/internal/models"
	"github.com/cra-platform/fieldsync/internal/storage"
)

type stubOnline bool

func (s stubOnline) IsOnline() bool { return bool(s) }

type syncFixture struct {
	repos   *storage.Repositories
	crypto  *cryptox.Service
	capture *CaptureService
	syncer  *SyncService
}

func newSyncFixture(t *testing.T, handler http.Handler, online bool) *syncFixture {
	t.Helper()
	repos := setupRepos(t)
	crypto := cryptox.NewService(repos.Metadata, testLogger())

	baseURL := "http://127.0.0.1:1" // unreachable unless a server is given
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		baseURL = srv.URL
	}
	client := api.NewHTTPClient(baseURL, "", api.WithRetries(0, time.Millisecond))

	return &syncFixture{
		repos:   repos,
		crypto:  crypto,
		capture: NewCaptureService(repos, crypto, testLogger()),
		syncer:  NewSyncService(repos, client, stubOnline(online), crypto, testLogger()),
	}
}

func (f *syncFixture) mustCapture(t *testing.T, req *CaptureRequest) *models.LocalFormResponse {
	t.Helper()
	resp, err := f.capture.SaveOfflineResponse(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func TestSyncAll_Offline(t *testing.T) {
	f := newSyncFixture(t, nil, false)
	ctx := context.Background()

	f.mustCapture(t, sampleRequest("f1"))

	_, err := f.syncer.SyncAll(ctx)
	assert.ErrorIs(t, err, common.ErrOffline)

	// nothing was touched, the item is still queued
	count, err := f.capture.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSyncAll_AllSucceed(t *testing.T) {
	f := newSyncFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}), true)
	ctx := context.Background()

	req := sampleRequest("f1")
	req.Photos = []CapturePhoto{{FieldID: "p", Data: []byte{1, 2, 3}}}
	resp := f.mustCapture(t, req)
	f.mustCapture(t, sampleRequest("f2"))

	summary, err := f.syncer.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Successful)
	assert.Zero(t, summary.Failed)
	assert.Empty(t, summary.Errors)

	// synced responses and their photo blobs are gone
	count, err := f.capture.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = f.repos.Photos.GetByID(ctx, resp.PhotoRefs[0])
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSyncAll_OneFailureDoesNotAbortTheRun(t *testing.T) {
	f := newSyncFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/forms/f3/") {
			http.Error(w, "form closed", http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}), true)
	ctx := context.Background()

	var failing *models.LocalFormResponse
	for _, formID := range []string{"f1", "f2", "f3", "f4", "f5"} {
		resp := f.mustCapture(t, sampleRequest(formID))
		if formID == "f3" {
			failing = resp
		}
	}

	summary, err := f.syncer.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, failing.ID, summary.Errors[0].ResponseID)
	assert.Contains(t, summary.Errors[0].Reason, "422")

	// the failed item stays queued for the next run, with the reason recorded
	got, err := f.repos.Responses.GetByID(ctx, failing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateFailed, got.SyncState)
	assert.NotEmpty(t, got.LastError)

	count, err := f.capture.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSyncAll_ConcurrentRunRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	f := newSyncFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		w.WriteHeader(http.StatusCreated)
	}), true)
	ctx := context.Background()

	f.mustCapture(t, sampleRequest("f1"))

	done := make(chan error, 1)
	go func() {
		_, err := f.syncer.SyncAll(ctx)
		done <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the server")
	}

	_, err := f.syncer.SyncAll(ctx)
	assert.ErrorIs(t, err, common.ErrSyncInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestSyncAll_SubmitsDecryptedFieldsAndPhotos(t *testing.T) {
	var mu sync.Mutex
	var got api.SubmissionPayload

	f := newSyncFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}), true)
	ctx := context.Background()

	req := sampleRequest("f1")
	req.Data["farmer_name"] = "A. Kamara"
	req.SensitiveFields = []string{"farmer_name"}
	req.CollectorName = "B. Sesay"
	req.Photos = []CapturePhoto{{FieldID: "plot_photo", Data: []byte("jpeg-bytes"), Caption: "east plot"}}
	f.mustCapture(t, req)

	summary, err := f.syncer.SyncAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Successful)

	mu.Lock()
	defer mu.Unlock()
	// the wire payload carries plaintext, the encrypted form never leaves the device store
	assert.Equal(t, "A. Kamara", got.Data["farmer_name"])
	assert.NotContains(t, got.Data, cryptox.EncryptedFieldsKey)
	assert.Equal(t, "B. Sesay", got.CollectorName)
	require.Len(t, got.Photos, 1)
	assert.Equal(t, "plot_photo", got.Photos[0].FieldID)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")), got.Photos[0].Base64)
	assert.Equal(t, "east plot", got.Photos[0].Caption)
}

func TestSyncAll_PublicShareTokenRoute(t *testing.T) {
	var mu sync.Mutex
	var paths []string

	f := newSyncFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}), true)
	ctx := context.Background()

	req := sampleRequest("f1")
	req.ShareToken = "share-xyz"
	f.mustCapture(t, req)

	summary, err := f.syncer.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Successful)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 1)
	assert.Equal(t, "/forms/public/share-xyz/responses", paths[0])
}

func TestSyncAll_ExpiredTokenFailsFast(t *testing.T) {
	repos := setupRepos(t)
	crypto := cryptox.NewService(repos.Metadata, testLogger())
	capture := NewCaptureService(repos, crypto, testLogger())
	ctx := context.Background()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()})
	signed, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)

	client := api.NewHTTPClient("http://127.0.0.1:1", signed)
	syncer := NewSyncService(repos, client, stubOnline(true), crypto, testLogger())

	_, err = capture.SaveOfflineResponse(ctx, sampleRequest("f1"))
	require.NoError(t, err)

	_, err = syncer.SyncAll(ctx)
	assert.ErrorIs(t, err, common.ErrTokenExpired)

	// nothing was claimed
	count, err := capture.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSyncAll_CleanupFailureRequeuesItem(t *testing.T) {
	var f *syncFixture
	f = newSyncFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// accept the submission, then break the blob store so the local
		// deletion that follows cannot succeed
		_, err := f.repos.DB.Exec(`ALTER TABLE photos RENAME TO photos_gone`)
		require.NoError(t, err)
		w.WriteHeader(http.StatusCreated)
	}), true)
	ctx := context.Background()

	resp := f.mustCapture(t, sampleRequest("f1"))

	summary, err := f.syncer.SyncAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0].Reason, "local cleanup failed")

	// the row is requeued as failed immediately, not stranded in syncing
	got, err := f.repos.Responses.GetByID(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateFailed, got.SyncState)

	count, err := f.capture.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "pending count shows the item right away")
}

func TestSyncAll_ReclaimsStaleSyncingItems(t *testing.T) {
	f := newSyncFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}), true)
	ctx := context.Background()

	resp := f.mustCapture(t, sampleRequest("f1"))

	// simulate a run that died mid-flight
	_, err := f.repos.DB.ExecContext(ctx,
		`UPDATE responses SET sync_state = 'syncing', updated_at = ? WHERE id = ?`,
		time.Now().Add(-time.Hour).Unix(), resp.ID)
	require.NoError(t, err)

	summary, err := f.syncer.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Successful, "reclaimed item is retried in the same run")

	_, err = f.repos.Responses.GetByID(ctx, resp.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}
