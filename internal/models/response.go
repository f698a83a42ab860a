// Package models defines the local records kept by the offline capture
// store: form responses awaiting synchronization and their photo blobs.
package models

import (
	"encoding/json"
	"time"
)

// SyncState describes where a locally captured response is in its lifecycle.
//
// Valid transitions: pending → syncing → failed, and failed → syncing on
// retry. A successfully synced response is deleted rather than retained, so
// there is no stored "synced" state.
type SyncState string

const (
	SyncStatePending SyncState = "pending"
	SyncStateSyncing SyncState = "syncing"
	SyncStateFailed  SyncState = "failed"
)

// LocalFormResponse is one offline-captured form submission.
//
// SchemaSnapshot holds the form field schema in effect at capture time so
// the stored values stay interpretable even if the remote form definition
// changes before the response is synced.
type LocalFormResponse struct {
	ID             string
	FormID         string
	ShareToken     string // non-empty for public captures
	SchemaSnapshot json.RawMessage
	Data           map[string]any // field id → value; sensitive fields hold an encrypted blob
	PhotoRefs      []string       // ordered blob-store ids
	CollectorName  string
	CollectorEmail string
	CapturedAt     time.Time
	SyncState      SyncState
	LastError      string // set only while SyncState is failed
	UpdatedAt      time.Time
}

// LocalPhotoBlob is a binary photo attachment owned by exactly one
// LocalFormResponse. It is deleted in the same transaction as its owner.
type LocalPhotoBlob struct {
	ID         string
	FormID     string
	FieldID    string
	ResponseID string
	Blob       []byte
	Filename   string
	MimeType   string
	TakenAt    time.Time
	Latitude   *float64
	Longitude  *float64
	Caption    string
	Size       int64
}
