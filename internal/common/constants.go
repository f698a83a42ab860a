package common

import "time"

const (
	// MaxResponsesPerForm caps how many unsynced responses one form may
	// accumulate on a device.
	MaxResponsesPerForm = 50

	// MaxPhotosPerResponse caps the photo attachments per response.
	MaxPhotosPerResponse = 5

	// MaxPhotoSize is the per-photo byte limit (5 MB).
	MaxPhotoSize int64 = 5 << 20

	// SyncConcurrency bounds how many responses are uploaded in parallel.
	SyncConcurrency = 3

	// StaleSyncingAfter is how long a response may sit in the syncing
	// state before a new run reclaims it as failed.
	StaleSyncingAfter = 10 * time.Minute
)
