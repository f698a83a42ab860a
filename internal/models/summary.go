package models

// ItemError records why a single response failed to sync.
type ItemError struct {
	ResponseID string `json:"responseId"`
	Reason     string `json:"reason"`
}

// SyncSummary is produced once per sync run and reported to the caller.
// It is never persisted.
type SyncSummary struct {
	Successful int         `json:"successful"`
	Failed     int         `json:"failed"`
	Errors     []ItemError `json:"errors,omitempty"`
}

// StorageStats is an advisory full-scan aggregate over the local blob store.
// It may lag concurrent writes.
type StorageStats struct {
	TotalPhotos  int            `json:"totalPhotos"`
	TotalSize    int64          `json:"totalSize"`
	PhotosByForm map[string]int `json:"photosByForm"`
}
