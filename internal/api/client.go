// Package api talks to the CRA platform's form submission endpoints.
package api

import (
	"context"
	"time"
)

// PhotoPayload is one photo inlined into a submission, binary re-encoded
// as base64 for transport.
type PhotoPayload struct {
	FieldID   string    `json:"fieldId"`
	Base64    string    `json:"base64"`
	Caption   string    `json:"caption,omitempty"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	TakenAt   time.Time `json:"takenAt"`
}

// SubmissionPayload is the wire body for both the authenticated and the
// public submission endpoints.
type SubmissionPayload struct {
	Data           map[string]any `json:"data"`
	Photos         []PhotoPayload `json:"photos"`
	CollectorName  string         `json:"collectorName,omitempty"`
	CollectorEmail string         `json:"collectorEmail,omitempty"`
}

// Client is the remote surface the sync engine depends on.
type Client interface {
	// SubmitResponse posts one submission to the authenticated endpoint.
	SubmitResponse(ctx context.Context, formID string, payload *SubmissionPayload) error

	// SubmitPublicResponse posts one submission via a public share token.
	SubmitPublicResponse(ctx context.Context, shareToken string, payload *SubmissionPayload) error

	// Ping probes server reachability; used by the connectivity watcher.
	Ping(ctx context.Context) error

	// CheckToken reports whether the configured access token is usable
	// (present and not past its expiry claim).
	CheckToken() error
}
