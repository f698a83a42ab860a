package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cra-platform/fieldsync/internal/services"
)

// captureFile describes one offline submission on disk: field values plus
// photo attachments referenced by path.
type captureFile struct {
	FormID         string             `json:"formId"`
	ShareToken     string             `json:"shareToken"`
	Data           map[string]any     `json:"data"`
	SchemaSnapshot json.RawMessage    `json:"schemaSnapshot"`
	CollectorName  string             `json:"collectorName"`
	CollectorEmail string             `json:"collectorEmail"`
	Photos         []capturePhotoFile `json:"photos"`
}

type capturePhotoFile struct {
	FieldID   string    `json:"fieldId"`
	Path      string    `json:"path"`
	Caption   string    `json:"caption"`
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	TakenAt   time.Time `json:"takenAt"`
}

// Capture stores an offline response described by a JSON file.
func (a *App) Capture(ctx context.Context, args []string) error {
	if len(args) != 1 {
		printlnFn("Usage: capture <file.json>")
		return nil
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading capture file: %w", err)
	}

	var cf captureFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return fmt.Errorf("parsing capture file: %w", err)
	}
	if cf.FormID == "" && cf.ShareToken == "" {
		return fmt.Errorf("capture file must name a formId or a shareToken")
	}

	req := &services.CaptureRequest{
		FormID:          cf.FormID,
		ShareToken:      cf.ShareToken,
		Data:            cf.Data,
		SchemaSnapshot:  cf.SchemaSnapshot,
		SensitiveFields: a.config.SensitiveFields,
		CollectorName:   cf.CollectorName,
		CollectorEmail:  cf.CollectorEmail,
	}

	for _, p := range cf.Photos {
		data, err := os.ReadFile(p.Path)
		if err != nil {
			return fmt.Errorf("reading photo %s: %w", p.Path, err)
		}
		takenAt := p.TakenAt
		if takenAt.IsZero() {
			takenAt = time.Now().UTC()
		}
		req.Photos = append(req.Photos, services.CapturePhoto{
			FieldID:   p.FieldID,
			Data:      data,
			Filename:  filepath.Base(p.Path),
			MimeType:  mime.TypeByExtension(filepath.Ext(p.Path)),
			Caption:   p.Caption,
			TakenAt:   takenAt,
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
		})
	}

	resp, err := a.capture.SaveOfflineResponse(ctx, req)
	if err != nil {
		return err
	}

	printlnFn(fmt.Sprintf("Captured response %s (%d photos), queued for sync", resp.ID, len(resp.PhotoRefs)))
	return nil
}

// List shows queued responses, optionally scoped to one form.
func (a *App) List(ctx context.Context, args []string) error {
	formID := ""
	if len(args) > 0 {
		formID = args[0]
	}

	items, err := a.capture.ListPending(ctx, formID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		printlnFn("No responses queued")
		return nil
	}

	for _, item := range items {
		line := fmt.Sprintf("%s  form=%s  state=%s  captured=%s  photos=%d",
			item.ID, item.FormID, item.SyncState,
			item.CapturedAt.Format(time.RFC3339), len(item.PhotoRefs))
		if item.LastError != "" {
			line += "  error=" + item.LastError
		}
		printlnFn(line)
	}
	return nil
}

// Pending prints the badge counter.
func (a *App) Pending(ctx context.Context) error {
	count, err := a.capture.PendingCount(ctx)
	if err != nil {
		return err
	}
	printlnFn(fmt.Sprintf("%d responses pending sync", count))
	return nil
}

// Stats prints the advisory photo-storage aggregate.
func (a *App) Stats(ctx context.Context) error {
	stats, err := a.capture.StorageStats(ctx)
	if err != nil {
		return err
	}

	printlnFn(fmt.Sprintf("Photos: %d, total %d bytes", stats.TotalPhotos, stats.TotalSize))
	for formID, count := range stats.PhotosByForm {
		printlnFn(fmt.Sprintf("  form %s: %d", formID, count))
	}
	return nil
}

// Sync runs one synchronization pass and prints the summary.
func (a *App) Sync(ctx context.Context) error {
	summary, err := a.syncer.SyncAll(ctx)
	if err != nil {
		return err
	}

	printlnFn(fmt.Sprintf("Synced %d, failed %d", summary.Successful, summary.Failed))
	for _, e := range summary.Errors {
		printlnFn(fmt.Sprintf("  %s: %s", e.ResponseID, e.Reason))
	}
	return nil
}

// ResetKey destroys the device encryption key after explicit confirmation.
// Every value encrypted under the old key becomes permanently unreadable.
func (a *App) ResetKey(ctx context.Context) error {
	printlnFn("This destroys the device key: queued responses with encrypted fields become unreadable.")
	fmt.Print("Type 'yes' to continue: ")
	if !a.scanner.Scan() {
		return nil
	}
	if strings.TrimSpace(a.scanner.Text()) != "yes" {
		printlnFn("Aborted")
		return nil
	}

	if err := a.crypto.ResetKey(ctx); err != nil {
		return err
	}
	printlnFn("Device key reset")
	return nil
}
