package responses

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cra-platform/fieldsync/internal/common"
	"github.com/cra-platform/fieldsync/internal/dbx"
	"github.com/cra-platform/fieldsync/internal/models"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const responseColumns = `id, form_id, share_token, schema_snapshot, data, photo_refs,
	collector_name, collector_email, captured_at, sync_state, last_error, updated_at`

func (r *SQLiteRepository) Insert(ctx context.Context, e *models.LocalFormResponse) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("serializing response data: %w", err)
	}
	refs, err := json.Marshal(e.PhotoRefs)
	if err != nil {
		return fmt.Errorf("serializing photo refs: %w", err)
	}

	query := `INSERT INTO responses (` + responseColumns + `)
			values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		e.ID, e.FormID, e.ShareToken, []byte(e.SchemaSnapshot), data, refs,
		e.CollectorName, e.CollectorEmail, e.CapturedAt.Unix(),
		string(e.SyncState), e.LastError, e.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("%w: failed to insert response: %w", common.ErrStorageUnavailable, err)
	}
	return nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.LocalFormResponse, error) {
	query := `SELECT ` + responseColumns + ` FROM responses WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)

	e, err := scanResponse(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get response: %w", common.ErrStorageUnavailable, err)
	}
	return e, nil
}

func (r *SQLiteRepository) ListPending(ctx context.Context, formID string) ([]*models.LocalFormResponse, error) {
	query := `SELECT ` + responseColumns + ` FROM responses
		WHERE sync_state IN ('pending', 'failed')`
	args := []any{}
	if formID != "" {
		query += ` AND form_id = ?`
		args = append(args, formID)
	}
	query += ` ORDER BY captured_at`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to select pending responses: %w", common.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var result []*models.LocalFormResponse
	for rows.Next() {
		e, err := scanResponse(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrStorageUnavailable, err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrStorageUnavailable, err)
	}
	return result, nil
}

func scanResponse(scan func(dest ...any) error) (*models.LocalFormResponse, error) {
	e := &models.LocalFormResponse{}
	var snapshot, data, refs []byte
	var capturedAt, updatedAt int64
	var state string
	if err := scan(&e.ID, &e.FormID, &e.ShareToken, &snapshot, &data, &refs,
		&e.CollectorName, &e.CollectorEmail, &capturedAt, &state, &e.LastError, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &e.Data); err != nil {
		return nil, fmt.Errorf("decoding response data: %w", err)
	}
	if err := json.Unmarshal(refs, &e.PhotoRefs); err != nil {
		return nil, fmt.Errorf("decoding photo refs: %w", err)
	}
	e.SchemaSnapshot = json.RawMessage(snapshot)
	e.CapturedAt = time.Unix(capturedAt, 0).UTC()
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	e.SyncState = models.SyncState(state)
	return e, nil
}

func (r *SQLiteRepository) CountActive(ctx context.Context, formID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM responses WHERE form_id = ? AND sync_state IN ('pending', 'failed')`,
		formID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count responses: %w", common.ErrStorageUnavailable, err)
	}
	return count, nil
}

func (r *SQLiteRepository) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM responses WHERE sync_state IN ('pending', 'failed')`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count pending responses: %w", common.ErrStorageUnavailable, err)
	}
	return count, nil
}

// MarkSyncing is the claim step of the state machine: the guarded UPDATE
// succeeds for at most one caller, so an item already syncing cannot be
// dispatched twice.
func (r *SQLiteRepository) MarkSyncing(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE responses SET sync_state = 'syncing', last_error = '', updated_at = ?
		 WHERE id = ? AND sync_state IN ('pending', 'failed')`,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("%w: failed to claim response: %w", common.ErrStorageUnavailable, err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra != 1 {
		return fmt.Errorf("%w: response %s not claimable", common.ErrNotFound, id)
	}
	return nil
}

func (r *SQLiteRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE responses SET sync_state = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
		reason, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("%w: failed to mark response failed: %w", common.ErrStorageUnavailable, err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra != 1 {
		return fmt.Errorf("%w: response %s", common.ErrNotFound, id)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM responses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: failed to delete response: %w", common.ErrStorageUnavailable, err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra != 1 {
		return fmt.Errorf("%w: response %s", common.ErrNotFound, id)
	}
	return nil
}

func (r *SQLiteRepository) ReconcileStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE responses SET sync_state = 'failed', last_error = 'sync interrupted', updated_at = ?
		 WHERE sync_state = 'syncing' AND updated_at < ?`,
		time.Now().Unix(), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: failed to reconcile stale responses: %w", common.ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
