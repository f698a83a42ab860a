package photos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

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

const photoColumns = `id, form_id, field_id, response_id, blob, filename, mime_type, taken_at, latitude, longitude, caption, size`

func (r *SQLiteRepository) Save(ctx context.Context, p *models.LocalPhotoBlob) (string, error) {
	if int64(len(p.Blob)) > common.MaxPhotoSize {
		return "", fmt.Errorf("%w: %d bytes (max %d)", common.ErrPhotoTooLarge, len(p.Blob), int64(common.MaxPhotoSize))
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Size = int64(len(p.Blob))

	query := `INSERT INTO photos (` + photoColumns + `)
			values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.FormID, p.FieldID, p.ResponseID, p.Blob, p.Filename, p.MimeType,
		p.TakenAt.Unix(), p.Latitude, p.Longitude, p.Caption, p.Size)
	if err != nil {
		return "", fmt.Errorf("%w: failed to insert photo: %w", common.ErrStorageUnavailable, err)
	}
	return p.ID, nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.LocalPhotoBlob, error) {
	query := `SELECT ` + photoColumns + ` FROM photos WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)

	p, err := scanPhoto(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get photo: %w", common.ErrStorageUnavailable, err)
	}
	return p, nil
}

func (r *SQLiteRepository) GetByForm(ctx context.Context, formID string) ([]*models.LocalPhotoBlob, error) {
	return r.query(ctx, `SELECT `+photoColumns+` FROM photos WHERE form_id = ? ORDER BY rowid`, formID)
}

func (r *SQLiteRepository) GetByResponse(ctx context.Context, responseID string) ([]*models.LocalPhotoBlob, error) {
	return r.query(ctx, `SELECT `+photoColumns+` FROM photos WHERE response_id = ? ORDER BY rowid`, responseID)
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]*models.LocalPhotoBlob, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to select photos: %w", common.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var result []*models.LocalPhotoBlob
	for rows.Next() {
		p, err := scanPhoto(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrStorageUnavailable, err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrStorageUnavailable, err)
	}
	return result, nil
}

func scanPhoto(scan func(dest ...any) error) (*models.LocalPhotoBlob, error) {
	p := &models.LocalPhotoBlob{}
	var takenAt int64
	if err := scan(&p.ID, &p.FormID, &p.FieldID, &p.ResponseID, &p.Blob, &p.Filename,
		&p.MimeType, &takenAt, &p.Latitude, &p.Longitude, &p.Caption, &p.Size); err != nil {
		return nil, err
	}
	p.TakenAt = time.Unix(takenAt, 0).UTC()
	return p, nil
}

func (r *SQLiteRepository) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM photos WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: failed to delete photo: %w", common.ErrStorageUnavailable, err)
	}
	return nil
}

// DeleteByForm runs as a single statement, so readers see either all
// matching rows removed or none.
func (r *SQLiteRepository) DeleteByForm(ctx context.Context, formID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM photos WHERE form_id = ?`, formID)
	if err != nil {
		return fmt.Errorf("%w: failed to delete photos for form: %w", common.ErrStorageUnavailable, err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteByResponse(ctx context.Context, responseID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM photos WHERE response_id = ?`, responseID)
	if err != nil {
		return fmt.Errorf("%w: failed to delete photos for response: %w", common.ErrStorageUnavailable, err)
	}
	return nil
}

func (r *SQLiteRepository) Stats(ctx context.Context) (*models.StorageStats, error) {
	stats := &models.StorageStats{PhotosByForm: make(map[string]int)}

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM photos`).
		Scan(&stats.TotalPhotos, &stats.TotalSize)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to aggregate photo stats: %w", common.ErrStorageUnavailable, err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT form_id, COUNT(*) FROM photos GROUP BY form_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to count photos per form: %w", common.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var formID string
		var count int
		if err := rows.Scan(&formID, &count); err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrStorageUnavailable, err)
		}
		stats.PhotosByForm[formID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrStorageUnavailable, err)
	}
	return stats, nil
}

func (r *SQLiteRepository) DeleteOrphans(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM photos WHERE response_id NOT IN (SELECT id FROM responses)`)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to delete orphaned photos: %w", common.ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
