// Package storage opens the local SQLite database, applies migrations and
// wires up the repositories.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pressly/goose/v3"

	"github.com/cra-platform/fieldsync/internal/migrations"
	"github.com/cra-platform/fieldsync/internal/repositories/metadata"
	"github.com/cra-platform/fieldsync/internal/repositories/photos"
	"github.com/cra-platform/fieldsync/internal/repositories/responses"
)

// Repositories bundles the repositories plus the raw handle needed for
// cross-repository transactions (dbx.WithTx).
type Repositories struct {
	Metadata  metadata.Repository
	Responses responses.Repository
	Photos    photos.Repository
	DB        *sql.DB
}

// RunMigrations applies the embedded migrations to db.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// sqlitePragmas is applied to every pooled connection. The sync engine
// writes from several connections at once; WAL lets a writer proceed
// alongside readers and the busy timeout makes a contending writer wait
// for the lock instead of failing with SQLITE_BUSY.
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + sqlitePragmas
}

// InitDatabase opens the database at dsn, migrates it and returns the
// repository set.
func InitDatabase(ctx context.Context, dsn string) (*Repositories, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repositories{
		Metadata:  metadata.NewSQLiteRepository(db),
		Responses: responses.NewSQLiteRepository(db),
		Photos:    photos.NewSQLiteRepository(db),
		DB:        db,
	}, nil
}

// Close closes the underlying database handle.
func (r *Repositories) Close() error {
	return r.DB.Close()
}
