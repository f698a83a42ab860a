// Package cli implements the interactive FieldSync client: offline
// capture of form responses, queue inspection and manual or automatic
// synchronization.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "modernc.org/sqlite"

	"github.com/cra-platform/fieldsync/internal/api"
	"github.com/cra-platform/fieldsync/internal/config"
	"github.com/cra-platform/fieldsync/internal/connectivity"
	"github.com/cra-platform/fieldsync/internal/cryptox"
	"github.com/cra-platform/fieldsync/internal/filex"
	"github.com/cra-platform/fieldsync/internal/logging"
	"github.com/cra-platform/fieldsync/internal/services"
	"github.com/cra-platform/fieldsync/internal/storage"
)

type App struct {
	config  *config.Config
	log     logging.Logger
	repos   *storage.Repositories
	crypto  *cryptox.Service
	capture *services.CaptureService
	syncer  *services.SyncService
	watcher *connectivity.Watcher
	scanner *bufio.Scanner
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := filex.EnsureParentDir(cfg.DatabasePath); err != nil {
		return nil, fmt.Errorf("preparing database directory: %w", err)
	}

	repos, err := storage.InitDatabase(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initializing local database: %w", err)
	}

	crypto := cryptox.NewService(repos.Metadata, log)
	client := api.NewHTTPClient(cfg.ServerBaseURL, cfg.AccessToken)
	watcher := connectivity.NewWatcher(client, cfg.OnlineCheckInterval, log)

	return &App{
		config:  cfg,
		log:     log,
		repos:   repos,
		crypto:  crypto,
		capture: services.NewCaptureService(repos, crypto, log),
		syncer:  services.NewSyncService(repos, client, watcher, crypto, log),
		watcher: watcher,
		scanner: bufio.NewScanner(os.Stdin),
	}, nil
}

// Run starts the connectivity watcher and the REPL. When the connection
// comes back, a sync run is kicked off automatically.
func (a *App) Run(ctx context.Context) {
	defer a.repos.Close()

	unsubscribe := a.watcher.Subscribe(func(online bool) {
		if !online {
			return
		}
		go func() {
			if _, err := a.syncer.SyncAll(ctx); err != nil {
				a.log.Debug(ctx, "auto-sync skipped", "error", err)
			}
		}()
	})
	defer unsubscribe()

	go a.watcher.Start(ctx)

	runREPL(ctx, a, a.status, a.scanner)
}

func (a *App) status() string {
	mode := "offline"
	if a.watcher.IsOnline() {
		mode = "online"
	}

	count, err := a.capture.PendingCount(context.Background())
	if err != nil {
		return mode
	}
	return fmt.Sprintf("%s, %d pending", mode, count)
}
