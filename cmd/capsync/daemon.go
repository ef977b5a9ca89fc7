package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	gosync "sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vonshlovens/capsync/internal/intake"
	"github.com/vonshlovens/capsync/internal/logging"
	"github.com/vonshlovens/capsync/internal/queue"
	"github.com/vonshlovens/capsync/internal/sync"
	"github.com/vonshlovens/capsync/internal/watcher"
)

// refreshInterval is how often the daemon looks for captures queued by
// other processes
const refreshInterval = 5 * time.Second

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Start the background sync process",
		Long: `Starts a daemon that syncs new captures while the backend is reachable and
queues them while it is not. Captures queued before the daemon started, or
while the backend was unreachable, wait for a manual sync: run
'capsync sync' or send the daemon SIGUSR1.

If inbox_path is set, files dropped there are queued once they stop changing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger, closer, err := logging.Setup(verbose, cfg.Log)
			if err != nil {
				return err
			}
			defer closer.Close()

			store := openQueue(cfg)
			database, backend, err := openRemote(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer database.Close()

			monitor := newMonitor(cfg)
			if starter, ok := monitor.(interface {
				Start(context.Context) error
				Stop()
			}); ok {
				if err := starter.Start(ctx); err != nil {
					return fmt.Errorf("failed to start reachability prober: %w", err)
				}
				defer starter.Stop()
			}

			orch := sync.New(store, monitor, backend, backend, sync.Options{
				MaxRetries: cfg.Sync.MaxRetries,
				Logger:     logger,
			})
			defer orch.Subscribe(announceManualSync(logger))()
			if err := orch.Start(ctx); err != nil {
				return err
			}
			defer orch.Close()

			var events <-chan watcher.FileEvent
			if cfg.InboxPath != "" {
				w, err := watcher.NewWatcher(cfg.InboxPath, cfg.Sync.DebounceMs, watcher.Filter{
					IgnorePatterns:  cfg.IgnorePatterns,
					IncludePatterns: cfg.IncludePatterns,
				}, logger)
				if err != nil {
					return fmt.Errorf("failed to create watcher: %w", err)
				}
				if err := w.Start(ctx); err != nil {
					return fmt.Errorf("failed to start watcher: %w", err)
				}
				defer w.Stop()
				events = w.Events()
			}

			manual := make(chan os.Signal, 1)
			if sigs := manualSyncSignals(); len(sigs) > 0 {
				signal.Notify(manual, sigs...)
				defer signal.Stop(manual)
			}

			in := intake.New(store)
			capture := intake.Capture{JourneyID: cfg.JourneyID, OwnerID: cfg.OwnerID}

			var manualRuns gosync.WaitGroup
			defer manualRuns.Wait()

			refresh := time.NewTicker(refreshInterval)
			defer refresh.Stop()

			slog.Info("daemon started",
				"queue", store.Path(),
				"inbox", cfg.InboxPath,
				"pending", store.Count())
			fmt.Println("Syncing captures. Press Ctrl+C to stop.")

			for {
				select {
				case <-ctx.Done():
					slog.Info("shutting down...")
					return nil

				case event, ok := <-events:
					if !ok {
						events = nil
						continue
					}
					slog.Debug("inbox event", "path", event.Path, "type", event.EventType)
					if !event.EventType.Settled() {
						continue
					}
					if _, _, err := ingestInboxFile(ctx, store, in, capture, event.Path); err != nil {
						slog.Error("failed to queue inbox file", "path", event.Path, "error", err)
					}

				case <-manual:
					manualRuns.Add(1)
					go func() {
						defer manualRuns.Done()
						runManualSync(ctx, orch, logger)
					}()

				case <-refresh.C:
					store.Refresh()
				}
			}
		},
	}
}

func runManualSync(ctx context.Context, orch *sync.Orchestrator, logger *slog.Logger) {
	result, err := orch.TriggerSync(ctx)
	switch {
	case errors.Is(err, sync.ErrOffline):
		logger.Warn("manual sync skipped: backend unreachable")
	case errors.Is(err, sync.ErrSyncInProgress):
		logger.Info("manual sync skipped: a sync is already running")
	case err != nil:
		logger.Error("manual sync failed", "error", err)
	default:
		logger.Info("manual sync finished",
			"synced", result.Synced,
			"failed", result.Failed,
			"purged", result.Purged,
			"aborted", result.Aborted)
	}
}

// announceManualSync logs each time queued captures start waiting for a
// manual sync
func announceManualSync(logger *slog.Logger) func(sync.State) {
	var mu gosync.Mutex
	needed := false
	return func(s sync.State) {
		mu.Lock()
		defer mu.Unlock()
		if s.NeedsManualSync && !needed {
			logger.Warn("captures are waiting for a manual sync",
				"pending", s.PendingCount,
				"hint", "run 'capsync sync' or send SIGUSR1")
		}
		needed = s.NeedsManualSync
	}
}

// ingestInboxFile queues a settled inbox file under a fresh id. The file is
// deleted once the queue holds everything needed to sync it: the note text,
// or a durable copy of the media. When no copy can be made the item is
// taken back out of the queue and the file stays in the inbox, so nothing
// is queued that a later ingest of the same file would duplicate. Reports
// whether the file was removed.
func ingestInboxFile(ctx context.Context, store *queue.Store, in *intake.Intake, c intake.Capture, path string) (queue.PendingItem, bool, error) {
	if _, ok := intake.KindForPath(path); !ok {
		slog.Debug("ignoring unsupported inbox file", "path", path)
		return queue.PendingItem{}, false, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return queue.PendingItem{}, false, nil
	}

	// Only a frontmatter id may pin the id of an inbox capture
	c.ID = ""

	item, err := in.AddFile(ctx, c, path)
	switch {
	case queue.IsKind(err, queue.IntakeCopyFailure):
		if rerr := store.Remove(context.WithoutCancel(ctx), item.ID); rerr != nil {
			slog.Warn("queued inbox file without a durable copy", "path", path, "id", item.ID, "error", rerr)
			return item, false, nil
		}
		return queue.PendingItem{}, false, fmt.Errorf("left %s in the inbox: %w", path, err)
	case err != nil:
		return item, false, err
	}

	if item.Kind.HasMedia() && (item.PersistedURI == "" || queue.LocalPath(item.PersistedURI) == path) {
		slog.Info("queued inbox file", "path", path, "id", item.ID, "kind", item.Kind)
		return item, false, nil
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to remove queued inbox file", "path", path, "error", err)
		return item, false, nil
	}
	slog.Info("queued inbox file", "path", path, "id", item.ID, "kind", item.Kind, "removed", true)
	return item, true, nil
}
