package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	gosync "sync"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/vonshlovens/capsync/internal/sync"
)

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync queued captures now",
		Long: `Runs one manual sync: every due capture is uploaded and recorded, failed
captures that are out of retries are dropped. Stops early when the backend
becomes unreachable.`,
		Args: cobra.NoArgs,
	}

	quiet := false
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not show a progress bar")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store := openQueue(cfg)
		database, backend, err := openRemote(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer database.Close()

		orch := sync.New(store, newMonitor(cfg), backend, backend, sync.Options{
			MaxRetries: cfg.Sync.MaxRetries,
			Logger:     slog.Default(),
		})
		if !quiet {
			progress := &progressReporter{}
			defer orch.Subscribe(progress.update)()
			defer progress.finish()
		}
		if err := orch.Start(ctx); err != nil {
			return err
		}
		defer orch.Close()

		result, err := orch.TriggerSync(ctx)
		switch {
		case errors.Is(err, sync.ErrOffline):
			fmt.Printf("Backend unreachable; %d capture(s) stay queued.\n", store.Count())
			return nil
		case err != nil:
			return err
		}

		printResult(result, store.Count())
		if result.Failed > 0 {
			return fmt.Errorf("%d capture(s) failed to sync", result.Failed)
		}
		return nil
	}

	return cmd
}

func printResult(result sync.RunResult, remaining int) {
	fmt.Println("\n=== Sync Complete ===")
	fmt.Printf("Synced: %d\n", result.Synced)
	fmt.Printf("Failed: %d\n", result.Failed)
	if result.Purged > 0 {
		fmt.Printf("Dropped after exhausting retries: %d\n", result.Purged)
	}
	if result.Aborted {
		fmt.Println("Stopped early: backend became unreachable")
	}
	fmt.Printf("Still queued: %d\n", remaining)
	for _, err := range result.Failures {
		fmt.Printf("  %v\n", err)
	}
}

// progressReporter draws a bar for each pass of a sync run
type progressReporter struct {
	mu    gosync.Mutex
	bar   *progressbar.ProgressBar
	total int
}

func (p *progressReporter) update(s sync.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.Progress == nil {
		p.finishLocked()
		return
	}
	if p.bar == nil || s.Progress.Total != p.total || s.Progress.Current == 0 {
		p.finishLocked()
		p.total = s.Progress.Total
		p.bar = progressbar.NewOptions(p.total,
			progressbar.OptionSetDescription("Syncing captures"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionClearOnFinish(),
		)
	}
	_ = p.bar.Set(s.Progress.Current)
}

func (p *progressReporter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishLocked()
}

func (p *progressReporter) finishLocked() {
	if p.bar != nil {
		_ = p.bar.Finish()
		p.bar = nil
	}
}
