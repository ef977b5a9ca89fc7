package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/vonshlovens/capsync/internal/queue"
)

// RunResult summarizes one run of the sync loop
type RunResult struct {
	Synced   int
	Failed   int
	Purged   int
	Aborted  bool
	Failures []error
}

// tryRun runs the sync loop unless another run holds the guard
func (o *Orchestrator) tryRun(ctx context.Context) (RunResult, bool) {
	if !o.running.CompareAndSwap(false, true) {
		return RunResult{}, false
	}
	defer o.running.Store(false)
	return o.run(ctx), true
}

// run processes due items pass after pass until none are left or the
// backend becomes unreachable, then purges exhausted items.
func (o *Orchestrator) run(ctx context.Context) RunResult {
	start := time.Now()
	var result RunResult

	o.update(func(s *State) { s.Syncing = true })

	// An item whose status cannot be written would stay due forever, so
	// each run attempts an item at most maxRetries times.
	attempts := make(map[string]int)

passes:
	for {
		due, err := o.queue.ListDue(o.maxRetries)
		if err != nil {
			o.logger.Warn("failed to list due items", "error", err)
		}

		batch := due[:0:0]
		for _, item := range due {
			if attempts[item.ID] < o.maxRetries {
				batch = append(batch, item)
			}
		}
		if len(batch) == 0 {
			break
		}

		total := len(batch)
		o.setProgress(0, total)

		for i, item := range batch {
			if ctx.Err() != nil || !o.monitor.FetchCurrent(ctx) {
				o.logger.Info("backend unreachable, stopping sync", "remaining", total-i)
				result.Aborted = true
				break passes
			}

			attempts[item.ID]++
			if err := o.SyncOne(ctx, item); err != nil {
				result.Failed++
				result.Failures = append(result.Failures, err)
			} else {
				result.Synced++
			}
			o.setProgress(i+1, total)
		}
	}

	o.update(func(s *State) {
		s.Syncing = false
		s.Progress = nil
	})

	purged, err := o.queue.PurgeExhausted(context.WithoutCancel(ctx), o.maxRetries)
	if err != nil {
		o.logger.Warn("failed to purge exhausted items", "error", err)
	}
	if purged > 0 {
		o.logger.Warn("dropped items after exhausting retries",
			"kind", queue.RetryExhausted.String(),
			"count", purged,
			"max_retries", o.maxRetries)
	}
	result.Purged = purged

	o.logger.Info("sync run finished",
		"synced", result.Synced,
		"failed", result.Failed,
		"purged", result.Purged,
		"aborted", result.Aborted,
		"duration_ms", time.Since(start).Milliseconds())
	return result
}

func (o *Orchestrator) setProgress(current, total int) {
	o.update(func(s *State) { s.Progress = &Progress{Current: current, Total: total} })
}

// SyncOne pushes a single item to the backend. On success the item is
// removed from the queue; on failure it is marked failed, which costs it
// one retry, and a RemoteSyncFailure is returned.
//
// ctx only decides whether the item is started. Once it is, the remote
// calls and queue writes run to completion even if ctx is cancelled, so a
// shutdown never charges the item a retry.
func (o *Orchestrator) SyncOne(ctx context.Context, item queue.PendingItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wctx := context.WithoutCancel(ctx)
	start := time.Now()

	if err := o.queue.UpdateStatus(wctx, item.ID, queue.StatusUploading, ""); err != nil {
		o.logger.Warn("failed to mark item uploading", "id", item.ID, "error", err)
	}

	if err := o.push(wctx, item); err != nil {
		if uerr := o.queue.UpdateStatus(wctx, item.ID, queue.StatusFailed, err.Error()); uerr != nil {
			o.logger.Warn("failed to mark item failed", "id", item.ID, "error", uerr)
		}
		o.logger.Warn("item sync failed",
			"id", item.ID,
			"kind", item.Kind,
			"attempt", item.RetryCount+1,
			"error", err)
		return &queue.Error{Kind: queue.RemoteSyncFailure, Op: "sync", ID: item.ID, Err: err}
	}

	if err := o.queue.Remove(wctx, item.ID); err != nil {
		return fmt.Errorf("failed to remove synced item %s: %w", item.ID, err)
	}

	o.logger.Info("item synced",
		"id", item.ID,
		"kind", item.Kind,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// push performs the remote calls for one item
func (o *Orchestrator) push(ctx context.Context, item queue.PendingItem) error {
	payload := Payload{
		ItemID:     item.ID,
		OwnerID:    item.OwnerID,
		Location:   item.LocationContext,
		Weather:    item.WeatherContext,
		Tags:       item.Tags,
		CapturedAt: item.CreatedAt,
	}

	switch item.Kind {
	case queue.KindNote:
		payload.Text = item.TextContent

	case queue.KindPhoto, queue.KindVideo, queue.KindAudio:
		path := item.MediaPath()
		if path == "" {
			return fmt.Errorf("%s item has no media", item.Kind)
		}
		url, err := o.uploader.UploadBlob(ctx, item.OwnerID, item.JourneyID, queue.LocalPath(path))
		if err != nil {
			return fmt.Errorf("failed to upload blob: %w", err)
		}
		payload.URL = url
		if item.Kind != queue.KindPhoto {
			payload.DurationSeconds = item.DurationSeconds
		}

	default:
		return fmt.Errorf("unknown item kind %q", item.Kind)
	}

	if err := o.recorder.CreateRecord(ctx, item.JourneyID, item.Kind, payload); err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}
	return nil
}
