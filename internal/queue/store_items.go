package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
)

// AddPendingItem queues a capture.
//
// For media kinds with a source URI the file is first copied into the media
// directory as <id><ext>. If that copy cannot be made the item is still
// queued with PersistedURI set to the source URI, and the returned error
// carries an IntakeCopyFailure. A PersistenceWriteFailure means the item
// was not committed. In every case the returned item is fully populated.
//
// Adding an id that is already queued returns the existing item untouched.
func (s *Store) AddPendingItem(ctx context.Context, draft Draft) (PendingItem, error) {
	item := PendingItem{
		ID:              draft.ID,
		JourneyID:       draft.JourneyID,
		OwnerID:         draft.OwnerID,
		Kind:            draft.Kind,
		SourceURI:       draft.SourceURI,
		TextContent:     draft.TextContent,
		DurationSeconds: draft.DurationSeconds,
		LocationContext: draft.LocationContext,
		WeatherContext:  draft.WeatherContext,
		Tags:            dedupeTags(draft.Tags),
		CreatedAt:       draft.CreatedAt,
		SyncStatus:      StatusPending,
		RetryCount:      0,
	}
	item = item.clone()
	if item.ID == "" {
		item.ID = uuid.Must(uuid.NewV7()).String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now().UTC()
	}

	var errs []error

	// Copy outside the lock into a partial file; it is renamed into place
	// under the lock once the id is known to be new.
	var partial, final string
	if item.Kind.HasMedia() && item.SourceURI != "" {
		item.PersistedURI = item.SourceURI
		var copyErr error
		partial, final, item.Checksum, copyErr = s.stageCopy(item)
		if copyErr != nil {
			qe := newError(IntakeCopyFailure, "add", item.ID, copyErr)
			s.logger.Warn("durable copy failed, keeping source uri",
				"id", item.ID, "source", item.SourceURI, "error", copyErr)
			errs = append(errs, qe)
		}
	}

	var existing *PendingItem
	var renameErr error
	_, err := s.mutate(ctx, "add", func(items []PendingItem) ([]PendingItem, bool) {
		if i := indexOf(items, item.ID); i >= 0 {
			found := items[i].clone()
			existing = &found
			return items, false
		}
		if partial != "" {
			if err := os.Rename(partial, final); err != nil {
				renameErr = err
				item.Checksum = ""
			} else {
				item.PersistedURI = final
				partial = ""
			}
		}
		return append(items, item.clone()), true
	})

	if partial != "" {
		_ = os.Remove(partial)
	}
	if renameErr != nil {
		s.logger.Warn("durable copy failed, keeping source uri", "id", item.ID, "error", renameErr)
		errs = append(errs, newError(IntakeCopyFailure, "add", item.ID, renameErr))
	}

	if existing != nil {
		s.logger.Debug("item already queued", "id", item.ID)
		return *existing, nil
	}

	if err != nil {
		// Not committed: the copy has no owner.
		if item.PersistedURI != item.SourceURI {
			s.removeOwned(item.PersistedURI)
			item.PersistedURI = item.SourceURI
			item.Checksum = ""
		}
		errs = append(errs, err)
		return item, errors.Join(errs...)
	}

	s.logger.Info("capture queued",
		"id", item.ID,
		"kind", item.Kind,
		"journey", item.JourneyID,
		"persisted", item.PersistedURI)

	return item.clone(), errors.Join(errs...)
}

// stageCopy copies the item's source into <mediaDir>/<id><ext>.partial.
// Returns the partial and final paths plus the checksum.
func (s *Store) stageCopy(item PendingItem) (string, string, string, error) {
	if err := s.Initialize(); err != nil || !s.mediaReady() {
		return "", "", "", errMediaUnavailable
	}

	src := LocalPath(item.SourceURI)
	if _, err := os.Stat(src); err != nil {
		return "", "", "", fmt.Errorf("source unavailable: %w", err)
	}

	final := filepath.Join(s.mediaDir, item.ID+mediaExtension(item.Kind, item.SourceURI))
	partial := final + ".partial"

	sum, err := copyVerified(src, partial)
	if err != nil {
		return "", "", "", err
	}
	return partial, final, sum, nil
}

// UpdateStatus sets an item's sync status and, when errMsg is non-empty,
// its last error. Failed increments the retry count. An unknown id is not
// an error: the item may have been removed concurrently.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	var found bool
	_, err := s.mutate(ctx, "update_status", func(items []PendingItem) ([]PendingItem, bool) {
		i := indexOf(items, id)
		if i < 0 {
			return items, false
		}
		found = true
		items[i].SyncStatus = status
		if errMsg != "" {
			items[i].LastError = errMsg
		}
		if status == StatusFailed {
			items[i].RetryCount++
		}
		return items, true
	})
	if err != nil {
		if qe, ok := err.(*Error); ok {
			qe.ID = id
		}
		return err
	}

	if !found {
		s.logger.Debug("status update for unknown item ignored", "id", id, "status", status)
		return nil
	}
	s.logger.Debug("status updated", "id", id, "status", status)
	return nil
}

// Remove deletes an item. Subscribers are notified once the metadata is
// committed; the media copy is deleted afterwards, outside the lock, and a
// failure to delete it is only logged.
func (s *Store) Remove(ctx context.Context, id string) error {
	var removed PendingItem
	committed, err := s.mutate(ctx, "remove", func(items []PendingItem) ([]PendingItem, bool) {
		i := indexOf(items, id)
		if i < 0 {
			return items, false
		}
		removed = items[i]
		return slices.Delete(items, i, i+1), true
	})
	if err != nil {
		if qe, ok := err.(*Error); ok {
			qe.ID = id
		}
		return err
	}
	if !committed {
		return nil
	}

	s.removeOwned(removed.PersistedURI)
	s.logger.Debug("item removed", "id", id)
	return nil
}

// PurgeExhausted removes every failed item whose retry count reached
// maxRetries, deleting their media copies, and returns how many went.
func (s *Store) PurgeExhausted(ctx context.Context, maxRetries int) (int, error) {
	var purged []PendingItem
	_, err := s.mutate(ctx, "purge", func(items []PendingItem) ([]PendingItem, bool) {
		kept := items[:0:0]
		for _, item := range items {
			if item.Exhausted(maxRetries) {
				purged = append(purged, item)
				continue
			}
			kept = append(kept, item)
		}
		return kept, len(purged) > 0
	})
	if err != nil {
		return 0, err
	}

	for _, item := range purged {
		s.removeOwned(item.PersistedURI)
		s.logger.Debug("item purged",
			"id", item.ID,
			"retries", item.RetryCount,
			"reason", newError(RetryExhausted, "purge", item.ID, errors.New(item.LastError)))
	}
	if len(purged) > 0 {
		s.logger.Info("exhausted items purged", "count", len(purged), "max_retries", maxRetries)
	}
	return len(purged), nil
}

func indexOf(items []PendingItem, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// dedupeTags keeps the first occurrence of each non-empty tag
func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
