package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// UpsertBlob stores a blob. Blobs are content-addressed, so an existing
// key is left untouched.
func (db *DB) UpsertBlob(ctx context.Context, blob *CaptureBlob) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO capture_blobs (
			key, owner_id, journey_id, mime_type, extension, file_size_bytes, data
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		ON CONFLICT (key) DO NOTHING
	`,
		blob.Key, blob.OwnerID, blob.JourneyID, blob.MimeType, blob.Extension,
		blob.FileSizeBytes, blob.Data,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert blob %s: %w", blob.Key, err)
	}
	return nil
}

// InsertEntry creates the record for a capture. It reports false when an
// entry for the same item already exists, which happens when an earlier
// attempt succeeded remotely but the item was not removed locally.
func (db *DB) InsertEntry(ctx context.Context, entry *JourneyEntry) (bool, error) {
	if entry.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return false, fmt.Errorf("failed to generate entry id: %w", err)
		}
		entry.ID = id
	}

	tags := entry.Tags
	if tags == nil {
		tags = []string{}
	}

	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO journey_entries (
			id, item_id, journey_id, owner_id, kind, url, text_content,
			duration_seconds, location, weather, tags, captured_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (item_id) DO NOTHING
	`,
		entry.ID, entry.ItemID, entry.JourneyID, entry.OwnerID, entry.Kind,
		entry.URL, entry.TextContent, entry.DurationSeconds,
		jsonArg(entry.Location), jsonArg(entry.Weather), tags, entry.CapturedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert entry for item %s: %w", entry.ItemID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetEntryByItemID retrieves the entry created for a queued item
func (db *DB) GetEntryByItemID(ctx context.Context, itemID string) (*JourneyEntry, error) {
	entry := &JourneyEntry{}
	err := db.Pool.QueryRow(ctx, `
		SELECT id, item_id, journey_id, owner_id, kind, url, text_content,
		       duration_seconds, location, weather, tags, captured_at, synced_at
		FROM journey_entries WHERE item_id = $1
	`, itemID).Scan(
		&entry.ID, &entry.ItemID, &entry.JourneyID, &entry.OwnerID, &entry.Kind,
		&entry.URL, &entry.TextContent, &entry.DurationSeconds,
		&entry.Location, &entry.Weather, &entry.Tags, &entry.CapturedAt, &entry.SyncedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry for item %s: %w", itemID, err)
	}
	return entry, nil
}

// ListEntries returns a journey's entries in capture order
func (db *DB) ListEntries(ctx context.Context, journeyID string) ([]*JourneyEntry, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, item_id, journey_id, owner_id, kind, url, text_content,
		       duration_seconds, location, weather, tags, captured_at, synced_at
		FROM journey_entries WHERE journey_id = $1
		ORDER BY captured_at, item_id
	`, journeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []*JourneyEntry
	for rows.Next() {
		entry := &JourneyEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.ItemID, &entry.JourneyID, &entry.OwnerID, &entry.Kind,
			&entry.URL, &entry.TextContent, &entry.DurationSeconds,
			&entry.Location, &entry.Weather, &entry.Tags, &entry.CapturedAt, &entry.SyncedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// jsonArg passes a raw JSON snapshot to a jsonb column, NULL when empty
func jsonArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
