package db

import (
	"time"

	"github.com/google/uuid"
)

// CaptureBlob is an uploaded media file, keyed by its content hash
type CaptureBlob struct {
	Key           string    `db:"key"`
	OwnerID       string    `db:"owner_id"`
	JourneyID     string    `db:"journey_id"`
	MimeType      string    `db:"mime_type"`
	Extension     string    `db:"extension"`
	FileSizeBytes int64     `db:"file_size_bytes"`
	Data          []byte    `db:"data"`
	CreatedAt     time.Time `db:"created_at"`
}

// JourneyEntry is the record created for every synced capture
type JourneyEntry struct {
	ID              uuid.UUID  `db:"id"`
	ItemID          string     `db:"item_id"`
	JourneyID       string     `db:"journey_id"`
	OwnerID         string     `db:"owner_id"`
	Kind            string     `db:"kind"`
	URL             *string    `db:"url"`
	TextContent     *string    `db:"text_content"`
	DurationSeconds *float64   `db:"duration_seconds"`
	Location        []byte     `db:"location"`
	Weather         []byte     `db:"weather"`
	Tags            []string   `db:"tags"`
	CapturedAt      time.Time  `db:"captured_at"`
	SyncedAt        *time.Time `db:"synced_at"`
}

// SyncStatus summarizes the remote side
type SyncStatus struct {
	Connected      bool
	LastSyncTime   *time.Time
	TotalEntries   int
	TotalBlobs     int
	TotalBlobBytes int64
}
