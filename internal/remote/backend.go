// Package remote pushes synced captures into PostgreSQL: media files become
// content-addressed blobs and every capture becomes a journey entry.
package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/vonshlovens/capsync/internal/db"
	"github.com/vonshlovens/capsync/internal/queue"
	"github.com/vonshlovens/capsync/internal/sync"
)

// Store is the subset of the database the backend writes to
type Store interface {
	UpsertBlob(ctx context.Context, blob *db.CaptureBlob) error
	InsertEntry(ctx context.Context, entry *db.JourneyEntry) (bool, error)
}

// Backend implements sync.Uploader and sync.Recorder
type Backend struct {
	store       Store
	baseURL     string
	maxBlobSize int64
	logger      *slog.Logger
}

var (
	_ sync.Uploader = (*Backend)(nil)
	_ sync.Recorder = (*Backend)(nil)
)

// New creates a backend publishing blobs under baseURL. A non-positive
// maxBlobSizeMB disables the size limit.
func New(store Store, baseURL string, maxBlobSizeMB int, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		store:       store,
		baseURL:     strings.TrimRight(baseURL, "/"),
		maxBlobSize: int64(maxBlobSizeMB) * 1024 * 1024,
		logger:      logger.With("component", "remote"),
	}
}

// UploadBlob stores the file at localPath and returns its public URL
func (b *Backend) UploadBlob(ctx context.Context, ownerID, journeyID, localPath string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat media: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("media path %s is a directory", localPath)
	}
	if b.maxBlobSize > 0 && info.Size() > b.maxBlobSize {
		return "", fmt.Errorf("media is %d bytes, limit is %d", info.Size(), b.maxBlobSize)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to read media: %w", err)
	}

	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])

	mtype := mimetype.Detect(data)
	ext := mtype.Extension()
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(localPath))
	}

	blob := &db.CaptureBlob{
		Key:           key,
		OwnerID:       ownerID,
		JourneyID:     journeyID,
		MimeType:      mtype.String(),
		Extension:     ext,
		FileSizeBytes: int64(len(data)),
		Data:          data,
	}
	if err := b.store.UpsertBlob(ctx, blob); err != nil {
		return "", err
	}

	url := b.baseURL + "/" + key + ext
	b.logger.Debug("blob uploaded",
		"key", key[:12],
		"mime_type", blob.MimeType,
		"size", blob.FileSizeBytes)
	return url, nil
}

// CreateRecord inserts the journey entry for a capture. Retrying an item
// whose entry already exists is not an error.
func (b *Backend) CreateRecord(ctx context.Context, journeyID string, kind queue.Kind, p sync.Payload) error {
	entry := &db.JourneyEntry{
		ItemID:          p.ItemID,
		JourneyID:       journeyID,
		OwnerID:         p.OwnerID,
		Kind:            string(kind),
		URL:             optional(p.URL),
		TextContent:     optional(p.Text),
		DurationSeconds: p.DurationSeconds,
		Location:        p.Location,
		Weather:         p.Weather,
		Tags:            p.Tags,
		CapturedAt:      p.CapturedAt,
	}

	inserted, err := b.store.InsertEntry(ctx, entry)
	if err != nil {
		return err
	}
	if !inserted {
		b.logger.Info("entry already recorded", "item", p.ItemID)
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
