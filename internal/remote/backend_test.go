package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vonshlovens/capsync/internal/db"
	"github.com/vonshlovens/capsync/internal/queue"
	"github.com/vonshlovens/capsync/internal/sync"
)

type fakeStore struct {
	blobs   map[string]*db.CaptureBlob
	entries map[string]*db.JourneyEntry
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		blobs:   make(map[string]*db.CaptureBlob),
		entries: make(map[string]*db.JourneyEntry),
	}
}

func (f *fakeStore) UpsertBlob(ctx context.Context, blob *db.CaptureBlob) error {
	if f.err != nil {
		return f.err
	}
	if _, ok := f.blobs[blob.Key]; !ok {
		f.blobs[blob.Key] = blob
	}
	return nil
}

func (f *fakeStore) InsertEntry(ctx context.Context, entry *db.JourneyEntry) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.entries[entry.ItemID]; ok {
		return false, nil
	}
	f.entries[entry.ItemID] = entry
	return true, nil
}

func newTestBackend(store Store, maxMB int) *Backend {
	return New(store, "https://media.example.com/blobs/", maxMB, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func TestUploadBlob_DetectsType(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		data     []byte
		wantMime string
		wantExt  string
	}{
		{"png content with jpg name", "photo.jpg", pngHeader, "image/png", ".png"},
		{"plain text", "memo.m4a", []byte("hello there\n"), "text/plain; charset=utf-8", ".txt"},
		{"unknown binary keeps suffix", "clip.RAW", []byte{0x13, 0x37, 0x00, 0xc4, 0x5e}, "application/octet-stream", ".raw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			b := newTestBackend(store, 0)
			path := writeFile(t, tt.file, tt.data)

			url, err := b.UploadBlob(context.Background(), "u1", "j1", path)
			if err != nil {
				t.Fatalf("UploadBlob failed: %v", err)
			}

			if len(store.blobs) != 1 {
				t.Fatalf("expected one blob, got %d", len(store.blobs))
			}
			for key, blob := range store.blobs {
				if blob.MimeType != tt.wantMime || blob.Extension != tt.wantExt {
					t.Errorf("got %s %s, want %s %s", blob.MimeType, blob.Extension, tt.wantMime, tt.wantExt)
				}
				if blob.OwnerID != "u1" || blob.JourneyID != "j1" || blob.FileSizeBytes != int64(len(tt.data)) {
					t.Errorf("unexpected blob metadata: %+v", blob)
				}
				want := "https://media.example.com/blobs/" + key + tt.wantExt
				if url != want {
					t.Errorf("url = %q, want %q", url, want)
				}
				if len(key) != 64 {
					t.Errorf("expected sha256 hex key, got %q", key)
				}
			}
		})
	}
}

func TestUploadBlob_ContentAddressed(t *testing.T) {
	store := newFakeStore()
	b := newTestBackend(store, 0)

	first, err := b.UploadBlob(context.Background(), "u1", "j1", writeFile(t, "a.png", pngHeader))
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.UploadBlob(context.Background(), "u1", "j1", writeFile(t, "b.png", pngHeader))
	if err != nil {
		t.Fatal(err)
	}

	if first != second || len(store.blobs) != 1 {
		t.Errorf("identical content should share a blob: %q %q (%d blobs)", first, second, len(store.blobs))
	}
}

func TestUploadBlob_Errors(t *testing.T) {
	store := newFakeStore()
	b := newTestBackend(store, 1)

	if _, err := b.UploadBlob(context.Background(), "u1", "j1", "/no/such/file.jpg"); err == nil {
		t.Error("expected error for missing file")
	}

	big := writeFile(t, "big.mp4", make([]byte, 1024*1024+1))
	if _, err := b.UploadBlob(context.Background(), "u1", "j1", big); err == nil || !strings.Contains(err.Error(), "limit") {
		t.Errorf("expected size limit error, got %v", err)
	}

	store.err = errors.New("connection reset")
	small := writeFile(t, "small.png", pngHeader)
	if _, err := b.UploadBlob(context.Background(), "u1", "j1", small); !errors.Is(err, store.err) {
		t.Errorf("expected store error, got %v", err)
	}
}

func TestCreateRecord(t *testing.T) {
	store := newFakeStore()
	b := newTestBackend(store, 0)
	captured := time.Date(2026, 7, 1, 9, 30, 0, 0, time.UTC)
	dur := 4.5

	payload := sync.Payload{
		ItemID:          "a1",
		OwnerID:         "u1",
		URL:             "https://media.example.com/blobs/abc.m4a",
		DurationSeconds: &dur,
		Location:        []byte(`{"lat":64.1,"lon":-21.9}`),
		Tags:            []string{"geysir"},
		CapturedAt:      captured,
	}

	if err := b.CreateRecord(context.Background(), "j1", queue.KindAudio, payload); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	// A retried item must not fail on the existing entry
	if err := b.CreateRecord(context.Background(), "j1", queue.KindAudio, payload); err != nil {
		t.Fatalf("repeated CreateRecord failed: %v", err)
	}

	entry := store.entries["a1"]
	if entry == nil {
		t.Fatal("entry not stored")
	}
	if entry.Kind != "audio" || entry.JourneyID != "j1" || entry.OwnerID != "u1" || !entry.CapturedAt.Equal(captured) {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.URL == nil || *entry.URL != payload.URL {
		t.Errorf("unexpected url %v", entry.URL)
	}
	if entry.TextContent != nil {
		t.Errorf("audio entry should have no text, got %q", *entry.TextContent)
	}
	if entry.DurationSeconds == nil || *entry.DurationSeconds != 4.5 {
		t.Errorf("unexpected duration %v", entry.DurationSeconds)
	}
	if diff := cmp.Diff([]string{"geysir"}, entry.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	if string(entry.Location) != `{"lat":64.1,"lon":-21.9}` || entry.Weather != nil {
		t.Errorf("unexpected context snapshots: %s %s", entry.Location, entry.Weather)
	}
}

func TestCreateRecord_Note(t *testing.T) {
	store := newFakeStore()
	b := newTestBackend(store, 0)

	err := b.CreateRecord(context.Background(), "j1", queue.KindNote, sync.Payload{ItemID: "n1", Text: "black sand"})
	if err != nil {
		t.Fatal(err)
	}

	entry := store.entries["n1"]
	if entry.URL != nil || entry.TextContent == nil || *entry.TextContent != "black sand" {
		t.Errorf("unexpected note entry: %+v", entry)
	}
}
