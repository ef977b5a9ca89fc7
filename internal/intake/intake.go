// Package intake is the entry point for new captures. It assigns ids and
// timestamps and hands the capture to the queue; it keeps no state of its own.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/capsync/internal/parser"
	"github.com/vonshlovens/capsync/internal/queue"
)

// Queue is the part of the store intake writes to
type Queue interface {
	AddPendingItem(ctx context.Context, draft queue.Draft) (queue.PendingItem, error)
}

// Capture carries the fields common to every kind of capture
type Capture struct {
	// ID is optional; one is generated when empty
	ID        string
	JourneyID string
	OwnerID   string
	Location  json.RawMessage
	Weather   json.RawMessage
	Tags      []string
}

// Intake turns captures into queued items
type Intake struct {
	queue  Queue
	parser *parser.Parser
	now    func() time.Time
}

// New creates an Intake writing to q
func New(q Queue) *Intake {
	return &Intake{
		queue:  q,
		parser: parser.NewParser(),
		now:    time.Now,
	}
}

// NewID returns a collision-resistant id: a UUIDv7, i.e. a millisecond
// timestamp followed by random bits, so ids also sort by creation time.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// AddPhoto queues a photo
func (in *Intake) AddPhoto(ctx context.Context, c Capture, sourceURI string) (queue.PendingItem, error) {
	return in.add(ctx, c, queue.Draft{Kind: queue.KindPhoto, SourceURI: sourceURI})
}

// AddVideo queues a video. A non-positive duration is recorded as unknown.
func (in *Intake) AddVideo(ctx context.Context, c Capture, sourceURI string, durationSeconds float64) (queue.PendingItem, error) {
	return in.add(ctx, c, queue.Draft{Kind: queue.KindVideo, SourceURI: sourceURI, DurationSeconds: duration(durationSeconds)})
}

// AddAudio queues an audio recording
func (in *Intake) AddAudio(ctx context.Context, c Capture, sourceURI string, durationSeconds float64) (queue.PendingItem, error) {
	return in.add(ctx, c, queue.Draft{Kind: queue.KindAudio, SourceURI: sourceURI, DurationSeconds: duration(durationSeconds)})
}

// AddNote queues a text note
func (in *Intake) AddNote(ctx context.Context, c Capture, text string) (queue.PendingItem, error) {
	return in.add(ctx, c, queue.Draft{Kind: queue.KindNote, TextContent: text})
}

// AddFile queues the file at path, choosing the kind from its extension.
// Text files become notes; their frontmatter may override the capture's
// id, journey, owner and enrichment and contributes tags.
func (in *Intake) AddFile(ctx context.Context, c Capture, path string) (queue.PendingItem, error) {
	kind, ok := KindForPath(path)
	if !ok {
		return queue.PendingItem{}, fmt.Errorf("unsupported capture file: %s", filepath.Base(path))
	}

	switch kind {
	case queue.KindNote:
		note, err := in.parser.ParseFile(path)
		if err != nil {
			return queue.PendingItem{}, fmt.Errorf("failed to read note: %w", err)
		}
		fm := note.Frontmatter
		c.ID = firstNonEmpty(fm.ID, c.ID)
		c.JourneyID = firstNonEmpty(fm.Journey, c.JourneyID)
		c.OwnerID = firstNonEmpty(fm.Owner, c.OwnerID)
		if fm.Location != nil {
			c.Location = fm.Location
		}
		if fm.Weather != nil {
			c.Weather = fm.Weather
		}
		c.Tags = parser.MergeTags(c.Tags, note.Tags)

		draft := queue.Draft{Kind: queue.KindNote, TextContent: note.Body}
		if fm.Created != nil {
			draft.CreatedAt = fm.Created.UTC()
		}
		return in.add(ctx, c, draft)
	case queue.KindVideo:
		return in.AddVideo(ctx, c, path, 0)
	case queue.KindAudio:
		return in.AddAudio(ctx, c, path, 0)
	default:
		return in.AddPhoto(ctx, c, path)
	}
}

func (in *Intake) add(ctx context.Context, c Capture, draft queue.Draft) (queue.PendingItem, error) {
	draft.ID = c.ID
	if draft.ID == "" {
		draft.ID = NewID()
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = in.now().UTC()
	}
	draft.JourneyID = c.JourneyID
	draft.OwnerID = c.OwnerID
	draft.LocationContext = c.Location
	draft.WeatherContext = c.Weather
	draft.Tags = c.Tags

	return in.queue.AddPendingItem(ctx, draft)
}

var extensionKinds = map[string]queue.Kind{
	".jpg":  queue.KindPhoto,
	".jpeg": queue.KindPhoto,
	".png":  queue.KindPhoto,
	".heic": queue.KindPhoto,
	".heif": queue.KindPhoto,
	".webp": queue.KindPhoto,
	".gif":  queue.KindPhoto,
	".mp4":  queue.KindVideo,
	".mov":  queue.KindVideo,
	".m4v":  queue.KindVideo,
	".webm": queue.KindVideo,
	".m4a":  queue.KindAudio,
	".mp3":  queue.KindAudio,
	".wav":  queue.KindAudio,
	".aac":  queue.KindAudio,
	".ogg":  queue.KindAudio,
	".md":   queue.KindNote,
	".txt":  queue.KindNote,
}

// KindForPath maps a file extension to a capture kind
func KindForPath(path string) (queue.Kind, bool) {
	kind, ok := extensionKinds[strings.ToLower(filepath.Ext(path))]
	return kind, ok
}

func duration(seconds float64) *float64 {
	if seconds <= 0 {
		return nil
	}
	return &seconds
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
