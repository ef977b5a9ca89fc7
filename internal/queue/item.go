package queue

import (
	"encoding/json"
	"slices"
	"time"
)

// Kind identifies what a capture holds
type Kind string

const (
	KindPhoto Kind = "photo"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindNote  Kind = "note"
)

// Valid reports whether k is one of the known capture kinds
func (k Kind) Valid() bool {
	switch k {
	case KindPhoto, KindVideo, KindAudio, KindNote:
		return true
	default:
		return false
	}
}

// HasMedia reports whether captures of this kind carry a media file
func (k Kind) HasMedia() bool {
	return k == KindPhoto || k == KindVideo || k == KindAudio
}

// DefaultExtension is used for the durable copy when the source path has no suffix
func (k Kind) DefaultExtension() string {
	switch k {
	case KindPhoto:
		return ".jpg"
	case KindVideo:
		return ".mp4"
	case KindAudio:
		return ".m4a"
	default:
		return ""
	}
}

// Status is the sync state of a queued item
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusFailed    Status = "failed"
)

// PendingItem is a captured-but-not-yet-synced record.
//
// Optional string fields are empty when absent. PersistedURI is the only
// ownership-significant pointer: when it points into the store's media
// directory the store deletes that file together with the item.
type PendingItem struct {
	ID              string          `json:"id" yaml:"id"`
	JourneyID       string          `json:"journey_id" yaml:"journey_id"`
	OwnerID         string          `json:"owner_id" yaml:"owner_id"`
	Kind            Kind            `json:"kind" yaml:"kind"`
	SourceURI       string          `json:"source_uri,omitempty" yaml:"source_uri,omitempty"`
	PersistedURI    string          `json:"persisted_uri,omitempty" yaml:"persisted_uri,omitempty"`
	Checksum        string          `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	TextContent     string          `json:"text_content,omitempty" yaml:"text_content,omitempty"`
	DurationSeconds *float64        `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`
	LocationContext json.RawMessage `json:"location_context,omitempty" yaml:"-"`
	WeatherContext  json.RawMessage `json:"weather_context,omitempty" yaml:"-"`
	Tags            []string        `json:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedAt       time.Time       `json:"created_at" yaml:"created_at"`
	SyncStatus      Status          `json:"sync_status" yaml:"sync_status"`
	RetryCount      int             `json:"retry_count" yaml:"retry_count"`
	LastError       string          `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// Due reports whether the item should be picked up by a sync pass.
// Uploading is treated like Pending: an item can only still be uploading
// if the process died mid-sync.
func (p PendingItem) Due(maxRetries int) bool {
	switch p.SyncStatus {
	case StatusPending, StatusUploading:
		return true
	case StatusFailed:
		return p.RetryCount < maxRetries
	default:
		return false
	}
}

// Exhausted reports whether the item has used up its retry budget
func (p PendingItem) Exhausted(maxRetries int) bool {
	return p.SyncStatus == StatusFailed && p.RetryCount >= maxRetries
}

// MediaPath returns the local file to upload, preferring the durable copy
func (p PendingItem) MediaPath() string {
	if p.PersistedURI != "" {
		return p.PersistedURI
	}
	return p.SourceURI
}

func (p PendingItem) clone() PendingItem {
	c := p
	c.Tags = slices.Clone(p.Tags)
	c.LocationContext = slices.Clone(p.LocationContext)
	c.WeatherContext = slices.Clone(p.WeatherContext)
	if p.DurationSeconds != nil {
		d := *p.DurationSeconds
		c.DurationSeconds = &d
	}
	return c
}

func cloneItems(items []PendingItem) []PendingItem {
	out := make([]PendingItem, len(items))
	for i, item := range items {
		out[i] = item.clone()
	}
	return out
}

// Draft is an item as handed to AddPendingItem: everything except the
// fields the store owns (status, retry count, persisted copy).
type Draft struct {
	ID              string
	JourneyID       string
	OwnerID         string
	Kind            Kind
	SourceURI       string
	TextContent     string
	DurationSeconds *float64
	LocationContext json.RawMessage
	WeatherContext  json.RawMessage
	Tags            []string
	CreatedAt       time.Time
}

// Stats summarizes the queue by status
type Stats struct {
	Total     int
	Pending   int
	Uploading int
	Failed    int
	Exhausted int
}
