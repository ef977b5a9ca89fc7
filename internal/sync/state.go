package sync

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/vonshlovens/capsync/internal/queue"
)

// Queue is the part of the durable store the orchestrator drives
type Queue interface {
	Count() int
	ListDue(maxRetries int) ([]queue.PendingItem, error)
	UpdateStatus(ctx context.Context, id string, status queue.Status, errMsg string) error
	Remove(ctx context.Context, id string) error
	PurgeExhausted(ctx context.Context, maxRetries int) (int, error)
	Subscribe(fn func(count int)) (unsubscribe func())
}

// Monitor reports backend reachability
type Monitor interface {
	Subscribe(fn func(connected bool)) (unsubscribe func())
	FetchCurrent(ctx context.Context) bool
}

// Uploader stores a media file remotely and returns its public URL
type Uploader interface {
	UploadBlob(ctx context.Context, ownerID, journeyID, localPath string) (string, error)
}

// Recorder creates the remote record for a synced capture
type Recorder interface {
	CreateRecord(ctx context.Context, journeyID string, kind queue.Kind, payload Payload) error
}

// Payload is what the remote record is created from. ItemID lets the
// backend make creation idempotent when an item is retried.
type Payload struct {
	ItemID          string
	OwnerID         string
	URL             string
	Text            string
	DurationSeconds *float64
	Location        json.RawMessage
	Weather         json.RawMessage
	Tags            []string
	CapturedAt      time.Time
}

// Progress of the current sync pass
type Progress struct {
	Current int
	Total   int
}

// State is a snapshot of the orchestrator's process-lifetime flags
type State struct {
	Online          bool
	Syncing         bool
	NeedsManualSync bool
	PendingCount    int
	Progress        *Progress
}

// State returns the current snapshot
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() State {
	s := o.state
	if s.Progress != nil {
		p := *s.Progress
		s.Progress = &p
	}
	return s
}

// Subscribe registers fn for state changes. fn runs on the goroutine that
// caused the change and must not block.
func (o *Orchestrator) Subscribe(fn func(State)) (unsubscribe func()) {
	o.subsMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.subsMu.Unlock()

	return func() {
		o.subsMu.Lock()
		delete(o.subs, id)
		o.subsMu.Unlock()
	}
}

// update applies fn to the state under the lock and publishes the result
func (o *Orchestrator) update(fn func(s *State)) State {
	o.mu.Lock()
	fn(&o.state)
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.publish(snap)
	return snap
}

func (o *Orchestrator) publish(s State) {
	o.subsMu.Lock()
	ids := make([]int, 0, len(o.subs))
	for id := range o.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(State), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, o.subs[id])
	}
	o.subsMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
