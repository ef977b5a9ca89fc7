package watcher

import (
	"sort"
	"sync"
	"time"
)

// EventType represents the type of file event
type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
)

func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "CREATE"
	case EventModify:
		return "MODIFY"
	case EventDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Settled reports whether the file is present and done being written
func (e EventType) Settled() bool {
	return e == EventCreate || e == EventModify
}

// FileEvent represents a debounced file event
type FileEvent struct {
	Path      string
	EventType EventType
	Timestamp time.Time
}

// Debouncer holds back events for a path until it has been quiet for the
// delay, so a file being copied into the inbox is reported once, after the
// last write.
type Debouncer struct {
	delay    time.Duration
	mu       sync.Mutex
	events   map[string]*pendingEvent
	stopped  bool
	output   chan FileEvent
	stopCh   chan struct{}
	inflight sync.WaitGroup
}

type pendingEvent struct {
	event FileEvent
	timer *time.Timer
}

// NewDebouncer creates a new event debouncer
func NewDebouncer(delayMs int) *Debouncer {
	return &Debouncer{
		delay:  time.Duration(delayMs) * time.Millisecond,
		events: make(map[string]*pendingEvent),
		output: make(chan FileEvent, 100),
		stopCh: make(chan struct{}),
	}
}

// Events returns the channel of debounced events. It is closed by Stop.
func (d *Debouncer) Events() <-chan FileEvent {
	return d.output
}

// Add records an event for path and restarts its quiet period
func (d *Debouncer) Add(path string, eventType EventType) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	now := time.Now()

	pending, exists := d.events[path]
	if !exists {
		pending = &pendingEvent{event: FileEvent{Path: path, EventType: eventType}}
		d.events[path] = pending
	} else {
		pending.timer.Stop()
		pending.event.EventType = coalesce(pending.event.EventType, eventType)
	}
	pending.event.Timestamp = now
	pending.timer = time.AfterFunc(d.delay, func() {
		d.emit(path)
	})
}

// coalesce merges a new event into a pending one. The latest presence
// wins: a file deleted and re-created is a create, a created file that
// is still being written stays a create.
func coalesce(pending, next EventType) EventType {
	switch {
	case next == EventDelete:
		return EventDelete
	case pending == EventDelete:
		return EventCreate
	case pending == EventCreate:
		return EventCreate
	default:
		return next
	}
}

// emit sends the pending event for path to the output channel
func (d *Debouncer) emit(path string) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	pending, exists := d.events[path]
	if exists {
		delete(d.events, path)
	}
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()

	if exists {
		select {
		case d.output <- pending.event:
		case <-d.stopCh:
		}
	}
}

// Flush immediately emits all pending events, oldest first
func (d *Debouncer) Flush() {
	d.mu.Lock()
	pendings := make([]*pendingEvent, 0, len(d.events))
	for _, pending := range d.events {
		pending.timer.Stop()
		pendings = append(pendings, pending)
	}
	d.mu.Unlock()

	sort.Slice(pendings, func(i, j int) bool {
		return pendings[i].event.Timestamp.Before(pendings[j].event.Timestamp)
	})
	for _, pending := range pendings {
		d.emit(pending.event.Path)
	}
}

// Stop drops pending events and closes the output channel
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, pending := range d.events {
		pending.timer.Stop()
	}
	d.events = make(map[string]*pendingEvent)
	d.mu.Unlock()

	close(d.stopCh)
	d.inflight.Wait()
	close(d.output)
}

// PendingCount returns the number of pending events
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}
