package watcher

import (
	"fmt"
	"testing"
	"time"
)

func TestCoalesce(t *testing.T) {
	tests := []struct {
		pending, next, want EventType
	}{
		{EventCreate, EventModify, EventCreate},
		{EventCreate, EventDelete, EventDelete},
		{EventModify, EventModify, EventModify},
		{EventModify, EventDelete, EventDelete},
		{EventDelete, EventCreate, EventCreate},
		{EventDelete, EventModify, EventCreate},
	}
	for _, tt := range tests {
		if got := coalesce(tt.pending, tt.next); got != tt.want {
			t.Errorf("coalesce(%v, %v) = %v, want %v", tt.pending, tt.next, got, tt.want)
		}
	}
}

// A file copied into the inbox produces one create and a burst of writes;
// it is reported once, after the writes stop.
func TestDebouncer_CopyInProgress(t *testing.T) {
	d := NewDebouncer(80)
	defer d.Stop()

	start := time.Now()
	d.Add("inbox/IMG_0042.heic", EventCreate)
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		d.Add("inbox/IMG_0042.heic", EventModify)
	}
	lastWrite := time.Now()

	var events []FileEvent
	timeout := time.After(400 * time.Millisecond)
loop:
	for {
		select {
		case event := <-d.Events():
			events = append(events, event)
		case <-timeout:
			break loop
		}
	}

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d: %v", len(events), events)
	}
	event := events[0]
	if event.Path != "inbox/IMG_0042.heic" || event.EventType != EventCreate {
		t.Errorf("unexpected event %+v", event)
	}
	if event.Timestamp.Before(lastWrite.Add(-time.Millisecond)) || event.Timestamp.Before(start) {
		t.Errorf("event timestamp %v predates last write %v", event.Timestamp, lastWrite)
	}
}

func TestDebouncer_MultipleFiles(t *testing.T) {
	d := NewDebouncer(50)
	defer d.Stop()

	d.Add("a.jpg", EventCreate)
	d.Add("b.m4a", EventModify)

	received := make(map[string]bool)
	timeout := time.After(200 * time.Millisecond)

loop:
	for {
		select {
		case event := <-d.Events():
			received[event.Path] = true
			if len(received) == 2 {
				break loop
			}
		case <-timeout:
			break loop
		}
	}

	if !received["a.jpg"] || !received["b.m4a"] {
		t.Errorf("expected both files, got %v", received)
	}
}

func TestDebouncer_Recreated(t *testing.T) {
	d := NewDebouncer(100)
	defer d.Stop()

	// Deleted and dropped in again before the quiet period ends
	d.Add("a.jpg", EventModify)
	d.Add("a.jpg", EventDelete)
	d.Add("a.jpg", EventModify)

	select {
	case event := <-d.Events():
		if event.EventType != EventCreate || !event.EventType.Settled() {
			t.Errorf("expected settled EventCreate, got %v", event.EventType)
		}
	case <-time.After(300 * time.Millisecond):
		t.Error("timed out waiting for event")
	}
}

func TestDebouncer_StopClosesEvents(t *testing.T) {
	d := NewDebouncer(10)
	for i := 0; i < 50; i++ {
		d.Add(fmt.Sprintf("file%d.jpg", i), EventCreate)
	}
	time.Sleep(5 * time.Millisecond)

	d.Stop()
	d.Stop()
	d.Add("late.jpg", EventCreate)

	// Drain; the channel must be closed, not hang or panic
	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-d.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("events channel not closed after Stop")
		}
	}
}

func TestDebouncer_Flush(t *testing.T) {
	d := NewDebouncer(5000) // Long debounce
	defer d.Stop()

	d.Add("inbox/photo.jpg", EventCreate)

	// Pending should be 1
	if d.PendingCount() != 1 {
		t.Errorf("expected 1 pending, got %d", d.PendingCount())
	}

	// Flush should emit immediately
	d.Flush()

	select {
	case event := <-d.Events():
		if event.Path != "inbox/photo.jpg" {
			t.Errorf("expected path 'inbox/photo.jpg', got %q", event.Path)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("flush should emit immediately")
	}

	if d.PendingCount() != 0 {
		t.Errorf("expected 0 pending after flush, got %d", d.PendingCount())
	}
}

func TestEventType_String(t *testing.T) {
	tests := []struct {
		event    EventType
		expected string
	}{
		{EventCreate, "CREATE"},
		{EventModify, "MODIFY"},
		{EventDelete, "DELETE"},
		{EventType(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if tt.event.String() != tt.expected {
			t.Errorf("EventType(%d).String() = %q, want %q", tt.event, tt.event.String(), tt.expected)
		}
	}
}
