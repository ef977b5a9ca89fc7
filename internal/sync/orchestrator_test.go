package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vonshlovens/capsync/internal/queue"
	"github.com/vonshlovens/capsync/internal/reachability"
)

var _ Queue = (*queue.Store)(nil)
var _ Monitor = (*reachability.Manual)(nil)

type fakeBackend struct {
	mu       gosync.Mutex
	uploads  []string
	records  []Payload
	kinds    []queue.Kind
	onUpload func(ctx context.Context, path string) error
	onRecord func(p Payload) error
}

func (f *fakeBackend) UploadBlob(ctx context.Context, ownerID, journeyID, localPath string) (string, error) {
	f.mu.Lock()
	f.uploads = append(f.uploads, localPath)
	hook := f.onUpload
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, localPath); err != nil {
			return "", err
		}
	}
	return "https://blobs.example/" + filepath.Base(localPath), nil
}

func (f *fakeBackend) CreateRecord(ctx context.Context, journeyID string, kind queue.Kind, p Payload) error {
	f.mu.Lock()
	hook := f.onRecord
	f.mu.Unlock()

	if hook != nil {
		if err := hook(p); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.records = append(f.records, p)
	f.kinds = append(f.kinds, kind)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) recordIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.records))
	for i, r := range f.records {
		out[i] = r.ItemID
	}
	return out
}

type harness struct {
	store   *queue.Store
	monitor *reachability.Manual
	backend *fakeBackend
	orch    *Orchestrator
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, online bool, maxRetries int) *harness {
	t.Helper()
	store := queue.New(t.TempDir(), quietLogger())
	if err := store.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	h := &harness{
		store:   store,
		monitor: reachability.NewManual(online),
		backend: &fakeBackend{},
	}
	h.orch = New(h.store, h.monitor, h.backend, h.backend, Options{
		MaxRetries: maxRetries,
		Logger:     quietLogger(),
	})
	t.Cleanup(h.orch.Close)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func (h *harness) addNote(t *testing.T, id string) queue.PendingItem {
	t.Helper()
	item, err := h.store.AddPendingItem(context.Background(), queue.Draft{
		ID:          id,
		JourneyID:   "j1",
		OwnerID:     "u1",
		Kind:        queue.KindNote,
		TextContent: "note " + id,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("AddPendingItem(%q) failed: %v", id, err)
	}
	return item
}

func (h *harness) addPhoto(t *testing.T, id string) queue.PendingItem {
	t.Helper()
	src := filepath.Join(t.TempDir(), id+".png")
	if err := os.WriteFile(src, []byte("pixels "+id), 0644); err != nil {
		t.Fatal(err)
	}
	item, err := h.store.AddPendingItem(context.Background(), queue.Draft{
		ID:        id,
		JourneyID: "j1",
		OwnerID:   "u1",
		Kind:      queue.KindPhoto,
		SourceURI: src,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("AddPendingItem(%q) failed: %v", id, err)
	}
	return item
}

func TestColdStart_QueuedItemsNeedManualSync(t *testing.T) {
	h := newHarness(t, true, 3)
	h.addNote(t, "n1")

	h.start(t)

	s := h.orch.State()
	if !s.NeedsManualSync || s.PendingCount != 1 || !s.Online {
		t.Fatalf("unexpected state after cold start: %+v", s)
	}

	// Live captures do not bypass the pending confirmation
	h.addNote(t, "n2")
	h.orch.Wait()

	if got := h.store.Count(); got != 2 {
		t.Errorf("expected both items still queued, got %d", got)
	}
	if len(h.backend.recordIDs()) != 0 {
		t.Error("nothing should have been synced without a trigger")
	}
}

func TestColdStart_EmptyQueue(t *testing.T) {
	h := newHarness(t, false, 3)
	h.start(t)

	s := h.orch.State()
	if s.NeedsManualSync || s.Online || s.PendingCount != 0 {
		t.Errorf("unexpected state: %+v", s)
	}
	if err := h.orch.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestReconnectThenTrigger(t *testing.T) {
	h := newHarness(t, false, 3)
	h.start(t)

	photo := h.addPhoto(t, "p1")
	h.orch.Wait()
	if photo.SyncStatus != queue.StatusPending {
		t.Fatalf("expected pending, got %s", photo.SyncStatus)
	}
	if h.orch.State().NeedsManualSync {
		t.Fatal("flag should not be set while offline")
	}

	h.monitor.Set(true)

	s := h.orch.State()
	if !s.Online || !s.NeedsManualSync || s.PendingCount != 1 {
		t.Fatalf("unexpected state after reconnect: %+v", s)
	}
	h.orch.Wait()
	if h.store.Count() != 1 {
		t.Fatal("reconnect must not sync on its own")
	}

	var statuses []queue.Status
	h.backend.onUpload = func(_ context.Context, path string) error {
		item, _ := h.store.Get("p1")
		statuses = append(statuses, item.SyncStatus)
		return nil
	}

	result, err := h.orch.TriggerSync(context.Background())
	if err != nil {
		t.Fatalf("TriggerSync failed: %v", err)
	}

	if result.Synced != 1 || result.Failed != 0 || result.Aborted {
		t.Errorf("unexpected result: %+v", result)
	}
	if diff := cmp.Diff([]queue.Status{queue.StatusUploading}, statuses); diff != "" {
		t.Errorf("status during upload mismatch (-want +got):\n%s", diff)
	}
	if h.store.Count() != 0 {
		t.Error("synced item should be removed")
	}
	if _, err := os.Stat(photo.PersistedURI); !os.IsNotExist(err) {
		t.Error("durable copy should be deleted after sync")
	}
	if diff := cmp.Diff([]string{photo.PersistedURI}, h.backend.uploads); diff != "" {
		t.Errorf("uploads mismatch (-want +got):\n%s", diff)
	}

	s = h.orch.State()
	if s.NeedsManualSync || s.Syncing || s.Progress != nil || s.PendingCount != 0 {
		t.Errorf("unexpected state after sync: %+v", s)
	}
}

func TestLiveCaptureSyncsAutomatically(t *testing.T) {
	h := newHarness(t, true, 3)
	h.start(t)

	h.addNote(t, "n1")
	h.orch.Wait()

	if diff := cmp.Diff([]string{"n1"}, h.backend.recordIDs()); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if h.store.Count() != 0 {
		t.Error("expected queue to be empty after auto sync")
	}
	if p := h.backend.records[0]; p.Text != "note n1" || p.URL != "" || p.OwnerID != "u1" {
		t.Errorf("unexpected note payload: %+v", p)
	}
}

func TestOfflineCaptureWaits(t *testing.T) {
	h := newHarness(t, false, 3)
	h.start(t)

	h.addNote(t, "n1")
	h.orch.Wait()

	if h.store.Count() != 1 || len(h.backend.recordIDs()) != 0 {
		t.Error("offline capture must stay queued")
	}

	if _, err := h.orch.TriggerSync(context.Background()); !errors.Is(err, ErrOffline) {
		t.Errorf("expected ErrOffline, got %v", err)
	}
}

func TestRetriesExhaustThenPurge(t *testing.T) {
	h := newHarness(t, false, 3)
	h.start(t)
	photo := h.addPhoto(t, "p1")
	h.monitor.Set(true)

	h.backend.onUpload = func(context.Context, string) error { return errors.New("503 service unavailable") }

	result, err := h.orch.TriggerSync(context.Background())
	if err != nil {
		t.Fatalf("TriggerSync failed: %v", err)
	}

	if result.Failed != 3 || result.Synced != 0 || result.Purged != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	for _, ferr := range result.Failures {
		if !queue.IsKind(ferr, queue.RemoteSyncFailure) {
			t.Errorf("expected RemoteSyncFailure, got %v", ferr)
		}
	}
	if len(h.backend.uploads) != 3 {
		t.Errorf("expected 3 upload attempts, got %d", len(h.backend.uploads))
	}
	if h.store.Count() != 0 {
		t.Error("exhausted item should be purged")
	}
	if _, err := os.Stat(photo.PersistedURI); !os.IsNotExist(err) {
		t.Error("purge should delete the durable copy")
	}
}

func TestFailureDoesNotAbortBatch(t *testing.T) {
	h := newHarness(t, false, 1)
	h.start(t)
	h.addNote(t, "bad")
	h.addNote(t, "good")
	h.monitor.Set(true)

	h.backend.onRecord = func(p Payload) error {
		if p.ItemID == "bad" {
			return errors.New("constraint violation")
		}
		return nil
	}

	result, err := h.orch.TriggerSync(context.Background())
	if err != nil {
		t.Fatalf("TriggerSync failed: %v", err)
	}

	if result.Synced != 1 || result.Failed != 1 || result.Purged != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	if diff := cmp.Diff([]string{"good"}, h.backend.recordIDs()); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestFailedItemRetriedOnNextPass(t *testing.T) {
	h := newHarness(t, false, 3)
	h.start(t)
	h.addNote(t, "flaky")
	h.monitor.Set(true)

	calls := 0
	h.backend.onRecord = func(Payload) error {
		calls++
		if calls == 1 {
			return errors.New("timeout")
		}
		return nil
	}

	result, err := h.orch.TriggerSync(context.Background())
	if err != nil {
		t.Fatalf("TriggerSync failed: %v", err)
	}
	if result.Synced != 1 || result.Failed != 1 || result.Purged != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
	if h.store.Count() != 0 {
		t.Error("item should be synced on the second pass")
	}
}

func TestGoingOfflineAbortsBatch(t *testing.T) {
	h := newHarness(t, false, 3)
	h.start(t)
	h.addNote(t, "n1")
	h.addNote(t, "n2")
	h.addNote(t, "n3")
	h.monitor.Set(true)

	h.backend.onRecord = func(p Payload) error {
		if p.ItemID == "n1" {
			h.monitor.Set(false)
		}
		return nil
	}

	result, err := h.orch.TriggerSync(context.Background())
	if err != nil {
		t.Fatalf("TriggerSync failed: %v", err)
	}

	if !result.Aborted || result.Synced != 1 || result.Failed != 0 {
		t.Errorf("unexpected result: %+v", result)
	}

	items, _ := h.store.ListAll()
	if len(items) != 2 {
		t.Fatalf("expected 2 items left, got %d", len(items))
	}
	for _, item := range items {
		if item.SyncStatus != queue.StatusPending || item.RetryCount != 0 {
			t.Errorf("remaining item %s should be untouched: %+v", item.ID, item)
		}
	}
	if h.orch.State().Online {
		t.Error("state should reflect offline")
	}
}

func TestTriggerSync_Reentrancy(t *testing.T) {
	h := newHarness(t, false, 3)
	h.start(t)
	h.addNote(t, "n1")
	h.monitor.Set(true)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.backend.onRecord = func(Payload) error {
		close(entered)
		<-release
		return nil
	}

	done := make(chan RunResult)
	go func() {
		result, _ := h.orch.TriggerSync(context.Background())
		done <- result
	}()

	<-entered
	if !h.orch.State().Syncing {
		t.Error("expected syncing state while a run is active")
	}
	if _, err := h.orch.TriggerSync(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("expected ErrSyncInProgress, got %v", err)
	}
	close(release)

	if result := <-done; result.Synced != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestSyncOne_MediaPayload(t *testing.T) {
	h := newHarness(t, true, 3)
	photo := h.addPhoto(t, "p1")

	dur := 12.5
	video, err := h.store.AddPendingItem(context.Background(), queue.Draft{
		ID:              "v1",
		JourneyID:       "j1",
		OwnerID:         "u1",
		Kind:            queue.KindVideo,
		SourceURI:       "/does/not/exist.mov",
		DurationSeconds: &dur,
		LocationContext: []byte(`{"lat":1}`),
		Tags:            []string{"trip"},
		CreatedAt:       time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	photo.DurationSeconds = &dur

	if err := h.orch.SyncOne(context.Background(), photo); err != nil {
		t.Fatalf("SyncOne(photo) failed: %v", err)
	}
	if err := h.orch.SyncOne(context.Background(), video); err != nil {
		t.Fatalf("SyncOne(video) failed: %v", err)
	}

	if diff := cmp.Diff([]queue.Kind{queue.KindPhoto, queue.KindVideo}, h.backend.kinds); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
	if h.backend.records[0].DurationSeconds != nil {
		t.Error("photo record should not carry a duration")
	}
	v := h.backend.records[1]
	if v.DurationSeconds == nil || *v.DurationSeconds != 12.5 {
		t.Errorf("expected video duration, got %v", v.DurationSeconds)
	}
	if v.URL != "https://blobs.example/exist.mov" || string(v.Location) != `{"lat":1}` {
		t.Errorf("unexpected video payload: %+v", v)
	}
	if diff := cmp.Diff([]string{"trip"}, v.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	if h.store.Count() != 0 {
		t.Error("both items should be removed")
	}
}

func TestSyncOne_FailureMarksItem(t *testing.T) {
	h := newHarness(t, true, 3)
	item := h.addNote(t, "n1")
	h.backend.onRecord = func(Payload) error { return errors.New("permission denied") }

	err := h.orch.SyncOne(context.Background(), item)
	if !queue.IsKind(err, queue.RemoteSyncFailure) {
		t.Fatalf("expected RemoteSyncFailure, got %v", err)
	}

	got, ok := h.store.Get("n1")
	if !ok {
		t.Fatal("failed item must stay queued")
	}
	if got.SyncStatus != queue.StatusFailed || got.RetryCount != 1 {
		t.Errorf("unexpected item after failure: %+v", got)
	}
	if !strings.Contains(got.LastError, "permission denied") {
		t.Errorf("expected last error to be recorded, got %q", got.LastError)
	}
}

func TestStateSubscriberSeesProgress(t *testing.T) {
	h := newHarness(t, false, 3)
	h.start(t)
	h.addNote(t, "n1")
	h.addNote(t, "n2")
	h.monitor.Set(true)

	var mu gosync.Mutex
	var progress []Progress
	unsubscribe := h.orch.Subscribe(func(s State) {
		if s.Progress == nil {
			return
		}
		mu.Lock()
		progress = append(progress, *s.Progress)
		mu.Unlock()
	})
	defer unsubscribe()

	if _, err := h.orch.TriggerSync(context.Background()); err != nil {
		t.Fatalf("TriggerSync failed: %v", err)
	}

	want := []Progress{{0, 2}, {1, 2}, {2, 2}}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, progress); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
}

func TestCloseStopsReacting(t *testing.T) {
	h := newHarness(t, true, 3)
	h.start(t)
	h.orch.Close()

	h.addNote(t, "n1")
	h.orch.Wait()

	if len(h.backend.recordIDs()) != 0 {
		t.Error("closed orchestrator should not sync")
	}
	h.orch.Close()
}

// blockingUpload makes uploads wait for release, giving up only when the
// context they were handed is cancelled.
func blockingUpload(started chan<- string, release <-chan struct{}) func(context.Context, string) error {
	return func(ctx context.Context, path string) error {
		started <- path
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestClose_LetsInFlightItemFinish(t *testing.T) {
	h := newHarness(t, true, 3)
	started := make(chan string, 1)
	release := make(chan struct{})
	h.backend.onUpload = blockingUpload(started, release)
	h.start(t)

	h.addPhoto(t, "p1")
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("upload never started")
	}

	closed := make(chan struct{})
	go func() {
		h.orch.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while an upload was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the upload finished")
	}

	if item, ok := h.store.Get("p1"); ok {
		t.Fatalf("item should have been synced, still queued as %s (retry %d, %q)",
			item.SyncStatus, item.RetryCount, item.LastError)
	}
	if diff := cmp.Diff([]string{"p1"}, h.backend.recordIDs()); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestTriggerSync_CancelDoesNotSpendRetry(t *testing.T) {
	h := newHarness(t, true, 3)
	h.addPhoto(t, "p1")
	h.addNote(t, "n2")
	h.start(t)

	started := make(chan string, 1)
	release := make(chan struct{})
	h.backend.onUpload = blockingUpload(started, release)

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		result RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := h.orch.TriggerSync(ctx)
		done <- outcome{result, err}
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("upload never started")
	}
	cancel()
	close(release)

	var got outcome
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("TriggerSync did not return")
	}
	if got.err != nil {
		t.Fatalf("TriggerSync failed: %v", got.err)
	}
	if got.result.Synced != 1 || got.result.Failed != 0 || !got.result.Aborted {
		t.Errorf("unexpected result: %+v", got.result)
	}

	if _, ok := h.store.Get("p1"); ok {
		t.Error("in-flight item should have completed")
	}
	n2, ok := h.store.Get("n2")
	if !ok {
		t.Fatal("item after the cancellation should still be queued")
	}
	if n2.SyncStatus != queue.StatusPending || n2.RetryCount != 0 {
		t.Errorf("untouched item changed: status=%s retry=%d", n2.SyncStatus, n2.RetryCount)
	}
}

// lateCaptureQueue commits an item while the orchestrator is subscribing
type lateCaptureQueue struct {
	*queue.Store
	add func()
}

func (q *lateCaptureQueue) Subscribe(fn func(int)) func() {
	if q.add != nil {
		q.add()
		q.add = nil
	}
	return q.Store.Subscribe(fn)
}

func TestStart_CaptureDuringSubscribeIsNotStranded(t *testing.T) {
	h := newHarness(t, true, 3)
	q := &lateCaptureQueue{Store: h.store, add: func() { h.addNote(t, "n1") }}
	orch := New(q, h.monitor, h.backend, h.backend, Options{Logger: quietLogger()})
	t.Cleanup(orch.Close)

	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	orch.Wait()

	s := orch.State()
	if s.PendingCount != 1 || !s.NeedsManualSync {
		t.Fatalf("capture made during start is neither counted nor flagged: %+v", s)
	}

	result, err := orch.TriggerSync(context.Background())
	if err != nil || result.Synced != 1 {
		t.Fatalf("TriggerSync = %+v, %v", result, err)
	}
}
