// Package sync decides when queued captures are pushed to the remote
// backend and drives each item through upload, record creation and
// removal from the queue.
//
// Captures made while online are flushed immediately. Anything that was
// already queued at startup, or that piled up while offline, waits for an
// explicit TriggerSync.
package sync

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"sync/atomic"
)

var (
	// ErrOffline is returned by TriggerSync when the backend is unreachable
	ErrOffline = errors.New("backend is not reachable")
	// ErrSyncInProgress is returned by TriggerSync when a run is active
	ErrSyncInProgress = errors.New("sync already in progress")
	errStarted        = errors.New("orchestrator already started")
)

// DefaultMaxRetries is used when Options.MaxRetries is not positive
const DefaultMaxRetries = 3

// Options configure an Orchestrator
type Options struct {
	MaxRetries int
	Logger     *slog.Logger
}

// Orchestrator owns the sync state machine
type Orchestrator struct {
	queue      Queue
	monitor    Monitor
	uploader   Uploader
	recorder   Recorder
	maxRetries int
	logger     *slog.Logger

	mu        gosync.Mutex
	state     State
	lastCount int
	started   bool
	closed    bool

	subsMu  gosync.Mutex
	subs    map[int]func(State)
	nextSub int

	running atomic.Bool
	rerun   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	unsubs []func()
	wg     gosync.WaitGroup
}

// New creates an orchestrator. Nothing happens until Start.
func New(q Queue, monitor Monitor, uploader Uploader, recorder Recorder, opts Options) *Orchestrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		queue:      q,
		monitor:    monitor,
		uploader:   uploader,
		recorder:   recorder,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger.With("component", "sync"),
		subs:       make(map[int]func(State)),
	}
}

// MaxRetries returns the retry ceiling in effect
func (o *Orchestrator) MaxRetries() int {
	return o.maxRetries
}

// Start loads the queue length and connectivity, then begins reacting to
// queue and reachability changes. Items already queued mark the
// orchestrator as needing a manual sync.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errStarted
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	// Subscribe before counting: a capture committed in between is then
	// either in the count or delivered to onQueueChange afterwards.
	unsubQueue := o.queue.Subscribe(o.onQueueChange)
	unsubMonitor := o.monitor.Subscribe(o.onReachabilityChange)

	o.mu.Lock()
	o.unsubs = append(o.unsubs, unsubQueue, unsubMonitor)
	o.mu.Unlock()

	online := o.monitor.FetchCurrent(ctx)

	snap := o.update(func(s *State) {
		count := o.queue.Count()
		s.Online = online
		s.PendingCount = count
		s.NeedsManualSync = count > 0
		o.lastCount = count
	})

	o.logger.Info("sync orchestrator started",
		"online", snap.Online,
		"pending", snap.PendingCount,
		"needs_manual_sync", snap.NeedsManualSync)

	return nil
}

// Close stops reacting to changes and waits for background runs. A run in
// progress finishes its current item before stopping.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	unsubs := o.unsubs
	o.unsubs = nil
	cancel := o.cancel
	o.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

// Wait blocks until no background run is active
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// TriggerSync is the manual sync: it clears the manual-sync flag and runs
// the sync loop on the calling goroutine.
func (o *Orchestrator) TriggerSync(ctx context.Context) (RunResult, error) {
	online := o.monitor.FetchCurrent(ctx)
	o.update(func(s *State) { s.Online = online })
	if !online {
		return RunResult{}, ErrOffline
	}

	o.update(func(s *State) { s.NeedsManualSync = false })

	result, ok := o.tryRun(ctx)
	if !ok {
		return RunResult{}, ErrSyncInProgress
	}
	o.afterRun()
	return result, nil
}

// onQueueChange runs on the goroutine that mutated the queue
func (o *Orchestrator) onQueueChange(count int) {
	var grew, closed bool
	o.update(func(s *State) {
		grew = count > o.lastCount
		o.lastCount = count
		s.PendingCount = count
		closed = o.closed
	})

	if !grew || closed || !o.autoSyncAllowed() {
		return
	}

	o.rerun.Store(true)
	if !o.running.Load() {
		o.logger.Debug("item queued while online, syncing", "pending", count)
		o.startBackground()
	}
}

func (o *Orchestrator) onReachabilityChange(connected bool) {
	count := o.queue.Count()
	snap := o.update(func(s *State) {
		wasOnline := s.Online
		s.Online = connected
		if connected && !wasOnline && count > 0 {
			s.NeedsManualSync = true
		}
	})
	o.logger.Info("reachability changed",
		"online", connected,
		"pending", count,
		"needs_manual_sync", snap.NeedsManualSync)
}

func (o *Orchestrator) autoSyncAllowed() bool {
	s := o.State()
	return s.Online && !s.NeedsManualSync
}

func (o *Orchestrator) startBackground() {
	o.mu.Lock()
	if o.closed || o.ctx == nil {
		o.mu.Unlock()
		return
	}
	ctx := o.ctx
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.rerun.Store(false)
		if _, ok := o.tryRun(ctx); ok {
			o.afterRun()
		}
	}()
}

// afterRun picks up items that were queued too late for the run that just
// ended.
func (o *Orchestrator) afterRun() {
	if o.rerun.Swap(false) && o.autoSyncAllowed() {
		o.startBackground()
	}
}
