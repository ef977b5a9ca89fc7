// Package reachability reports whether the remote backend can be reached.
//
// Monitors publish connectivity transitions to subscribers and answer
// point-in-time checks. Prober dials TCP targets on an interval; Manual is
// a switch flipped by the host (tests, --offline).
package reachability

import (
	"context"
	"sort"
	"sync"
)

// Monitor is the connectivity contract consumed by the sync orchestrator
type Monitor interface {
	// Subscribe registers fn for connectivity changes
	Subscribe(fn func(connected bool)) (unsubscribe func())
	// FetchCurrent answers whether the backend is reachable right now
	FetchCurrent(ctx context.Context) bool
}

// hub tracks the current state and fans transitions out to subscribers
type hub struct {
	mu        sync.Mutex
	connected bool
	subs      map[int]func(bool)
	nextSub   int
}

func newHub(connected bool) *hub {
	return &hub{
		connected: connected,
		subs:      make(map[int]func(bool)),
	}
}

func (h *hub) Subscribe(fn func(bool)) func() {
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *hub) current() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// set records the state and notifies subscribers when it changed
func (h *hub) set(connected bool) bool {
	h.mu.Lock()
	if h.connected == connected {
		h.mu.Unlock()
		return false
	}
	h.connected = connected

	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.subs[id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
	return true
}
