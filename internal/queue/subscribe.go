package queue

import "sort"

// Subscribe registers fn to be called with the queue length after every
// committed mutation. Calls happen in commit order on the mutating
// goroutine, so fn must return quickly and must not call mutating Store
// methods itself; hand off to a goroutine for that.
func (s *Store) Subscribe(fn func(count int)) (unsubscribe func()) {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store) deliver(count int) {
	s.subsMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(int), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		s.safeCall(fn, count)
	}
}

func (s *Store) safeCall(fn func(int), count int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("queue subscriber panicked", "panic", r)
		}
	}()
	fn(count)
}
