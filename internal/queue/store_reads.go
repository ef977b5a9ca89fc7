package queue

// ListAll returns every queued item in insertion order. An unreadable
// queue yields an empty list together with a PersistenceReadFailure.
func (s *Store) ListAll() ([]PendingItem, error) {
	items, err := s.committed()
	if err != nil {
		return []PendingItem{}, err
	}
	return cloneItems(items), nil
}

// ListForJourney returns the items belonging to journeyID, in order
func (s *Store) ListForJourney(journeyID string) ([]PendingItem, error) {
	return s.filter(func(p PendingItem) bool { return p.JourneyID == journeyID })
}

// ListDue returns the items a sync pass should attempt: pending ones and
// failed ones with retries left. Items left in uploading by a crash count
// as pending.
func (s *Store) ListDue(maxRetries int) ([]PendingItem, error) {
	return s.filter(func(p PendingItem) bool { return p.Due(maxRetries) })
}

// Count returns the number of queued items
func (s *Store) Count() int {
	items, _ := s.committed()
	return len(items)
}

// Get returns the item with the given id
func (s *Store) Get(id string) (PendingItem, bool) {
	items, _ := s.committed()
	if i := indexOf(items, id); i >= 0 {
		return items[i].clone(), true
	}
	return PendingItem{}, false
}

// Stats counts items per status. Exhausted counts failed items that the
// next purge with maxRetries would remove.
func (s *Store) Stats(maxRetries int) Stats {
	items, _ := s.committed()
	st := Stats{Total: len(items)}
	for _, item := range items {
		switch item.SyncStatus {
		case StatusPending:
			st.Pending++
		case StatusUploading:
			st.Uploading++
		case StatusFailed:
			st.Failed++
			if item.Exhausted(maxRetries) {
				st.Exhausted++
			}
		}
	}
	return st
}

func (s *Store) filter(keep func(PendingItem) bool) ([]PendingItem, error) {
	items, err := s.committed()
	out := []PendingItem{}
	for _, item := range items {
		if keep(item) {
			out = append(out, item.clone())
		}
	}
	return out, err
}

// Refresh picks up commits made by other processes sharing the data
// directory and notifies subscribers when the queue length changed. It
// returns the current length.
func (s *Store) Refresh() int {
	s.cacheMu.RLock()
	before, loaded := len(s.cache.items), s.cache.loaded
	s.cacheMu.RUnlock()

	items, _ := s.committed()
	after := len(items)
	if loaded && after != before {
		s.notifyMu.Lock()
		s.deliver(after)
		s.notifyMu.Unlock()
	}
	return after
}
