package reachability

import "context"

// Manual is a Monitor whose state is set explicitly
type Manual struct {
	*hub
}

// NewManual creates a Manual monitor in the given state
func NewManual(connected bool) *Manual {
	return &Manual{hub: newHub(connected)}
}

// Set changes the state, notifying subscribers synchronously on a change
func (m *Manual) Set(connected bool) {
	m.set(connected)
}

// FetchCurrent returns the last state set
func (m *Manual) FetchCurrent(ctx context.Context) bool {
	return m.current()
}
