package proxy

import "sync"

// StreamTarget holds the upstream URL the media route currently relays. It starts
// empty, every Set replaces the value, and reads always see the latest write.
type StreamTarget struct {
	mu  sync.RWMutex
	url string
}

func NewStreamTarget() *StreamTarget {
	return &StreamTarget{}
}

// Set replaces the target unconditionally. An empty string clears it.
func (t *StreamTarget) Set(rawURL string) {
	t.mu.Lock()
	t.url = rawURL
	t.mu.Unlock()
}

// Get returns the current target, "" when unset.
func (t *StreamTarget) Get() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.url
}
