package gateway

import "sync"

// dedupRing remembers the last N event IDs. The realtime transport may
// redeliver events after a reconnect; anything inside the window is
// dropped.
type dedupRing struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

func newDedupRing(size int) *dedupRing {
	if size <= 0 {
		size = 512
	}
	return &dedupRing{
		seen: make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// Observe records id and reports whether it was already in the window.
func (d *dedupRing) Observe(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}

	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.seen[id] = struct{}{}
	d.next = (d.next + 1) % len(d.ring)
	return false
}
