package gossip

import "sync"

// defaultSeenCapacity bounds the dedup cache; on overflow the oldest
// half of entries are dropped (§4.6).
const defaultSeenCapacity = 10_000

// seenCache is an insertion-ordered bounded set used to deduplicate
// gossip messages by (type, entity_id, action) key.
type seenCache struct {
	mu       sync.Mutex
	capacity int
	order    []string
	set      map[string]struct{}
}

func newSeenCache(capacity int) *seenCache {
	if capacity <= 0 {
		capacity = defaultSeenCapacity
	}
	return &seenCache{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		set:      make(map[string]struct{}, capacity),
	}
}

// seenOrMark returns true if key was already present, otherwise marks
// it seen and returns false.
func (c *seenCache) seenOrMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.set[key]; ok {
		return true
	}

	c.set[key] = struct{}{}
	c.order = append(c.order, key)

	if len(c.order) > c.capacity {
		half := len(c.order) / 2
		for _, k := range c.order[:half] {
			delete(c.set, k)
		}
		c.order = append([]string{}, c.order[half:]...)
	}
	return false
}

func (c *seenCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
