package msgsync

// SeenMessageCache is a bounded FIFO membership set over msg_key
// values. It backs the at-most-once delivery guarantee: a key that was
// dispatched once is never dispatched again while it stays in the
// window. Not safe for concurrent use; the poller owns it.
type SeenMessageCache struct {
	capacity int
	order    []uint64
	members  map[uint64]struct{}
}

func NewSeenMessageCache(capacity int) *SeenMessageCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &SeenMessageCache{
		capacity: capacity,
		order:    make([]uint64, 0, capacity),
		members:  make(map[uint64]struct{}, capacity),
	}
}

func (c *SeenMessageCache) Seen(key uint64) bool {
	_, ok := c.members[key]
	return ok
}

// Add records the key. It returns false when the key was already
// present. The oldest entry is evicted once the window is full.
func (c *SeenMessageCache) Add(key uint64) bool {
	if c.Seen(key) {
		return false
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.members, oldest)
	}
	c.order = append(c.order, key)
	c.members[key] = struct{}{}
	return true
}

func (c *SeenMessageCache) Len() int {
	return len(c.order)
}
