package listener

import "time"

const (
	dedupWindow    = 5 * time.Second
	dedupRetention = 600 * time.Second
)

// dedupCache suppresses rapid duplicate inbound events. It is owned by the
// listener's single receive goroutine, so it needs no locking. Pruning is
// opportunistic, on every accepted event; there is no sweep task.
type dedupCache struct {
	window    time.Duration
	retention time.Duration
	entries   map[string]time.Time
	now       func() time.Time
}

func newDedupCache(now func() time.Time) *dedupCache {
	if now == nil {
		now = time.Now
	}
	return &dedupCache{
		window:    dedupWindow,
		retention: dedupRetention,
		entries:   make(map[string]time.Time),
		now:       now,
	}
}

// Seen reports whether key was observed within the duplicate window. A key
// outside the window counts as new and its timestamp is refreshed.
func (c *dedupCache) Seen(key string) bool {
	now := c.now()
	if last, ok := c.entries[key]; ok && now.Sub(last) < c.window {
		return true
	}
	c.entries[key] = now
	return false
}

// Prune drops entries older than the retention horizon.
func (c *dedupCache) Prune() {
	now := c.now()
	for key, last := range c.entries {
		if now.Sub(last) >= c.retention {
			delete(c.entries, key)
		}
	}
}

func (c *dedupCache) Len() int {
	return len(c.entries)
}
