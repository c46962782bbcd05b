package feeds

// Dedupe cache bounds: trimmed to trimTo once it exceeds maxEntries.
const (
	dedupeMaxEntries = 10000
	dedupeTrimTo     = 5000
)

// dedupeCache remembers emitted item keys per stream. Not safe for
// concurrent use; each stream owns one and accesses it from its poll loop.
type dedupeCache struct {
	keys  map[string]struct{}
	order []string
}

func newDedupeCache() *dedupeCache {
	return &dedupeCache{keys: make(map[string]struct{})}
}

// Seen records the key and reports whether it was already present
func (c *dedupeCache) Seen(key string) bool {
	if _, ok := c.keys[key]; ok {
		return true
	}
	c.keys[key] = struct{}{}
	c.order = append(c.order, key)
	c.trim()
	return false
}

// Len returns the number of remembered keys
func (c *dedupeCache) Len() int {
	return len(c.keys)
}

// Clear forgets all keys
func (c *dedupeCache) Clear() {
	c.keys = make(map[string]struct{})
	c.order = nil
}

func (c *dedupeCache) trim() {
	if len(c.order) <= dedupeMaxEntries {
		return
	}
	cut := len(c.order) - dedupeTrimTo
	for _, key := range c.order[:cut] {
		delete(c.keys, key)
	}
	c.order = append([]string(nil), c.order[cut:]...)
}
