package render

import (
	"sync"
)

// sourceCache holds the raw bytes of imported sources while their pages are
// still waiting to render. One entry feeds N page render tasks; the entry is
// evicted when every page has settled, so peak memory is bounded by
// sources-in-flight, not pages-ever-imported.
//
// Release is keyed by page so that a page can settle at most once, no matter
// whether its task ran to completion, aborted on a missing record, or was
// cancelled out of the lane before running.
type sourceCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	data    []byte
	total   int
	pending map[string]struct{} // page IDs not yet settled
}

func newSourceCache() *sourceCache {
	return &sourceCache{entries: make(map[string]*cacheEntry)}
}

// put stores source bytes with the set of pages that must settle before the
// entry is evicted. A repeat put for the same source replaces the set
// (resume re-primes with the pages actually left).
func (c *sourceCache) put(sourceID string, data []byte, pageIDs []string) {
	pending := make(map[string]struct{}, len(pageIDs))
	for _, id := range pageIDs {
		pending[id] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sourceID] = &cacheEntry{data: data, total: len(pageIDs), pending: pending}
}

// get returns a fresh copy of the source bytes, since the worker boundary
// may invalidate the buffer it is handed.
func (c *sourceCache) get(sourceID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sourceID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.data...), true
}

// release marks one page settled. It is idempotent per page. Returns the
// batch total, how many pages have settled, and whether this call evicted
// the entry (last page settled). ok is false when the source is not cached
// or the page had already settled.
func (c *sourceCache) release(sourceID, pageID string) (total, done int, evicted, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, exists := c.entries[sourceID]
	if !exists {
		return 0, 0, false, false
	}
	if _, pending := e.pending[pageID]; !pending {
		return e.total, e.total - len(e.pending), false, false
	}
	delete(e.pending, pageID)
	if len(e.pending) == 0 {
		delete(c.entries, sourceID)
		return e.total, e.total, true, true
	}
	return e.total, e.total - len(e.pending), false, true
}

// contains reports whether a source is cached.
func (c *sourceCache) contains(sourceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[sourceID]
	return ok
}

// len returns the number of cached sources.
func (c *sourceCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
