package titles

import "sync"

// Index maps normalized lookup keys to canonical titles. It only ever grows:
// entries are added by the startup listing, by refreshes, and by live
// resolutions, and are never removed.
type Index struct {
	mu      sync.RWMutex
	entries map[string]Title
	pages   int
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]Title)}
}

// AddPage indexes an existing page title under its space and underscore keys.
func (ix *Index) AddPage(title string) {
	t := Title{Page: CollapseSpace(title)}
	if t.Page == "" {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.entries[Key(t.Page)]; !ok {
		ix.pages++
	}
	ix.put(Key(t.Page), t)
}

// Alias indexes ref as resolving to t. Writes are idempotent for the same
// (ref, t) pair, so concurrent backfills of the same key are harmless.
func (ix *Index) Alias(ref string, t Title) {
	key := Key(ref)
	if key == "" {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.put(key, t)
}

func (ix *Index) put(key string, t Title) {
	ix.entries[key] = t
	ix.entries[underscoreKey(key)] = t
}

// Lookup finds the canonical title for ref, trying the space and the
// underscore forms of its key.
func (ix *Index) Lookup(ref string) (Title, bool) {
	key := Key(ref)
	if key == "" {
		return Title{}, false
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if t, ok := ix.entries[key]; ok {
		return t, true
	}
	t, ok := ix.entries[underscoreKey(key)]
	return t, ok
}

// Len returns the number of distinct lookup keys.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Pages returns the number of distinct page titles added with AddPage.
func (ix *Index) Pages() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.pages
}
