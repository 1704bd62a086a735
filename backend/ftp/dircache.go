package ftp

import (
	"context"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DirCache maps a server-form directory path to the raw bytes of the
// last successful LIST response (spec.md §4.5). Enumerate operations
// take read access; any mutation under a directory (or one of its
// ancestors) takes write access to invalidate the affected entries
// before proceeding, so a reader never observes a partially updated
// listing.
type DirCache struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, []byte]
	group singleflight.Group
}

// NewDirCache creates a DirCache holding at most capacity listings.
func NewDirCache(capacity int) *DirCache {
	c, err := lru.New[string, []byte](capacity)
	if err != nil {
		// Only returns an error for capacity<=0, which callers never pass;
		// fall back to a capacity of 1 rather than propagating a
		// constructor error for a programmer mistake.
		c, _ = lru.New[string, []byte](1)
	}
	return &DirCache{cache: c}
}

// Lookup returns the cached raw listing for dir, per spec.md §4.5 step
// 1 ("present → serve without an FTP round trip").
func (d *DirCache) Lookup(dir string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cache.Get(dir)
}

// Fetch returns the cached listing for dir if present, otherwise calls
// fetch (expected to issue LIST against the server) exactly once even
// under concurrent callers for the same dir, inserts the result under
// write access, and returns it (spec.md §4.5 steps 2-3).
func (d *DirCache) Fetch(ctx context.Context, dir string, fetch func(context.Context) ([]byte, error)) ([]byte, error) {
	if b, ok := d.Lookup(dir); ok {
		return b, nil
	}
	v, err, _ := d.group.Do(dir, func() (interface{}, error) {
		if b, ok := d.Lookup(dir); ok {
			return b, nil
		}
		b, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.cache.Add(dir, b)
		d.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Invalidate drops the cached listing for dir, if any.
func (d *DirCache) Invalidate(dir string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Remove(dir)
}

// InvalidateTree drops dir and every cached listing rooted under it,
// used when a mutation (rename, delete) affects an entire subtree
// whose cached listings can no longer be trusted.
func (d *DirCache) InvalidateTree(dir string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := dir
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	for _, key := range d.cache.Keys() {
		if key == dir || strings.HasPrefix(key, prefix) {
			d.cache.Remove(key)
		}
	}
}

// InvalidateAncestors drops the cached listing for every ancestor of
// path, since an ancestor's listing embeds this entry's own metadata
// (size, mtime) for some server dialects and must not be served stale
// (spec.md §4.5: "invalidated on any mutation affecting that directory
// or an ancestor").
func (d *DirCache) InvalidateAncestors(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p := parentOf(path); p != ""; p = parentOf(p) {
		d.cache.Remove(p)
	}
	d.cache.Remove("/")
}

func parentOf(p string) string {
	p = strings.TrimSuffix(p, "/")
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return ""
	}
	return p[:idx]
}
