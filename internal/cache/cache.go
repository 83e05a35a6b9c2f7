// Package cache implements the on-disk TTL cache of abbreviated/full
// package metadata documents, keyed by package name. It follows the same
// file-per-entry, mtime-driven shape as the example pack's disk caches
// (Keyhole-Koro-InsightifyCore's internal/cache/disk.LRUTTLStore and
// matzehuels-stacktower's pkg/cache.FileCache), simplified to the mtime
// check the source registry client actually performs instead of carrying
// a separate index file.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nodepm/nodepm/registry"
)

const defaultTTL = 5 * time.Minute

// Cache is an on-disk TTL cache of registry.AbbreviatedDocument values.
type Cache struct {
	dir string
	ttl time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the default 5 minute freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// New creates a Cache rooted at dir, creating it if necessary.
func New(dir string, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	c := &Cache{dir: dir, ttl: defaultTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the cached document for (name, abbreviated) if present and
// not older than the TTL. A cache miss is reported via ok=false, never an
// error.
func (c *Cache) Get(name string, abbreviated bool) (doc *registry.AbbreviatedDocument, ok bool) {
	path := c.path(name, abbreviated)
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if time.Since(info.ModTime()) > c.ttl {
		return nil, false
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var d registry.AbbreviatedDocument
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, false
	}
	return &d, true
}

// Set writes doc compactly to disk for (name, abbreviated).
func (c *Cache) Set(name string, abbreviated bool, doc *registry.AbbreviatedDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	path := c.path(name, abbreviated)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Invalidate removes both the abbreviated and full entries for name.
func (c *Cache) Invalidate(name string) error {
	var firstErr error
	for _, abbreviated := range [2]bool{true, false} {
		if err := os.Remove(c.path(name, abbreviated)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Prune removes the oldest entries (by mtime) until the entry count is at
// most 0.8 * max.
func (c *Cache) Prune(max int) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	if len(entries) <= max {
		return nil
	}

	type fileInfo struct {
		name    string
		modTime time.Time
	}
	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	target := int(float64(max) * 0.8)
	toRemove := len(files) - target
	for i := 0; i < toRemove && i < len(files); i++ {
		_ = os.Remove(filepath.Join(c.dir, files[i].name))
	}
	return nil
}

// Clear empties the cache directory.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		_ = os.Remove(filepath.Join(c.dir, e.Name()))
	}
	return nil
}

func (c *Cache) path(name string, abbreviated bool) string {
	return filepath.Join(c.dir, safeFilename(name, abbreviated))
}

// safeFilename derives a collision-resistant filename for (name,
// abbreviated) by escaping path-hostile characters and appending a short
// content hash, in the spirit of Keyhole-Koro-InsightifyCore's
// disk.hashedName.
func safeFilename(name string, abbreviated bool) string {
	safe := strings.NewReplacer("/", "+", "@", "+").Replace(name)
	kind := "full"
	if abbreviated {
		kind = "abbrev"
	}
	sum := sha256.Sum256([]byte(name + "|" + kind))
	return safe + "-" + kind + "-" + hex.EncodeToString(sum[:4]) + ".json"
}
