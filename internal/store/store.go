// Package store implements the content-addressable package store: the
// on-disk home for extracted package trees, keyed so that two resolutions
// of the same name@version+integrity always land at the same path and can
// be hardlinked into a module tree rather than re-extracted.
//
// The layout (a flat directory of hashed entry names, each holding an
// extracted package tree plus a small sidecar) combines two patterns seen
// elsewhere in the pack: Keyhole-Koro-InsightifyCore's disk cache
// (internal/cache/disk/lru_ttl_store.go) keys its flat on-disk entries by
// the sha256 hex of the cache key, and invowk-invowk's self-updater
// (internal/selfupdate/selfupdate.go, checksum.go) downloads to a temp
// path on the same filesystem, verifies a sha256 digest, and finalizes with
// os.Rename. This store keys each entry by a package's identity plus an
// integrity-derived hash prefix and finalizes the same way, widened from a
// single blob/file to a whole extracted package tree.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nodepm/nodepm/internal/version"
)

// Store is a content-addressable store of extracted package directories.
type Store struct {
	root string
}

// Meta is the sidecar record written alongside each stored package tree.
type Meta struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Integrity string    `json:"integrity"`
	StoredAt  time.Time `json:"storedAt"`
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating root %s: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

// Key derives the store entry name for (name, version, integrity): the
// path-safe package name, "@" version, and an underscore-joined hash
// prefix of the integrity string (or of name@version when integrity is
// unknown, e.g. for git/local dependencies outside this client's scope).
func Key(name, version, integrity string) string {
	hashInput := integrity
	if hashInput == "" {
		hashInput = name + "@" + version
	}
	sum := sha256.Sum256([]byte(hashInput))
	return safeName(name) + "@" + version + "_" + hex.EncodeToString(sum[:4])
}

// SafeName exports safeName's escaping for callers outside this package
// that need the same path-safe package name without going through Key —
// the tarball cache (fetch.Fetcher) keys its files by name and version
// alone, with no integrity hash, so it cannot reuse Key directly.
func SafeName(name string) string {
	return safeName(name)
}

// safeName replaces path-hostile characters in a (possibly scoped)
// package name with "+", matching the external store layout (a scoped
// name's "/" and the scope-separator "@" both become "+", e.g.
// "@scope/pkg" -> "+scope+pkg"). Since neither the escaped name nor a
// semver version string can themselves contain "@", the literal "@" that
// Key joins the name and version with remains the unambiguous delimiter
// parseKey splits on, and safeName/unsafeName stay exact inverses.
func safeName(name string) string {
	return strings.NewReplacer("/", "+", "@", "+").Replace(name)
}

// unsafeName reverses safeName for a scoped name. A scoped name's leading
// "@" and interior "/" both become "+"; "+scope+pkg" always unescapes to
// "@scope/pkg" since unscoped npm package names cannot contain "+".
func unsafeName(safe string) string {
	if !strings.HasPrefix(safe, "+") {
		return safe
	}
	return "@" + strings.Replace(safe[1:], "+", "/", 1)
}

// Path returns the absolute directory a package with the given identity
// would be stored at, whether or not it currently exists.
func (s *Store) Path(name, ver, integrity string) string {
	return filepath.Join(s.root, Key(name, ver, integrity))
}

// Has reports whether a package tree is already materialized in the store.
func (s *Store) Has(name, ver, integrity string) bool {
	info, err := os.Stat(s.Path(name, ver, integrity))
	return err == nil && info.IsDir()
}

// Put atomically moves the extracted package tree at workspaceDir into the
// store, writing a Meta sidecar alongside it. workspaceDir is typically a
// temporary extraction directory created by the fetcher; it must be on the
// same filesystem as the store root for the rename to be atomic.
func (s *Store) Put(name, ver, integrity, workspaceDir string) (string, error) {
	dest := s.Path(name, ver, integrity)
	if _, err := os.Stat(dest); err == nil {
		// Another fetch already populated this entry; the workspace copy is
		// redundant and is discarded in favor of the existing, presumably
		// identical, store entry.
		_ = os.RemoveAll(workspaceDir)
		return dest, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("store: preparing %s: %w", dest, err)
	}
	if err := os.Rename(workspaceDir, dest); err != nil {
		return "", fmt.Errorf("store: finalizing %s: %w", dest, err)
	}

	meta := Meta{Name: name, Version: ver, Integrity: integrity, StoredAt: time.Now()}
	raw, err := json.Marshal(meta)
	if err != nil {
		return dest, fmt.Errorf("store: encoding meta for %s: %w", dest, err)
	}
	if err := os.WriteFile(dest+".meta", raw, 0o644); err != nil {
		return dest, fmt.Errorf("store: writing meta for %s: %w", dest, err)
	}
	return dest, nil
}

// Remove deletes a package tree and its sidecar from the store.
func (s *Store) Remove(name, ver, integrity string) error {
	path := s.Path(name, ver, integrity)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("store: removing %s: %w", path, err)
	}
	_ = os.Remove(path + ".meta")
	return nil
}

// Entry describes one stored package tree as reported by List.
type Entry struct {
	Name    string
	Version string
	Path    string
}

// List enumerates every package tree currently in the store.
func (s *Store) List() ([]Entry, error) {
	items, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("store: listing %s: %w", s.root, err)
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		if !item.IsDir() {
			continue
		}
		name, ver, ok := parseKey(item.Name())
		if !ok {
			continue
		}
		entries = append(entries, Entry{Name: name, Version: ver, Path: filepath.Join(s.root, item.Name())})
	}
	return entries, nil
}

// parseKey reverses Key well enough to recover the name and version for
// listing purposes (the trailing hash prefix is dropped).
func parseKey(key string) (name, ver string, ok bool) {
	idx := strings.LastIndex(key, "_")
	if idx < 0 {
		return "", "", false
	}
	body := key[:idx]
	at := strings.LastIndex(body, "@")
	if at <= 0 {
		return "", "", false
	}
	name = unsafeName(body[:at])
	ver = body[at+1:]
	if _, err := version.Parse(ver); err != nil {
		return "", "", false
	}
	return name, ver, true
}
