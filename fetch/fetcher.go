// Package fetch downloads resolved package tarballs, verifies their
// integrity, and extracts them into the content-addressable store,
// fanning out across a bounded worker pool the same way
// internal/core/helpers.go's BulkFetch*WithConcurrency helpers do for
// metadata lookups.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/nodepm/nodepm/internal/integrity"
	"github.com/nodepm/nodepm/internal/store"
	"github.com/nodepm/nodepm/internal/tarball"
)

const defaultConcurrency = 8

// ErrIntegrityMismatch is wrapped by errors returned when a downloaded
// tarball's digest does not match the registry's declared integrity.
var ErrIntegrityMismatch = errors.New("fetch: integrity mismatch")

// OfflineMiss reports that a package was needed but found in neither the
// store nor the local tarball cache while the Fetcher was running offline,
// so no network request was attempted.
type OfflineMiss struct {
	Name    string
	Version string
}

func (e *OfflineMiss) Error() string {
	return fmt.Sprintf("fetch: %s@%s not in cache and offline", e.Name, e.Version)
}

// TarballSource is the subset of registry access a Fetcher needs to
// download package archives, satisfied by both *registry.Registry and
// *CircuitBreakerRegistry (the latter adds per-host circuit breaking
// without the Fetcher needing to know about it).
type TarballSource interface {
	DownloadTarball(ctx context.Context, tarballURL string) (io.ReadCloser, error)
}

// PackageToFetch identifies one package a Fetcher should materialize in
// the store: the identity the resolver settled on plus the dist info the
// registry published for it.
type PackageToFetch struct {
	Name      string
	Version   string
	Integrity string // dist.integrity, or the sha1- form synthesized from dist.shasum
	TarballURL string
}

// Result is what a fetch produced for one package.
type Result struct {
	Path       string // absolute path of the extracted package tree in the store
	FromCache  bool   // true if the store already held this package
	Warning    error  // non-nil when FetchAll's fetch of this package failed; Path is then empty
}

// Fetcher downloads, verifies, and extracts package tarballs into a
// content-addressable store, caching the raw tarball bytes separately so a
// store eviction doesn't force a re-download.
type Fetcher struct {
	source      TarballSource
	store       *store.Store
	tarballDir  string
	concurrency int
	offline     bool
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithConcurrency overrides the default bounded fan-out width.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithOffline disables all network tarball downloads: a store or tarball
// cache miss fails with *OfflineMiss instead of falling through to source.
func WithOffline(offline bool) Option {
	return func(f *Fetcher) { f.offline = offline }
}

// New builds a Fetcher that downloads through source, extracts into
// pkgStore, and caches raw tarballs under tarballCacheDir.
func New(source TarballSource, pkgStore *store.Store, tarballCacheDir string, opts ...Option) *Fetcher {
	f := &Fetcher{
		source:      source,
		store:       pkgStore,
		tarballDir:  tarballCacheDir,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchAll materializes every package in pkgs, returning one Result per
// "name@version" key. A failed fetch yields a Result with only Warning set;
// FetchAll does not distinguish optional from required packages, so the
// caller decides which failures are fatal (install.Pipeline demotes
// optional-dependency failures to warnings in splitFetchOutcomes).
func (f *Fetcher) FetchAll(ctx context.Context, pkgs []PackageToFetch) map[string]*Result {
	results := make(map[string]*Result, len(pkgs))
	errs := make(map[string]error, len(pkgs))
	var mu sync.Mutex
	sem := make(chan struct{}, f.concurrency)
	var wg sync.WaitGroup

	for _, pkg := range pkgs {
		wg.Add(1)
		go func(p PackageToFetch) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			key := p.Name + "@" + p.Version
			res, err := f.FetchOne(ctx, p)
			mu.Lock()
			if err != nil {
				errs[key] = err
			} else {
				results[key] = res
			}
			mu.Unlock()
		}(pkg)
	}

	wg.Wait()
	for key, err := range errs {
		results[key] = &Result{Warning: err}
	}
	return results
}

// FetchOne materializes a single package: it is a no-op if the store
// already has the package, otherwise it downloads (or reuses a cached
// tarball), verifies its integrity, and extracts it into the store.
func (f *Fetcher) FetchOne(ctx context.Context, pkg PackageToFetch) (*Result, error) {
	if f.store.Has(pkg.Name, pkg.Version, pkg.Integrity) {
		return &Result{Path: f.store.Path(pkg.Name, pkg.Version, pkg.Integrity), FromCache: true}, nil
	}

	data, err := f.loadTarball(ctx, pkg)
	if err != nil {
		return nil, err
	}

	if err := integrity.Verify(data, pkg.Integrity); err != nil {
		return nil, fmt.Errorf("%w: %s@%s: %v", ErrIntegrityMismatch, pkg.Name, pkg.Version, err)
	}

	workspace, err := os.MkdirTemp(f.tarballDir, "extract-*")
	if err != nil {
		return nil, fmt.Errorf("fetch: creating extraction workspace: %w", err)
	}
	if err := tarball.Extract(&byteReader{data}, workspace); err != nil {
		_ = os.RemoveAll(workspace)
		return nil, fmt.Errorf("fetch: extracting %s@%s: %w", pkg.Name, pkg.Version, err)
	}

	path, err := f.store.Put(pkg.Name, pkg.Version, pkg.Integrity, workspace)
	if err != nil {
		return nil, err
	}
	return &Result{Path: path, FromCache: false}, nil
}

// loadTarball returns the tarball bytes for pkg, reading from the tarball
// cache when present and persisting a fresh download there otherwise.
func (f *Fetcher) loadTarball(ctx context.Context, pkg PackageToFetch) ([]byte, error) {
	cachePath := f.tarballCachePath(pkg)
	if data, err := os.ReadFile(cachePath); err == nil {
		return data, nil
	}

	if f.offline {
		return nil, &OfflineMiss{Name: pkg.Name, Version: pkg.Version}
	}

	body, err := f.source.DownloadTarball(ctx, pkg.TarballURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: downloading %s@%s: %w", pkg.Name, pkg.Version, err)
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("fetch: reading tarball for %s@%s: %w", pkg.Name, pkg.Version, err)
	}

	if err := os.MkdirAll(f.tarballDir, 0o755); err == nil {
		tmp := cachePath + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err == nil {
			_ = os.Rename(tmp, cachePath)
		}
	}
	return data, nil
}

func (f *Fetcher) tarballCachePath(pkg PackageToFetch) string {
	// Keyed by identity alone, unlike store.Key: the tarball cache has no
	// integrity hash in its filename, since it predates having downloaded
	// (and so verified) the tarball at all.
	return filepath.Join(f.tarballDir, store.SafeName(pkg.Name)+"-"+pkg.Version+".tgz")
}

// byteReader adapts a []byte to io.Reader without an extra copy.
type byteReader struct {
	data []byte
}

func (b *byteReader) Read(p []byte) (int, error) {
	if len(b.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}
