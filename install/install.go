// Package install wires the manifest reader, resolver, fetcher, linker,
// and lockfile manager into the single top-level operation a command-line
// front end calls: read the declarative dependency document, produce a
// module tree on disk, and (on success) persist a lockfile snapshot.
//
// The warnings-slice error style mirrors resolve.Resolver; New takes its
// collaborators as plain arguments rather than functional options. This
// package only sequences the pieces those packages already define.
package install

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/nodepm/nodepm/fetch"
	"github.com/nodepm/nodepm/internal/cache"
	"github.com/nodepm/nodepm/internal/manifest"
	"github.com/nodepm/nodepm/internal/store"
	"github.com/nodepm/nodepm/link"
	"github.com/nodepm/nodepm/lockfile"
	"github.com/nodepm/nodepm/resolve"
)

// ErrFrozenLockfileOutOfDate is returned when Frozen is set and the
// on-disk lockfile does not cover the manifest's current dependency
// ranges, or is missing entirely.
var ErrFrozenLockfileOutOfDate = errors.New("install: lockfile missing or out of date for a frozen install")

// Options configures a single install run. Registry/offline settings are
// threaded through from the command layer's config surface; this package
// does not parse configuration itself.
type Options struct {
	ProjectRoot            string
	LockfileName           string // empty uses lockfile.New's default
	Production             bool
	PreferOffline          bool
	Offline                bool // a tarball missing from the store and tarball cache fails with an OfflineMiss instead of being downloaded; metadata resolution still uses the network
	AutoInstallPeers       bool
	StrictPeerDependencies bool
	Frozen                 bool
	ResolveConcurrency     int
	FetchConcurrency       int
}

// Result summarizes one install run for the command layer to report.
type Result struct {
	LinkResult *link.Result
	Warnings   []string
	Errors     []error
	WroteLock  bool
}

// Pipeline is the install operation bound to its collaborators.
type Pipeline struct {
	source    resolve.MetadataSource
	tarballs  fetch.TarballSource
	diskCache *cache.Cache // nil disables offline/preferOffline metadata reuse
	store     *store.Store
}

// New builds a Pipeline. source answers metadata lookups (typically a
// *fetch.CircuitBreakerRegistry wrapping the project's configured
// registry), tarballs downloads archives (often the same value), diskCache
// optionally backs offline/preferOffline metadata reuse, and pkgStore is
// the content-addressable store fetched packages land in.
func New(source resolve.MetadataSource, tarballs fetch.TarballSource, diskCache *cache.Cache, pkgStore *store.Store) *Pipeline {
	return &Pipeline{source: source, tarballs: tarballs, diskCache: diskCache, store: pkgStore}
}

// Run executes one install: read the manifest, resolve (or reuse a frozen
// lockfile), fetch, link, and — only on a fully successful link — write
// the lockfile.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	m, err := manifest.Load(manifestPath(opts.ProjectRoot))
	if err != nil {
		return nil, fmt.Errorf("install: %w", err)
	}

	var warnings []string
	if licenseErr := manifest.ValidateLicense(m.License); licenseErr != nil {
		warnings = append(warnings, licenseErr.Error())
	}

	lm := lockfile.New(opts.ProjectRoot, opts.LockfileName)

	flat, directHints, resolveWarnings, resolveErrs, err := p.resolveOrReuseLockfile(ctx, m, lm, opts)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, resolveWarnings...)
	if len(resolveErrs) > 0 {
		return &Result{Warnings: warnings, Errors: resolveErrs}, nil
	}

	tarballCacheDir := filepath.Join(opts.ProjectRoot, ".nodepm-cache", "tarballs")
	fetcher := fetch.New(p.tarballs, p.store, tarballCacheDir, fetch.WithConcurrency(fetchConcurrency(opts)), fetch.WithOffline(opts.Offline))
	toFetch := packagesToFetch(flat)
	fetched := fetcher.FetchAll(ctx, toFetch)

	fetchResults, fetchWarnings, fetchErrs := splitFetchOutcomes(flat, fetched)
	warnings = append(warnings, fetchWarnings...)
	if len(fetchErrs) > 0 {
		return &Result{Warnings: warnings, Errors: fetchErrs}, nil
	}

	linker := link.New(opts.ProjectRoot)
	linkResult, err := linker.Link(ctx, flat, fetchResults, directHints)
	if err != nil {
		return &Result{Warnings: warnings}, fmt.Errorf("install: linking: %w", err)
	}
	if len(linkResult.Errors) > 0 {
		return &Result{LinkResult: linkResult, Warnings: warnings, Errors: linkResult.Errors}, nil
	}

	result := &Result{LinkResult: linkResult, Warnings: warnings}
	if opts.Frozen {
		// Frozen installs never rewrite the lockfile: the whole point is
		// to install exactly what is already committed.
		return result, nil
	}
	if err := lm.Write(flat, m.Dependencies, m.DevDependencies); err != nil {
		return result, fmt.Errorf("install: writing lockfile: %w", err)
	}
	result.WroteLock = true
	return result, nil
}

// resolveOrReuseLockfile implements the frozen-mode short-circuit: in
// frozen mode the flat set comes from the lockfile via lockfile.ToResolved
// and the Resolver is never invoked; otherwise a full resolve pass runs.
func (p *Pipeline) resolveOrReuseLockfile(ctx context.Context, m *manifest.Manifest, lm *lockfile.Manager, opts Options) (flat map[string]*resolve.ResolvedPackage, directHints map[string]string, warnings []string, errs []error, err error) {
	if opts.Frozen {
		lf, readErr := lm.Read()
		if readErr != nil {
			return nil, nil, nil, nil, fmt.Errorf("install: %w", readErr)
		}
		if lf == nil || !lf.IsUpToDate(m.Dependencies, m.DevDependencies) {
			return nil, nil, nil, nil, ErrFrozenLockfileOutOfDate
		}
		flat := lockfile.ToResolved(lf)
		return flat, directHintsFromLockfile(flat, m), nil, nil, nil
	}

	r := resolve.New(p.source, p.diskCache, resolve.Options{
		Production:             opts.Production,
		PreferOffline:          opts.PreferOffline,
		AutoInstallPeers:       opts.AutoInstallPeers,
		StrictPeerDependencies: opts.StrictPeerDependencies,
		Concurrency:            opts.ResolveConcurrency,
	})
	res, err := r.Resolve(ctx, m)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("install: resolving: %w", err)
	}
	return res.Flat, res.DirectHints, res.Warnings, res.Errors, nil
}

// directHintsFromLockfile recovers the frozen install's equivalent of
// resolve.Result.DirectHints: for every name the manifest declares
// directly, the version of that name whose flat-map record lockfile.
// ToResolved marked as required by the root (RequiredBy[""]).
func directHintsFromLockfile(flat map[string]*resolve.ResolvedPackage, m *manifest.Manifest) map[string]string {
	direct := make(map[string]bool, len(m.Dependencies)+len(m.DevDependencies)+len(m.OptionalDependencies))
	for name := range m.Dependencies {
		direct[name] = true
	}
	for name := range m.DevDependencies {
		direct[name] = true
	}
	for name := range m.OptionalDependencies {
		direct[name] = true
	}

	hints := make(map[string]string, len(direct))
	for _, rec := range flat {
		if direct[rec.Name] && rec.RequiredBy[""] {
			hints[rec.Name] = rec.Version
		}
	}
	return hints
}

func packagesToFetch(flat map[string]*resolve.ResolvedPackage) []fetch.PackageToFetch {
	pkgs := make([]fetch.PackageToFetch, 0, len(flat))
	for _, rec := range flat {
		pkgs = append(pkgs, fetch.PackageToFetch{
			Name:       rec.Name,
			Version:    rec.Version,
			Integrity:  rec.Integrity,
			TarballURL: rec.TarballURL,
		})
	}
	return pkgs
}

// splitFetchOutcomes separates fetch.FetchAll's combined result map into
// the successful results the Linker consumes, warnings for demoted
// optional-dependency failures, and hard errors for everything else.
func splitFetchOutcomes(flat map[string]*resolve.ResolvedPackage, fetched map[string]*fetch.Result) (results map[string]*fetch.Result, warnings []string, errs []error) {
	results = make(map[string]*fetch.Result, len(fetched))
	for key, res := range fetched {
		if res.Warning == nil {
			results[key] = res
			continue
		}
		if rec, known := flat[key]; known && rec.Optional {
			warnings = append(warnings, fmt.Sprintf("%s: %v", key, res.Warning))
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", key, res.Warning))
	}
	return results, warnings, errs
}

func fetchConcurrency(opts Options) int {
	if opts.FetchConcurrency > 0 {
		return opts.FetchConcurrency
	}
	return 0 // fetch.New applies its own default
}

func manifestPath(projectRoot string) string {
	return filepath.Join(projectRoot, "package.json")
}
