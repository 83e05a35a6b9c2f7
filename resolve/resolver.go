// Package resolve implements the dependency resolver: a concurrent,
// memoized descent over a manifest's declared dependencies that produces
// the flat set of packages an install needs to fetch and link.
//
// The fan-out and the "first writer wins" shared-map discipline follow
// internal/core/helpers.go's BulkFetch*WithConcurrency helpers (semaphore +
// mutex + sync.WaitGroup); the in-flight metadata coalescing uses
// golang.org/x/sync/singleflight, already a transitive dependency of the
// teacher's backoff/circuitbreaker stack and the idiomatic Go answer to
// "collapse concurrent identical requests into one."
package resolve

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/nodepm/nodepm/internal/cache"
	"github.com/nodepm/nodepm/internal/manifest"
	"github.com/nodepm/nodepm/internal/version"
	"github.com/nodepm/nodepm/registry"
)

const defaultConcurrency = 16

// MetadataSource is the subset of registry access the resolver needs,
// satisfied by both *registry.Registry and *fetch.CircuitBreakerRegistry.
type MetadataSource interface {
	GetAbbreviated(ctx context.Context, name string) (*registry.AbbreviatedDocument, error)
}

// Options configures a resolve pass.
type Options struct {
	Production             bool
	PreferOffline          bool
	AutoInstallPeers       bool
	StrictPeerDependencies bool
	Concurrency            int
}

// ResolvedPackage is one node in the flat resolution set.
type ResolvedPackage struct {
	Name                 string
	Version              string
	TarballURL           string
	Integrity            string
	Dependencies         map[string]string
	OptionalDependencies map[string]string
	PeerDependencies     map[string]string
	PeerDependenciesMeta map[string]registry.PeerMeta
	Bin                  map[string]string
	Deprecated           string
	Optional             bool
	Dev                  bool

	// RequiredBy records which parents pulled in this exact version: the
	// set of parent flat-map keys ("name@version"), plus the empty string
	// when the project's own manifest requires it directly. The Linker
	// uses this to decide which instances can be hoisted to modules/<name>
	// and which must nest under their requiring parent.
	RequiredBy map[string]bool
}

// Result is the output of a resolve pass.
type Result struct {
	Flat        map[string]*ResolvedPackage // keyed by "name@version"
	DirectHints map[string]string           // direct dependency name -> chosen version
	Warnings    []string
	Errors      []error
}

// Resolver runs one or more resolve passes against a metadata source.
type Resolver struct {
	source    MetadataSource
	diskCache *cache.Cache // nil disables the offline disk-cache tier
	opts      Options

	group singleflight.Group

	mu       sync.Mutex
	memMeta  map[string]*registry.AbbreviatedDocument
	flat     map[string]*ResolvedPackage
	warnings []string
	errs     []error

	sem chan struct{}
	wg  sync.WaitGroup
}

// New builds a Resolver. diskCache may be nil when PreferOffline is unused.
func New(source MetadataSource, diskCache *cache.Cache, opts Options) *Resolver {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Resolver{source: source, diskCache: diskCache, opts: opts}
}

// Resolve runs a full resolve pass over m's direct dependencies.
func (r *Resolver) Resolve(ctx context.Context, m *manifest.Manifest) (*Result, error) {
	r.memMeta = make(map[string]*registry.AbbreviatedDocument)
	r.flat = make(map[string]*ResolvedPackage)
	r.warnings = nil
	r.errs = nil
	r.sem = make(chan struct{}, r.opts.Concurrency)

	directHints := make(map[string]string)
	var hintsMu sync.Mutex

	type directDep struct {
		name, rng          string
		dev, optional bool
	}
	var direct []directDep
	for name, rng := range m.Dependencies {
		direct = append(direct, directDep{name, rng, false, false})
	}
	if !r.opts.Production {
		for name, rng := range m.DevDependencies {
			direct = append(direct, directDep{name, rng, true, false})
		}
	}
	for name, rng := range m.OptionalDependencies {
		direct = append(direct, directDep{name, rng, false, true})
	}

	for _, d := range direct {
		r.wg.Add(1)
		go func(d directDep) {
			defer r.wg.Done()
			if !r.acquire(ctx) {
				return
			}
			defer r.release()

			node := r.resolveDep(ctx, "", d.name, d.rng, d.dev, d.optional, false, map[string]bool{})
			if node != nil {
				hintsMu.Lock()
				directHints[d.name] = node.Version
				hintsMu.Unlock()
			}
		}(d)
	}
	r.wg.Wait()

	return &Result{Flat: r.flat, DirectHints: directHints, Warnings: r.warnings, Errors: r.errs}, nil
}

func (r *Resolver) acquire(ctx context.Context) bool {
	select {
	case r.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Resolver) release() { <-r.sem }

// resolveDep is the memoized recursive resolution step described in the
// resolver's algorithm: alias unwrap, cycle guard, metadata lookup,
// version selection, flat-map insertion, and transitive fan-out.
func (r *Resolver) resolveDep(ctx context.Context, parentKey, declaredName, rangeText string, dev, optional, peer bool, seen map[string]bool) *ResolvedPackage {
	seenKey := declaredName + "@" + rangeText
	if seen[seenKey] {
		return nil
	}
	childSeen := make(map[string]bool, len(seen)+1)
	for k := range seen {
		childSeen[k] = true
	}
	childSeen[seenKey] = true

	realName, realRange := unwrapAlias(declaredName, rangeText)

	doc, err := r.getMetadata(ctx, realName)
	if err != nil {
		r.recordFailure(fmt.Errorf("resolving %s: %w", declaredName, err), optional, peer)
		return nil
	}

	chosenVersion, ok := selectVersion(doc, realRange)
	if !ok {
		r.recordFailure(&NoSatisfyingVersionError{Name: declaredName, Range: rangeText}, optional, peer)
		return nil
	}

	key := declaredName + "@" + chosenVersion
	rec, firstWriter := r.insertOrMerge(key, declaredName, chosenVersion, doc, dev, optional, parentKey)
	if rec == nil {
		r.recordFailure(fmt.Errorf("resolving %s@%s: version record missing from metadata", declaredName, chosenVersion), optional, peer)
		return nil
	}

	if !firstWriter {
		return rec
	}

	if rec.Deprecated != "" {
		r.addWarning(fmt.Sprintf("%s@%s is deprecated: %s", rec.Name, rec.Version, rec.Deprecated))
	}

	r.fanOut(ctx, rec, childSeen)
	return rec
}

// unwrapAlias resolves the "npm:realName[@realRange]" alias form, honoring
// the bare-alias spelling "npm:realName" (meaning "any version").
func unwrapAlias(declaredName, rangeText string) (realName, realRange string) {
	rest, ok := strings.CutPrefix(rangeText, "npm:")
	if !ok {
		return declaredName, rangeText
	}
	return splitAliasTarget(rest)
}

func splitAliasTarget(rest string) (name, rng string) {
	if strings.HasPrefix(rest, "@") {
		slash := strings.Index(rest, "/")
		if slash < 0 {
			return rest, "*"
		}
		at := strings.Index(rest[slash:], "@")
		if at < 0 {
			return rest, "*"
		}
		return rest[:slash+at], rest[slash+at+1:]
	}
	if idx := strings.Index(rest, "@"); idx >= 0 {
		return rest[:idx], rest[idx+1:]
	}
	return rest, "*"
}

// selectVersion resolves rangeText against doc: an exact dist-tag match
// (other than "latest"/"*"/"") short-circuits to that tag's version;
// otherwise rangeText is parsed as a semver range and matched against the
// published versions.
func selectVersion(doc *registry.AbbreviatedDocument, rangeText string) (string, bool) {
	if rangeText != "" && rangeText != "latest" && rangeText != "*" {
		if v, ok := doc.DistTags[rangeText]; ok {
			if _, present := doc.Versions[v]; present {
				return v, true
			}
		}
	}

	rng := version.ParseRange(rangeText)
	versions := make([]version.Version, 0, len(doc.Versions))
	byString := make(map[string]string, len(doc.Versions)) // v.String() -> raw registry key
	for raw := range doc.Versions {
		v, err := version.Parse(raw)
		if err != nil {
			continue
		}
		versions = append(versions, v)
		byString[v.String()] = raw
	}
	max := version.MaxSatisfying(versions, rng)
	if max == nil {
		return "", false
	}
	return byString[max.String()], true
}

// insertOrMerge implements "first writer wins": the first caller for a
// given key builds and inserts the ResolvedPackage and reports
// firstWriter=true (the signal to fan out its transitive dependencies);
// later callers merge their dev/optional flags into the existing record.
func (r *Resolver) insertOrMerge(key, declaredName, chosenVersion string, doc *registry.AbbreviatedDocument, dev, optional bool, parentKey string) (*ResolvedPackage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.flat[key]; ok {
		existing.Dev = existing.Dev || dev
		existing.Optional = existing.Optional || optional
		existing.RequiredBy[parentKey] = true
		return existing, false
	}

	vr, ok := doc.Versions[chosenVersion]
	if !ok {
		return nil, false
	}
	rec := &ResolvedPackage{
		Name:                 declaredName,
		Version:              chosenVersion,
		TarballURL:           vr.Dist.Tarball,
		Integrity:            vr.Dist.SynthesizedIntegrity(),
		Dependencies:         vr.Dependencies,
		OptionalDependencies: vr.OptionalDependencies,
		PeerDependencies:     vr.PeerDependencies,
		PeerDependenciesMeta: vr.PeerDependenciesMeta,
		Bin:                  normalizeBin(declaredName, vr.Bin),
		Deprecated:           vr.Deprecated,
		Optional:             optional,
		Dev:                  dev,
		RequiredBy:           map[string]bool{parentKey: true},
	}
	r.flat[key] = rec
	return rec, true
}

// fanOut resolves rec's transitive dependencies concurrently.
func (r *Resolver) fanOut(ctx context.Context, rec *ResolvedPackage, seen map[string]bool) {
	type child struct {
		name, rng          string
		dev, optional, peer bool
	}
	var children []child
	for name, rng := range rec.Dependencies {
		children = append(children, child{name, rng, rec.Dev, false, false})
	}
	for name, rng := range rec.OptionalDependencies {
		children = append(children, child{name, rng, rec.Dev, true, false})
	}
	if r.opts.AutoInstallPeers {
		for name, rng := range rec.PeerDependencies {
			meta := rec.PeerDependenciesMeta[name]
			if meta.Optional && !r.opts.StrictPeerDependencies {
				continue
			}
			children = append(children, child{name, rng, rec.Dev, meta.Optional, true})
		}
	}

	parentKey := rec.Name + "@" + rec.Version
	for _, c := range children {
		r.wg.Add(1)
		go func(c child) {
			defer r.wg.Done()
			if !r.acquire(ctx) {
				return
			}
			defer r.release()
			r.resolveDep(ctx, parentKey, c.name, c.rng, c.dev, c.optional, c.peer, seen)
		}(c)
	}
}

// getMetadata resolves the abbreviated document for name through three
// tiers: the in-memory map, a singleflight-coalesced fetch (which consults
// the on-disk cache first when PreferOffline is set), then the network.
func (r *Resolver) getMetadata(ctx context.Context, name string) (*registry.AbbreviatedDocument, error) {
	r.mu.Lock()
	if doc, ok := r.memMeta[name]; ok {
		r.mu.Unlock()
		return doc, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(name, func() (any, error) {
		r.mu.Lock()
		if doc, ok := r.memMeta[name]; ok {
			r.mu.Unlock()
			return doc, nil
		}
		r.mu.Unlock()

		if r.opts.PreferOffline && r.diskCache != nil {
			if doc, ok := r.diskCache.Get(name, true); ok {
				r.mu.Lock()
				r.memMeta[name] = doc
				r.mu.Unlock()
				return doc, nil
			}
		}

		doc, err := r.source.GetAbbreviated(ctx, name)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.memMeta[name] = doc
		r.mu.Unlock()
		if r.diskCache != nil {
			_ = r.diskCache.Set(name, true, doc)
		}
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*registry.AbbreviatedDocument), nil
}

// normalizeBin expands a version record's bin field into a name->path map,
// deriving the bin name from the unscoped package name for the
// string-form "bin": "path" spelling.
func normalizeBin(pkgName string, bin registry.BinField) map[string]string {
	if len(bin.Raw) == 0 {
		return nil
	}
	if path, ok := bin.Raw[""]; ok {
		return map[string]string{unscopedName(pkgName): path}
	}
	out := make(map[string]string, len(bin.Raw))
	for k, v := range bin.Raw {
		out[k] = v
	}
	return out
}

func unscopedName(name string) string {
	if idx := strings.Index(name, "/"); strings.HasPrefix(name, "@") && idx >= 0 {
		return name[idx+1:]
	}
	return name
}

func (r *Resolver) recordFailure(err error, optional, peer bool) {
	demote := optional || (peer && !r.opts.StrictPeerDependencies)
	r.mu.Lock()
	defer r.mu.Unlock()
	if demote {
		r.warnings = append(r.warnings, err.Error())
	} else {
		r.errs = append(r.errs, err)
	}
}

func (r *Resolver) addWarning(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, msg)
}

// NoSatisfyingVersionError mirrors registry.NoSatisfyingVersionError for
// the resolver's own "declared name" framing (which may be an alias,
// unlike the registry error's real package name).
type NoSatisfyingVersionError struct {
	Name  string
	Range string
}

func (e *NoSatisfyingVersionError) Error() string {
	return fmt.Sprintf("resolve: no version of %s satisfies %q", e.Name, e.Range)
}
