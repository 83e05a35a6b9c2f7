// Package lockfile reads and writes the project's dependency lockfile: a
// deterministic JSON snapshot of a resolve pass, re-readable by a later
// frozen install without contacting the registry.
//
// The read/write/atomic-rename shape follows registry/npm.go's disk cache
// sibling in internal/cache (encode, write to a temp path, rename into
// place) generalized from a single cached document to the whole flat set.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nodepm/nodepm/internal/identity"
	"github.com/nodepm/nodepm/internal/version"
	"github.com/nodepm/nodepm/registry"
	"github.com/nodepm/nodepm/resolve"
)

// currentSchema is the lockfile format version this package reads/writes.
const currentSchema = 1

// LockedRecord is the on-disk projection of a resolve.ResolvedPackage: the
// fields a future install needs to re-fetch and re-link without going back
// to the registry. Empty sub-maps and false flags are omitted.
type LockedRecord struct {
	Version              string              `json:"version"`
	Resolved             string              `json:"resolved"`
	Integrity            string              `json:"integrity"`
	Dependencies         map[string]string   `json:"dependencies,omitempty"`
	PeerDependencies     map[string]string   `json:"peerDependencies,omitempty"`
	OptionalDependencies map[string]string   `json:"optionalDependencies,omitempty"`
	Bin                  map[string]string   `json:"bin,omitempty"`
	Optional             bool                `json:"optional,omitempty"`
	Dev                  bool                `json:"dev,omitempty"`
}

// Lockfile is the decoded on-disk document.
type Lockfile struct {
	Version         int                     `json:"version"`
	Dependencies    map[string]string       `json:"dependencies"`
	DevDependencies map[string]string       `json:"devDependencies"`
	Packages        map[string]LockedRecord `json:"packages"`
}

// SchemaMismatchError reports that an on-disk lockfile was written by an
// incompatible format version.
type SchemaMismatchError struct {
	Found int
	Want  int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("lockfile: schema version %d on disk, this build expects %d", e.Found, e.Want)
}

// Manager reads and writes a project's lockfile at path.
type Manager struct {
	path string
}

// New builds a Manager for the lockfile at projectRoot/<filename>.
func New(projectRoot, filename string) *Manager {
	if filename == "" {
		filename = "package-lock.json"
	}
	return &Manager{path: filepath.Join(projectRoot, filename)}
}

// Exists reports whether a lockfile is present on disk.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Read loads and decodes the lockfile, or returns (nil, nil) if absent.
func (m *Manager) Read() (*Lockfile, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lockfile: reading %s: %w", m.path, err)
	}
	var lf Lockfile
	if err := json.Unmarshal(raw, &lf); err != nil {
		return nil, fmt.Errorf("lockfile: decoding %s: %w", m.path, err)
	}
	if lf.Version != currentSchema {
		return nil, &SchemaMismatchError{Found: lf.Version, Want: currentSchema}
	}
	return &lf, nil
}

// Write projects flat and the manifest's direct-dependency ranges into the
// on-disk format and atomically replaces the lockfile.
func (m *Manager) Write(flat map[string]*resolve.ResolvedPackage, dependencies, devDependencies map[string]string) error {
	packages := make(map[string]LockedRecord, len(flat))
	for key, rec := range flat {
		packages[key] = LockedRecord{
			Version:              rec.Version,
			Resolved:             rec.TarballURL,
			Integrity:            rec.Integrity,
			Dependencies:         nonEmpty(rec.Dependencies),
			PeerDependencies:     nonEmpty(rec.PeerDependencies),
			OptionalDependencies: nonEmpty(rec.OptionalDependencies),
			Bin:                  rec.Bin,
			Optional:             rec.Optional,
			Dev:                  rec.Dev,
		}
	}

	lf := Lockfile{
		Version:         currentSchema,
		Dependencies:    orEmpty(dependencies),
		DevDependencies: orEmpty(devDependencies),
		Packages:        packages,
	}

	raw, err := encodeOrdered(lf)
	if err != nil {
		return fmt.Errorf("lockfile: encoding %s: %w", m.path, err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("lockfile: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("lockfile: finalizing %s: %w", m.path, err)
	}
	return nil
}

// ToResolved rebuilds a resolve-shaped flat map from a decoded lockfile,
// splitting each key at its last "@" to recover the package name (so
// scoped names round-trip), restoring empty maps as {} for downstream
// consumers that assume non-nil maps, and re-deriving each package's
// RequiredBy parent set by walking the locked dependency edges (see
// requiredByFromEdges) so a frozen reinstall nests a conflicting version
// exactly where a fresh resolve would have.
func ToResolved(lf *Lockfile) map[string]*resolve.ResolvedPackage {
	flat := make(map[string]*resolve.ResolvedPackage, len(lf.Packages))
	for key, rec := range lf.Packages {
		name, _ := identity.SplitKey(key)
		flat[key] = &resolve.ResolvedPackage{
			Name:                 name,
			Version:              rec.Version,
			TarballURL:           rec.Resolved,
			Integrity:            rec.Integrity,
			Dependencies:         emptyIfNil(rec.Dependencies),
			PeerDependencies:     emptyIfNil(rec.PeerDependencies),
			OptionalDependencies: emptyIfNil(rec.OptionalDependencies),
			PeerDependenciesMeta: map[string]registry.PeerMeta{},
			Bin:                  rec.Bin,
			Optional:             rec.Optional,
			Dev:                  rec.Dev,
			RequiredBy:           map[string]bool{},
		}
	}

	for key, requiredBy := range requiredByFromEdges(lf) {
		if rec, ok := flat[key]; ok {
			rec.RequiredBy = requiredBy
		}
	}
	return flat
}

// requiredByFromEdges walks the lockfile's declared dependency ranges (the
// root's own dependencies/devDependencies, then each locked package's
// Dependencies) and, for every edge, picks the one locked version of the
// required name whose version satisfies the declared range. That is the
// same choice the resolver itself made when it originally produced these
// exact locked versions, so the reconstructed RequiredBy sets match a
// fresh resolve's: a frozen reinstall of a project with a version conflict
// nests the losing version under its requiring parent exactly as the
// original install did, instead of hoisting everything to the root.
func requiredByFromEdges(lf *Lockfile) map[string]map[string]bool {
	byName := make(map[string][]string) // package name -> candidate flat keys
	for key := range lf.Packages {
		name, _ := identity.SplitKey(key)
		byName[name] = append(byName[name], key)
	}

	requiredBy := make(map[string]map[string]bool, len(lf.Packages))
	mark := func(childKey, parentKey string) {
		if requiredBy[childKey] == nil {
			requiredBy[childKey] = map[string]bool{}
		}
		requiredBy[childKey][parentKey] = true
	}

	resolveEdge := func(depName, rangeText string) (string, bool) {
		candidates := byName[depName]
		if len(candidates) == 0 {
			return "", false
		}
		if len(candidates) == 1 {
			return candidates[0], true
		}
		rng := version.ParseRange(rangeText)
		versions := make([]version.Version, 0, len(candidates))
		indexByVersion := make(map[string]string, len(candidates))
		for _, key := range candidates {
			_, verText := identity.SplitKey(key)
			v, err := version.Parse(verText)
			if err != nil {
				continue
			}
			versions = append(versions, v)
			indexByVersion[v.String()] = key
		}
		best := version.MaxSatisfying(versions, rng)
		if best == nil {
			return "", false
		}
		return indexByVersion[best.String()], true
	}

	for depName, rangeText := range lf.Dependencies {
		if key, ok := resolveEdge(depName, rangeText); ok {
			mark(key, "")
		}
	}
	for depName, rangeText := range lf.DevDependencies {
		if key, ok := resolveEdge(depName, rangeText); ok {
			mark(key, "")
		}
	}

	for parentKey, parentRec := range lf.Packages {
		for depName, rangeText := range parentRec.Dependencies {
			if key, ok := resolveEdge(depName, rangeText); ok {
				mark(key, parentKey)
			}
		}
	}

	return requiredBy
}

// IsUpToDate compares the manifest's direct dependency ranges against the
// ones embedded in the lockfile header: every key on both sides must
// match exactly, so any addition or removal marks the lockfile stale.
func (lf *Lockfile) IsUpToDate(dependencies, devDependencies map[string]string) bool {
	return sameRanges(lf.Dependencies, dependencies) && sameRanges(lf.DevDependencies, devDependencies)
}

func sameRanges(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for name, rng := range a {
		if b[name] != rng {
			return false
		}
	}
	return true
}

// PURLs derives the Package URL for every package in the decoded
// lockfile, for callers auditing the lockfile against an allow/deny list
// or a vulnerability feed keyed by PURL rather than npm's own name@version.
func (lf *Lockfile) PURLs() map[string]string {
	purls := make(map[string]string, len(lf.Packages))
	for key, rec := range lf.Packages {
		name, _ := identity.SplitKey(key)
		purls[key] = identity.ToPURL(name, rec.Version)
	}
	return purls
}

// AuditRecord pairs a locked package record with its derived PURL.
type AuditRecord struct {
	Key    string
	Record LockedRecord
	PURL   string
}

// Packages reads the lockfile at path and returns every locked package
// alongside its derived pkg:npm/... identity, for tooling built on top of
// the core (e.g. a vulnerability-feed audit) that wants PURLs without
// re-deriving them from the raw records itself.
func (m *Manager) Packages() ([]AuditRecord, error) {
	lf, err := m.Read()
	if err != nil {
		return nil, err
	}
	if lf == nil {
		return nil, nil
	}
	purls := lf.PURLs()
	records := make([]AuditRecord, 0, len(lf.Packages))
	for key, rec := range lf.Packages {
		records = append(records, AuditRecord{Key: key, Record: rec, PURL: purls[key]})
	}
	return records, nil
}

func nonEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func emptyIfNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// encodeOrdered marshals lf with two-space indentation and a single
// trailing newline. encoding/json already orders Go map keys (package
// keys, dependency names, bin names) lexicographically when marshaling;
// the fixed fields of Lockfile and LockedRecord keep their declaration
// order. This is a thin wrapper that adds indentation and the trailing
// newline the schema requires.
func encodeOrdered(lf Lockfile) ([]byte, error) {
	raw, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}
