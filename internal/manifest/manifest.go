// Package manifest reads the project's declarative package document (the
// "package.json"-shaped input named in the external interfaces) the same
// way registry/npm.go decodes a registry version record: plain
// encoding/json tags plus a couple of custom unmarshalers for fields that
// accept more than one JSON shape.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/git-pkgs/spdx"

	"github.com/nodepm/nodepm/registry"
)

// PeerMeta mirrors registry.PeerMeta for a manifest's own peer declarations.
type PeerMeta = registry.PeerMeta

// Manifest is the declarative dependency document the install pipeline
// reads from disk. Scripts are decoded but never executed; running them is
// outside the core's boundary (spec §1, §6).
type Manifest struct {
	Name                 string              `json:"name"`
	Version              string              `json:"version"`
	License              string              `json:"license"`
	Dependencies         map[string]string   `json:"dependencies"`
	DevDependencies      map[string]string   `json:"devDependencies"`
	OptionalDependencies map[string]string   `json:"optionalDependencies"`
	PeerDependencies     map[string]string   `json:"peerDependencies"`
	PeerDependenciesMeta map[string]PeerMeta `json:"peerDependenciesMeta"`
	Bin                  registry.BinField   `json:"bin"`
	Scripts              map[string]string   `json:"scripts"`
}

// Load reads and decodes a manifest file from path.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: reading %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest: decoding %s: %w", path, err)
	}
	return &m, nil
}

// IsPeerOptional reports whether peer dependency name is marked optional in
// peerDependenciesMeta.
func (m *Manifest) IsPeerOptional(name string) bool {
	meta, ok := m.PeerDependenciesMeta[name]
	return ok && meta.Optional
}

// ValidateLicense checks License as an SPDX license expression when it is
// non-empty, returning a descriptive error the caller may choose to
// downgrade to a warning (an invalid license string is not itself a reason
// to fail an install).
func ValidateLicense(license string) error {
	if license == "" || license == "UNLICENSED" {
		return nil
	}
	if !spdx.Valid(license) {
		return fmt.Errorf("manifest: invalid SPDX license expression %q", license)
	}
	return nil
}

// DirectDependencyVersions is not derivable from the manifest alone (it
// requires the resolver's chosen versions); see resolve.Result.DirectHints
// for the hoisting hint the Linker consumes.
