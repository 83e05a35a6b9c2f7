// Package identity builds and parses Package URLs (PURLs) for npm package
// identities, wrapping github.com/package-url/packageurl-go the way
// internal/core/purl.go in the teacher package wraps it for its multi-ecosystem
// FullName/NewFromPURL helpers — narrowed here to the single "npm" type.
package identity

import (
	"fmt"
	"strings"

	packageurl "github.com/package-url/packageurl-go"
)

// PURL wraps packageurl.PackageURL with the npm scoped-name join rule.
type PURL struct {
	packageurl.PackageURL
}

// FullName returns the scoped npm package name ("@scope/name") encoded by p,
// or the bare name when p has no namespace.
func (p PURL) FullName() string {
	if p.Namespace == "" {
		return p.Name
	}
	return p.Namespace + "/" + p.Name
}

// Split breaks a possibly-scoped npm package name into a PURL namespace and
// local name: "@babel/core" -> ("@babel", "core"); "lodash" -> ("", "lodash").
func Split(name string) (namespace, local string) {
	if strings.HasPrefix(name, "@") {
		if idx := strings.Index(name, "/"); idx >= 0 {
			return name[:idx], name[idx+1:]
		}
	}
	return "", name
}

// ToPURL builds the canonical pkg:npm/... string for name@version. version
// may be empty to build a package-level (unversioned) PURL.
func ToPURL(name, version string) string {
	namespace, local := Split(name)
	p := packageurl.NewPackageURL("npm", namespace, local, version, nil, "")
	return p.ToString()
}

// Key returns the canonical "name@version" flat-map / lockfile key for a
// package identity.
func Key(name, version string) string {
	return name + "@" + version
}

// SplitKey splits a "name@version" key at its last "@", so that scoped
// names ("@scope/name@1.0.0") recover the right name/version pair.
func SplitKey(key string) (name, ver string) {
	idx := strings.LastIndex(key, "@")
	if idx <= 0 {
		return key, ""
	}
	return key[:idx], key[idx+1:]
}

// Parse parses a pkg:npm/... Package URL string.
func Parse(purlStr string) (*PURL, error) {
	p, err := packageurl.FromString(purlStr)
	if err != nil {
		return nil, fmt.Errorf("identity: parse purl %q: %w", purlStr, err)
	}
	if p.Type != "npm" {
		return nil, fmt.Errorf("identity: unsupported purl type %q", p.Type)
	}
	return &PURL{p}, nil
}
