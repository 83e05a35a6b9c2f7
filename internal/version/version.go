// Package version implements semantic version parsing and ordering for the
// npm-style version grammar: a dotted major.minor.patch triple, an optional
// dot-separated prerelease sequence, and an optional build metadata suffix.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Version is a parsed major.minor.patch version with optional prerelease
// and build metadata. Build metadata is retained for String() but never
// affects Compare.
type Version struct {
	Major, Minor, Patch int
	Prerelease          []Ident
	Build               []string
}

// Ident is a single dot-separated prerelease identifier. Numeric identifiers
// compare numerically and sort below any alphanumeric identifier at the
// same position.
type Ident struct {
	Value     string
	Numeric   int
	IsNumeric bool
}

var versionPattern = regexp.MustCompile(`^v?(\d+)(?:\.(\d+))?(?:\.(\d+))?(?:-([0-9A-Za-z.-]+))?(?:\+([0-9A-Za-z.-]+))?$`)

// Parse parses a version string, zero-filling a partial major[.minor[.patch]]
// triple. An empty minor/patch component defaults to 0.
func Parse(text string) (Version, error) {
	text = strings.TrimSpace(text)
	m := versionPattern.FindStringSubmatch(text)
	if m == nil {
		return Version{}, fmt.Errorf("version: invalid version %q", text)
	}

	major, err := strconv.Atoi(m[1])
	if err != nil {
		return Version{}, fmt.Errorf("version: invalid major in %q", text)
	}
	minor, patch := 0, 0
	if m[2] != "" {
		minor, err = strconv.Atoi(m[2])
		if err != nil {
			return Version{}, fmt.Errorf("version: invalid minor in %q", text)
		}
	}
	if m[3] != "" {
		patch, err = strconv.Atoi(m[3])
		if err != nil {
			return Version{}, fmt.Errorf("version: invalid patch in %q", text)
		}
	}

	v := Version{Major: major, Minor: minor, Patch: patch}

	if m[4] != "" {
		for _, part := range strings.Split(m[4], ".") {
			v.Prerelease = append(v.Prerelease, parseIdent(part))
		}
	}
	if m[5] != "" {
		v.Build = strings.Split(m[5], ".")
	}
	return v, nil
}

func parseIdent(s string) Ident {
	if n, err := strconv.Atoi(s); err == nil && (s == "0" || s[0] != '0') {
		return Ident{Value: s, Numeric: n, IsNumeric: true}
	}
	return Ident{Value: s}
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than b.
// Build metadata never participates in the comparison.
func Compare(a, b Version) int {
	if c := compareInt(a.Major, b.Major); c != 0 {
		return c
	}
	if c := compareInt(a.Minor, b.Minor); c != 0 {
		return c
	}
	if c := compareInt(a.Patch, b.Patch); c != 0 {
		return c
	}
	return comparePrerelease(a.Prerelease, b.Prerelease)
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// comparePrerelease implements: no-prerelease > has-prerelease; numeric
// identifiers sort below alphanumeric ones at the same position; a shorter
// sequence that is a prefix of a longer one sorts lower.
func comparePrerelease(a, b []Ident) int {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	if len(a) == 0 {
		return 1
	}
	if len(b) == 0 {
		return -1
	}

	for i := 0; i < len(a) && i < len(b); i++ {
		ai, bi := a[i], b[i]
		switch {
		case ai.IsNumeric && bi.IsNumeric:
			if c := compareInt(ai.Numeric, bi.Numeric); c != 0 {
				return c
			}
		case ai.IsNumeric && !bi.IsNumeric:
			return -1
		case !ai.IsNumeric && bi.IsNumeric:
			return 1
		default:
			if ai.Value != bi.Value {
				if ai.Value < bi.Value {
					return -1
				}
				return 1
			}
		}
	}
	return compareInt(len(a), len(b))
}

// IsPrerelease reports whether v carries a prerelease sequence.
func (v Version) IsPrerelease() bool {
	return len(v.Prerelease) > 0
}

// SameTuple reports whether a and b share the same major.minor.patch triple.
func (v Version) SameTuple(other Version) bool {
	return v.Major == other.Major && v.Minor == other.Minor && v.Patch == other.Patch
}

// String renders the version in canonical major.minor.patch[-prerelease][+build] form.
func (v Version) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d.%d", v.Major, v.Minor, v.Patch)
	if len(v.Prerelease) > 0 {
		parts := make([]string, len(v.Prerelease))
		for i, id := range v.Prerelease {
			parts[i] = id.Value
		}
		b.WriteByte('-')
		b.WriteString(strings.Join(parts, "."))
	}
	if len(v.Build) > 0 {
		b.WriteByte('+')
		b.WriteString(strings.Join(v.Build, "."))
	}
	return b.String()
}
