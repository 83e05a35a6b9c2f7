package version

import (
	"regexp"
	"strings"
)

// Operator is a range comparator operator.
type Operator int

const (
	OpEQ Operator = iota
	OpGT
	OpGTE
	OpLT
	OpLTE
)

// Comparator is a single operator/version test. HasPrerelease records
// whether the source text for Version carried an explicit prerelease —
// this drives the tuple-match prerelease policy in Satisfies.
type Comparator struct {
	Op            Operator
	Version       Version
	HasPrerelease bool
}

func (c Comparator) matches(v Version) bool {
	cmp := Compare(v, c.Version)
	switch c.Op {
	case OpEQ:
		return cmp == 0
	case OpGT:
		return cmp > 0
	case OpGTE:
		return cmp >= 0
	case OpLT:
		return cmp < 0
	case OpLTE:
		return cmp <= 0
	default:
		return false
	}
}

// clause is an AND-group of comparators. any marks a clause that matches
// any stable (non-prerelease) version, used for "*", "", and "latest".
type clause struct {
	any         bool
	comparators []Comparator
}

// Range is a disjunction ("||") of AND clauses. A Range with no clauses
// matches nothing — the representation used for syntactically invalid
// range text, per the "invalid input matches nothing" rule.
type Range struct {
	clauses []clause
}

// comparatorToken matches an optional operator/sugar prefix followed by a
// (possibly partial) version, abutting or separated from the operator by
// whitespace.
var comparatorToken = regexp.MustCompile(`^(\^|~|>=|<=|>|<|=)?\s*([0-9xX*]+(?:\.[0-9xX*]+){0,2}(?:-[0-9A-Za-z.-]+)?(?:\+[0-9A-Za-z.-]+)?|\*)`)

var hyphenRange = regexp.MustCompile(`^(\S+)\s+-\s+(\S+)$`)

// ParseRange parses npm-style range syntax. It never returns an error:
// syntactically invalid text produces a Range that satisfies nothing,
// matching the source ecosystem's permissive behavior.
func ParseRange(text string) Range {
	text = strings.TrimSpace(text)

	var out Range
	for _, part := range strings.Split(text, "||") {
		part = strings.TrimSpace(part)
		c, ok := parseClause(part)
		if !ok {
			continue
		}
		out.clauses = append(out.clauses, c)
	}
	return out
}

func parseClause(text string) (clause, bool) {
	if text == "" || text == "*" || strings.EqualFold(text, "x") || strings.EqualFold(text, "latest") {
		return clause{any: true}, true
	}

	if m := hyphenRange.FindStringSubmatch(text); m != nil {
		lo, loHasPre, ok1 := parsePartial(m[1])
		hi, hiHasPre, ok2 := parsePartial(m[2])
		if !ok1 || !ok2 {
			return clause{}, false
		}
		return clause{comparators: []Comparator{
			{Op: OpGTE, Version: lo, HasPrerelease: loHasPre},
			{Op: OpLTE, Version: hi, HasPrerelease: hiHasPre},
		}}, true
	}

	var comparators []Comparator
	rest := text
	for rest != "" {
		rest = strings.TrimSpace(rest)
		if rest == "" {
			break
		}
		m := comparatorToken.FindStringSubmatchIndex(rest)
		if m == nil {
			return clause{}, false
		}
		op := ""
		if m[2] >= 0 {
			op = rest[m[2]:m[3]]
		}
		verText := rest[m[4]:m[5]]

		expanded, ok := expandSugar(op, verText)
		if !ok {
			return clause{}, false
		}
		comparators = append(comparators, expanded...)
		rest = rest[m[1]:]
	}
	if len(comparators) == 0 {
		return clause{}, false
	}
	return clause{comparators: comparators}, true
}

// parsePartial parses a version that may be zero-filled ("1", "1.2") and
// reports whether the source text carried an explicit prerelease.
func parsePartial(text string) (Version, bool, bool) {
	text = strings.TrimSpace(text)
	v, err := Parse(text)
	if err != nil {
		return Version{}, false, false
	}
	return v, v.IsPrerelease(), true
}

// expandSugar turns an operator + version token into one or more plain
// comparators, applying caret/tilde expansion. "*"/"x"/"X" alone (with no
// operator) is treated as matching any version wildcard and produces an
// empty, always-true comparator set via the any clause — handled by the
// caller for the whole-clause case; here a bare "*" component mid-range is
// rejected as invalid, mirroring the source's strict sugar grammar.
func expandSugar(op, verText string) ([]Comparator, bool) {
	if verText == "*" || strings.EqualFold(verText, "x") {
		return nil, false
	}

	switch op {
	case "^":
		return expandCaret(verText)
	case "~":
		return expandTilde(verText)
	case ">=":
		v, hasPre, ok := parsePartial(verText)
		if !ok {
			return nil, false
		}
		return []Comparator{{Op: OpGTE, Version: v, HasPrerelease: hasPre}}, true
	case "<=":
		v, hasPre, ok := parsePartial(verText)
		if !ok {
			return nil, false
		}
		return []Comparator{{Op: OpLTE, Version: v, HasPrerelease: hasPre}}, true
	case ">":
		v, hasPre, ok := parsePartial(verText)
		if !ok {
			return nil, false
		}
		return []Comparator{{Op: OpGT, Version: v, HasPrerelease: hasPre}}, true
	case "<":
		v, hasPre, ok := parsePartial(verText)
		if !ok {
			return nil, false
		}
		return []Comparator{{Op: OpLT, Version: v, HasPrerelease: hasPre}}, true
	case "=", "":
		v, hasPre, ok := parsePartial(verText)
		if !ok {
			return nil, false
		}
		return []Comparator{{Op: OpEQ, Version: v, HasPrerelease: hasPre}}, true
	default:
		return nil, false
	}
}

// expandCaret implements ^X.Y.Z sugar: bump at major, except major==0 where
// the bump moves to minor, and further to patch when minor==0 too.
func expandCaret(verText string) ([]Comparator, bool) {
	v, hasPre, ok := parsePartial(verText)
	if !ok {
		return nil, false
	}

	var upper Version
	switch {
	case v.Major > 0:
		upper = Version{Major: v.Major + 1}
	case v.Minor > 0:
		upper = Version{Major: 0, Minor: v.Minor + 1}
	default:
		upper = Version{Major: 0, Minor: 0, Patch: v.Patch + 1}
	}

	return []Comparator{
		{Op: OpGTE, Version: v, HasPrerelease: hasPre},
		{Op: OpLT, Version: upper},
	}, true
}

// expandTilde implements ~X.Y.Z sugar: >=X.Y.Z <X.(Y+1).0.
func expandTilde(verText string) ([]Comparator, bool) {
	v, hasPre, ok := parsePartial(verText)
	if !ok {
		return nil, false
	}
	upper := Version{Major: v.Major, Minor: v.Minor + 1}
	return []Comparator{
		{Op: OpGTE, Version: v, HasPrerelease: hasPre},
		{Op: OpLT, Version: upper},
	}, true
}

// Satisfies reports whether v matches r: some OR-clause's comparators all
// evaluate true, and the prerelease tuple-match policy holds for that
// clause when v itself carries a prerelease.
func Satisfies(v Version, r Range) bool {
	for _, c := range r.clauses {
		if clauseMatches(v, c) {
			return true
		}
	}
	return false
}

func clauseMatches(v Version, c clause) bool {
	if c.any {
		return !v.IsPrerelease()
	}
	for _, cmp := range c.comparators {
		if !cmp.matches(v) {
			return false
		}
	}
	if v.IsPrerelease() {
		matched := false
		for _, cmp := range c.comparators {
			if cmp.HasPrerelease && cmp.Version.SameTuple(v) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// MaxSatisfying returns the greatest version in versions that satisfies r,
// or nil when no version satisfies it.
func MaxSatisfying(versions []Version, r Range) *Version {
	var best *Version
	for i := range versions {
		v := versions[i]
		if !Satisfies(v, r) {
			continue
		}
		if best == nil || Compare(v, *best) > 0 {
			best = &v
		}
	}
	return best
}

// String renders r back into npm-style range syntax. Primarily used for
// diagnostics; it reconstructs comparator text rather than the original
// sugar form.
func (r Range) String() string {
	if len(r.clauses) == 0 {
		return ""
	}
	parts := make([]string, 0, len(r.clauses))
	for _, c := range r.clauses {
		if c.any {
			parts = append(parts, "*")
			continue
		}
		comps := make([]string, 0, len(c.comparators))
		for _, cmp := range c.comparators {
			comps = append(comps, opString(cmp.Op)+cmp.Version.String())
		}
		parts = append(parts, strings.Join(comps, " "))
	}
	return strings.Join(parts, " || ")
}

func opString(op Operator) string {
	switch op {
	case OpEQ:
		return ""
	case OpGT:
		return ">"
	case OpGTE:
		return ">="
	case OpLT:
		return "<"
	case OpLTE:
		return "<="
	default:
		return ""
	}
}

// IsEmpty reports whether r has no clauses at all (unparseable input).
func (r Range) IsEmpty() bool {
	return len(r.clauses) == 0
}
