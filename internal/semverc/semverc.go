// Package semverc resolves the plugin identity's version constraints
// from §3 ("Version constraint") and §4.1 against a set of candidate
// versions. Version parsing and ordering come from github.com/blang/semver
// (the SemVer library the corpus's pulumi/pulumi go.mod depends on);
// the npm-style ^ and ~ shorthand blang/semver's own Range parser does
// not understand is expanded to plain comparator pairs by hand — no
// corpus dependency implements caret/tilde widening.
package semverc

import (
	"fmt"
	"strings"

	"github.com/blang/semver"

	"github.com/mitre/hipcheck/internal/hcerr"
)

// Comparator is one entry of a constraint list: an operator plus the
// version it compares against.
type Comparator struct {
	Op      string
	Version semver.Version
}

// Constraint is a non-empty list of comparators, all of which must
// hold for a candidate version to satisfy it (§3).
type Constraint struct {
	raw         string
	comparators []Comparator
}

var validOps = map[string]bool{
	"^": true, "~": true, "*": true, "=": true,
	"<": true, "<=": true, ">": true, ">=": true,
}

// Parse parses a single constraint expression such as "^1.2.3",
// "~1.2", ">=1.0.0 <2.0.0", "*", or a bare "1.2.3" (treated as "=").
func Parse(s string) (*Constraint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, hcerr.New(hcerr.ManifestInvalid, "empty version constraint")
	}
	if s == "*" {
		return &Constraint{raw: s, comparators: []Comparator{{Op: "*"}}}, nil
	}

	fields := strings.Fields(s)
	var comparators []Comparator
	for _, f := range fields {
		c, err := parseOne(f)
		if err != nil {
			return nil, err
		}
		comparators = append(comparators, c...)
	}
	if len(comparators) == 0 {
		return nil, hcerr.New(hcerr.ManifestInvalid, "constraint %q has no comparators", s)
	}
	return &Constraint{raw: s, comparators: comparators}, nil
}

// parseOne expands one whitespace-delimited constraint token, which
// may itself desugar into more than one comparator (^, ~).
func parseOne(f string) ([]Comparator, error) {
	op := ""
	rest := f
	for candidate := range validOps {
		if candidate == "*" {
			continue
		}
		if strings.HasPrefix(f, candidate) {
			if len(candidate) > len(op) {
				op = candidate
				rest = strings.TrimPrefix(f, candidate)
			}
		}
	}
	if op == "" {
		op = "="
		rest = f
	}

	v, err := parsePartialVersion(rest)
	if err != nil {
		return nil, hcerr.Wrap(hcerr.ManifestInvalid, err, "invalid version in constraint %q", f)
	}

	switch op {
	case "^":
		return caretRange(v), nil
	case "~":
		return tildeRange(v), nil
	default:
		return []Comparator{{Op: op, Version: v}}, nil
	}
}

// parsePartialVersion accepts "1", "1.2", or "1.2.3", zero-filling
// missing components, since ^1.0 / ~1 are valid shorthand per §3.
func parsePartialVersion(s string) (semver.Version, error) {
	parts := strings.Split(s, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return semver.Parse(strings.Join(parts[:3], "."))
}

func caretRange(v semver.Version) []Comparator {
	upper := v
	switch {
	case v.Major > 0:
		upper = semver.Version{Major: v.Major + 1}
	case v.Minor > 0:
		upper = semver.Version{Major: 0, Minor: v.Minor + 1}
	default:
		upper = semver.Version{Major: 0, Minor: 0, Patch: v.Patch + 1}
	}
	return []Comparator{{Op: ">=", Version: v}, {Op: "<", Version: upper}}
}

func tildeRange(v semver.Version) []Comparator {
	upper := semver.Version{Major: v.Major, Minor: v.Minor + 1}
	return []Comparator{{Op: ">=", Version: v}, {Op: "<", Version: upper}}
}

// Matches reports whether v satisfies every comparator in c.
func (c *Constraint) Matches(v semver.Version) bool {
	for _, cmp := range c.comparators {
		if !matchOne(cmp, v) {
			return false
		}
	}
	return true
}

func matchOne(c Comparator, v semver.Version) bool {
	switch c.Op {
	case "*":
		return true
	case "=":
		return v.EQ(c.Version)
	case "<":
		return v.LT(c.Version)
	case "<=":
		return v.LTE(c.Version)
	case ">":
		return v.GT(c.Version)
	case ">=":
		return v.GTE(c.Version)
	default:
		return false
	}
}

func (c *Constraint) String() string { return c.raw }

// Set is the collection of active constraints asserted against one
// (publisher, name) pair by every dependent plugin/policy entry that
// references it.
type Set struct {
	constraints []*Constraint
}

func NewSet() *Set { return &Set{} }

func (s *Set) Add(c *Constraint) { s.constraints = append(s.constraints, c) }

// HighestMatching returns the highest version in candidates satisfying
// every constraint in the set. Resolution is deterministic: the same
// candidate set and constraints always yield the same winner.
func (s *Set) HighestMatching(candidates []semver.Version) (semver.Version, error) {
	var best *semver.Version
	for i := range candidates {
		v := candidates[i]
		ok := true
		for _, c := range s.constraints {
			if !c.Matches(v) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if best == nil || v.GT(*best) {
			vv := v
			best = &vv
		}
	}
	if best == nil {
		return semver.Version{}, hcerr.New(hcerr.UnresolvableVersion,
			"no candidate version satisfies all %d active constraint(s)", len(s.constraints))
	}
	return *best, nil
}

// Describe renders the set's constraint expressions for diagnostics.
func (s *Set) Describe() string {
	parts := make([]string, len(s.constraints))
	for i, c := range s.constraints {
		parts[i] = c.String()
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, ", "))
}
