// Package policy implements the shared init/resolve/compute lifecycle used
// by the dedupe, cache, and rate-limit policies, per spec.md §4.2. It uses
// Go generics over a policy-specific rule type instead of a class
// hierarchy, following spec.md §9's "tagged-variant over deep class
// hierarchy" guidance.
//
// Rule matching (is/startsWith/endsWith/includes/regex) is generalized
// from an origin-matching algorithm used by CORS middleware (exact match,
// wildcard subdomain, wildcard port) into the five match kinds spec.md's
// grammar names.
package policy

import (
	"regexp"
	"strings"
)

// MatchKind selects how Pattern is compared against a request path.
type MatchKind string

const (
	MatchIs         MatchKind = "is"
	MatchStartsWith MatchKind = "startsWith"
	MatchEndsWith   MatchKind = "endsWith"
	MatchIncludes   MatchKind = "includes"
	MatchRegex      MatchKind = "regex"
)

// Matcher is the common (match, methods, enabled) shape every Rule type
// embeds, per spec.md §3's "Policy Rule".
type Matcher struct {
	Match   MatchKind
	Pattern string
	Regex   *regexp.Regexp // used when Match == MatchRegex
	Methods map[string]struct{}
	Enabled *bool // nil means "inherit policy default"
}

// Matches reports whether method/path satisfy this rule's match clause and
// method set. An empty Methods set matches any method.
func (m Matcher) Matches(method, path string) bool {
	if len(m.Methods) > 0 {
		if _, ok := m.Methods[strings.ToUpper(method)]; !ok {
			return false
		}
	}
	if m.Enabled != nil && !*m.Enabled {
		return false
	}

	switch m.Match {
	case MatchIs:
		return path == m.Pattern
	case MatchStartsWith:
		return strings.HasPrefix(path, m.Pattern)
	case MatchEndsWith:
		return strings.HasSuffix(path, m.Pattern)
	case MatchIncludes:
		return strings.Contains(path, m.Pattern)
	case MatchRegex:
		return m.Regex != nil && m.Regex.MatchString(path)
	default:
		return false
	}
}

// MethodSet builds a Methods set from a list of HTTP method strings.
func MethodSet(methods ...string) map[string]struct{} {
	if len(methods) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(m)] = struct{}{}
	}
	return set
}
