package engine

import (
	"regexp"

	"github.com/fetchkit/engine/policy"
)

// PathMatcher is the engine-facing form of spec.md §6's rule match
// grammar (is/startsWith/endsWith/includes/regex), used by InvalidatePath
// so callers don't need to import the policy package directly.
type PathMatcher struct {
	Is         string
	StartsWith string
	EndsWith   string
	Includes   string
	Regex      *regexp.Regexp
}

func (m PathMatcher) toPolicyMatcher() policy.Matcher {
	switch {
	case m.Is != "":
		return policy.Matcher{Match: policy.MatchIs, Pattern: m.Is}
	case m.StartsWith != "":
		return policy.Matcher{Match: policy.MatchStartsWith, Pattern: m.StartsWith}
	case m.EndsWith != "":
		return policy.Matcher{Match: policy.MatchEndsWith, Pattern: m.EndsWith}
	case m.Includes != "":
		return policy.Matcher{Match: policy.MatchIncludes, Pattern: m.Includes}
	case m.Regex != nil:
		return policy.Matcher{Match: policy.MatchRegex, Regex: m.Regex}
	default:
		return policy.Matcher{}
	}
}
