package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList holds the models whose responses must never be cached, for
// example models the operator reserves for non-deterministic or high-variance
// sampling. Rules come in two forms:
//
//   - exact: the model string must equal the rule byte for byte.
//   - pattern: the model string is tested against a compiled regexp.
//
// A nil *ExclusionList never matches, so callers can skip the nil check.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles exact strings and regex patterns into an
// ExclusionList. A pattern that does not compile is a configuration error and
// is reported immediately rather than ignored. Empty rules are skipped.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e != "" {
			el.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

// Matches reports whether model is excluded from caching. The exact set is
// consulted before any regexp runs.
func (el *ExclusionList) Matches(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[model]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the number of configured rules, exact and pattern combined.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
