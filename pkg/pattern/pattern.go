// Package pattern matches domain names against labelled patterns.
// Three pattern forms are recognised:
//   - Exact: example.com
//   - Wildcard: *.example.com (subdomains only)
//   - Regex: (\.|^)example\.com$
package pattern

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// PatternType represents the type of domain pattern.
type PatternType int

const (
	// PatternTypeExact matches exact domain names (e.g., example.com)
	PatternTypeExact PatternType = iota
	// PatternTypeWildcard matches wildcard patterns (e.g., *.example.com)
	PatternTypeWildcard
	// PatternTypeRegex matches regex patterns (e.g., (\.|^)example\.com$)
	PatternTypeRegex
)

// String returns a human-readable name for the pattern type.
func (pt PatternType) String() string {
	switch pt {
	case PatternTypeExact:
		return "exact"
	case PatternTypeWildcard:
		return "wildcard"
	case PatternTypeRegex:
		return "regex"
	default:
		return "unknown"
	}
}

// Pattern is a single parsed domain pattern carrying the label it assigns.
type Pattern struct {
	Raw      string
	Label    string
	Type     PatternType
	suffix   string
	compiled *regexp.Regexp
}

const regexMeta = `()[]{}^$|\+?`

func isRegexPattern(p string) bool {
	if strings.ContainsAny(p, regexMeta) {
		return true
	}
	return strings.Contains(p, ".*") || strings.Contains(p, ".+")
}

// Normalize lower-cases a domain and strips surrounding whitespace and the
// trailing root dot.
func Normalize(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// ParsePattern parses a pattern string and detects its type.
func ParsePattern(raw, label string) (*Pattern, error) {
	if isRegexPattern(raw) {
		compiled, err := regexp.Compile("(?i)" + raw)
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern %q: %w", raw, err)
		}
		return &Pattern{Raw: raw, Label: label, Type: PatternTypeRegex, compiled: compiled}, nil
	}

	norm := Normalize(raw)
	if norm == "" || norm == "*." {
		return nil, fmt.Errorf("empty pattern")
	}
	if strings.HasPrefix(norm, "*.") {
		return &Pattern{Raw: raw, Label: label, Type: PatternTypeWildcard, suffix: norm[1:]}, nil
	}
	if strings.Contains(norm, "*") {
		return nil, fmt.Errorf("wildcard only allowed as leading label in %q", raw)
	}
	return &Pattern{Raw: norm, Label: label, Type: PatternTypeExact}, nil
}

// Match reports whether an already normalized domain matches this pattern.
func (p *Pattern) Match(domain string) bool {
	switch p.Type {
	case PatternTypeExact:
		return domain == p.Raw
	case PatternTypeWildcard:
		// *.example.com matches foo.example.com but not example.com
		return len(domain) > len(p.suffix) && strings.HasSuffix(domain, p.suffix)
	case PatternTypeRegex:
		return p.compiled.MatchString(domain)
	}
	return false
}

// String returns a string representation of the pattern.
func (p *Pattern) String() string {
	return fmt.Sprintf("%s(%s)->%s", p.Type, p.Raw, p.Label)
}

// Matcher resolves a domain to the label of the pattern it matches.
// Exact entries win over wildcards, the longest wildcard suffix wins among
// wildcards, and regexes are tried last in label then pattern order.
type Matcher struct {
	exact    map[string]string
	wildcard []*Pattern
	regex    []*Pattern
}

// NewMatcher builds a Matcher from label -> patterns. The same exact domain
// listed under two labels is rejected.
func NewMatcher(rules map[string][]string) (*Matcher, error) {
	m := &Matcher{exact: make(map[string]string)}

	labels := make([]string, 0, len(rules))
	for label := range rules {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		for _, raw := range rules[label] {
			p, err := ParsePattern(raw, label)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", label, err)
			}
			switch p.Type {
			case PatternTypeExact:
				if prev, ok := m.exact[p.Raw]; ok && prev != label {
					return nil, fmt.Errorf("domain %q listed under both %s and %s", p.Raw, prev, label)
				}
				m.exact[p.Raw] = label
			case PatternTypeWildcard:
				m.wildcard = append(m.wildcard, p)
			case PatternTypeRegex:
				m.regex = append(m.regex, p)
			}
		}
	}

	sort.SliceStable(m.wildcard, func(i, j int) bool {
		return len(m.wildcard[i].suffix) > len(m.wildcard[j].suffix)
	})

	return m, nil
}

// Match returns the label assigned to domain, if any.
func (m *Matcher) Match(domain string) (string, bool) {
	if m == nil {
		return "", false
	}
	domain = Normalize(domain)
	if domain == "" {
		return "", false
	}

	if label, ok := m.exact[domain]; ok {
		return label, true
	}
	for _, p := range m.wildcard {
		if p.Match(domain) {
			return p.Label, true
		}
	}
	for _, p := range m.regex {
		if p.Match(domain) {
			return p.Label, true
		}
	}
	return "", false
}

// Len returns the number of patterns held.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.exact) + len(m.wildcard) + len(m.regex)
}

// Stats returns statistics about the patterns in this matcher.
func (m *Matcher) Stats() map[string]int {
	return map[string]int{
		"exact":    len(m.exact),
		"wildcard": len(m.wildcard),
		"regex":    len(m.regex),
		"total":    m.Len(),
	}
}
