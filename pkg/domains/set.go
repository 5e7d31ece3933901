// Package domains holds case-insensitive domain sets with glob support,
// shared by the admission check and the packet enforcer.
package domains

import (
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// Normalize lowercases a domain and strips a trailing root dot.
func Normalize(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

type compiledGlob struct {
	pattern string
	g       glob.Glob
}

// Set is an immutable set of domains. Entries containing glob metacharacters
// are compiled with '.' as separator, so "*.github.com" matches
// "api.github.com" but not "a.b.github.com".
type Set struct {
	exact map[string]struct{}
	globs []compiledGlob
}

func NewSet(patterns ...string) *Set {
	s := &Set{exact: make(map[string]struct{}, len(patterns))}
	for _, raw := range patterns {
		pat := Normalize(raw)
		if pat == "" {
			continue
		}
		if _, dup := s.exact[pat]; dup {
			continue
		}
		if strings.ContainsAny(pat, "*?[{") {
			g, err := glob.Compile(pat, '.')
			if err == nil {
				s.globs = append(s.globs, compiledGlob{pattern: pat, g: g})
				s.exact[pat] = struct{}{}
				continue
			}
		}
		s.exact[pat] = struct{}{}
	}
	return s
}

// Contains reports whether domain equals an entry or matches a glob entry.
func (s *Set) Contains(domain string) bool {
	if s == nil {
		return false
	}
	d := Normalize(domain)
	if d == "" {
		return false
	}
	if _, ok := s.exact[d]; ok {
		return true
	}
	for _, cg := range s.globs {
		if cg.g.Match(d) {
			return true
		}
	}
	return false
}

// List returns the entries sorted.
func (s *Set) List() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.exact))
	for d := range s.exact {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.exact)
}

// Equal reports whether both sets hold the same entries.
func (s *Set) Equal(other *Set) bool {
	a, b := s.List(), other.List()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ContainsSubstring reports whether domain contains any entry as a
// substring. Block lists use this looser form so "telemetry" catches
// every telemetry host.
func (s *Set) ContainsSubstring(domain string) bool {
	if s == nil {
		return false
	}
	d := Normalize(domain)
	for entry := range s.exact {
		if strings.Contains(d, entry) {
			return true
		}
	}
	return s.Contains(d)
}
