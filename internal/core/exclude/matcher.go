// Package exclude decides which paths of a source tree are left out of a
// mirror sync. Patterns use gitignore syntax.
// This is part of the Functional Core - all functions are pure with no I/O.
package exclude

import (
	"path"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// DefaultPatterns are applied before any user pattern. A later "!" pattern
// can re-include them.
var DefaultPatterns = []string{".git/"}

// Matcher matches slash-separated paths relative to a tree root.
type Matcher struct {
	patterns []string
	matcher  gitignore.Matcher
}

// New builds a Matcher from DefaultPatterns followed by patterns.
// Blank lines and lines starting with "#" are ignored, as in a .gitignore.
func New(patterns []string) *Matcher {
	return newMatcher(append(append([]string{}, DefaultPatterns...), patterns...))
}

// NewWithoutDefaults builds a Matcher from patterns only.
func NewWithoutDefaults(patterns []string) *Matcher {
	return newMatcher(patterns)
}

func newMatcher(raw []string) *Matcher {
	var kept []string
	var parsed []gitignore.Pattern
	for _, p := range raw {
		p = strings.TrimLeft(p, " \t")
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		kept = append(kept, p)
		parsed = append(parsed, gitignore.ParsePattern(p, nil))
	}
	return &Matcher{
		patterns: kept,
		matcher:  gitignore.NewMatcher(parsed),
	}
}

// Patterns returns the effective pattern list.
func (m *Matcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// Match reports whether rel is excluded. A path inside an excluded
// directory is excluded too.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if m == nil || len(m.patterns) == 0 {
		return false
	}
	parts := Split(rel)
	if len(parts) == 0 {
		return false
	}
	return m.matcher.Match(parts, isDir)
}

// Split turns a relative slash path into its cleaned components.
// The root itself yields nil.
func Split(rel string) []string {
	rel = path.Clean("/" + strings.ReplaceAll(rel, "\\", "/"))
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return nil
	}
	return strings.Split(rel, "/")
}
