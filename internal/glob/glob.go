// Package glob implements the path pattern grammar used by fileset
// definitions and request filters:
//
//	?     any single non-separator character
//	*     zero or more non-separator characters
//	**/   zero or more whole path segments
//
// Every other character, including '.', is literal. A glob compiles to an
// equivalent regular expression anchored at both ends.
package glob

import (
	"fmt"
	"regexp"
	"strings"
)

// Glob is one compiled pattern.
type Glob struct {
	pattern string
	re      *regexp.Regexp
}

// Compile builds a Glob from pattern.
func Compile(pattern string) (*Glob, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); {
		switch {
		case strings.HasPrefix(pattern[i:], "**/"):
			b.WriteString("(?:[^/]*/)*")
			i += 3
		case strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(".*")
			i += 2
		case pattern[i] == '*':
			b.WriteString("[^/]*")
			i++
		case pattern[i] == '?':
			b.WriteString("[^/]")
			i++
		default:
			b.WriteString(regexp.QuoteMeta(pattern[i : i+1]))
			i++
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	return &Glob{pattern: pattern, re: re}, nil
}

// Matches reports whether path matches the glob.
func (g *Glob) Matches(path string) bool {
	return g.re.MatchString(path)
}

func (g *Glob) String() string { return g.pattern }

// Set matches if any member glob matches.
type Set struct {
	globs []*Glob
}

// CompileSet builds a Set from patterns. An empty pattern list yields a
// set that matches nothing.
func CompileSet(patterns []string) (*Set, error) {
	s := &Set{}
	for _, p := range patterns {
		g, err := Compile(p)
		if err != nil {
			return nil, err
		}
		s.globs = append(s.globs, g)
	}
	return s, nil
}

// Matches reports whether any glob in the set matches path.
func (s *Set) Matches(path string) bool {
	for _, g := range s.globs {
		if g.Matches(path) {
			return true
		}
	}
	return false
}

// Empty reports whether the set has no patterns.
func (s *Set) Empty() bool { return len(s.globs) == 0 }

// Complement matches iff includes matches and excludes does not.
type Complement struct {
	includes *Set
	excludes *Set
}

// CompileComplement builds a Complement from include and exclude pattern
// lists.
func CompileComplement(includes, excludes []string) (*Complement, error) {
	inc, err := CompileSet(includes)
	if err != nil {
		return nil, err
	}
	exc, err := CompileSet(excludes)
	if err != nil {
		return nil, err
	}
	return &Complement{includes: inc, excludes: exc}, nil
}

// Matches decides membership.
func (c *Complement) Matches(path string) bool {
	return c.includes.Matches(path) && !c.excludes.Matches(path)
}

// Filter yields the subset of paths the complement accepts.
func (c *Complement) Filter(paths []string) []string {
	var out []string
	for _, p := range paths {
		if c.Matches(p) {
			out = append(out, p)
		}
	}
	return out
}
