// Package fileset maps repository paths to fileset definitions and runs
// the per-category record processors. The first fileset in priority order
// whose include-minus-exclude globs accept a path owns it; ownership
// decides the record's category, its processor, and its cache policy.
package fileset

import (
	"context"
	"fmt"
	"io"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/glob"
)

// Cache policies for fileset contents.
const (
	CacheApp     = "app"
	CacheContent = "content"
	CacheNone    = "none"
)

// Processor names.
const (
	ProcessorRaw  = "raw"
	ProcessorHTML = "html-rewrite"
	ProcessorJSON = "json-parse"
)

// Def is the declarative shape of a fileset, as configured.
type Def struct {
	Category     string   `json:"category" hcl:"category,label"`
	Include      []string `json:"include" hcl:"include"`
	Exclude      []string `json:"exclude,omitempty" hcl:"exclude,optional"`
	Cache        string   `json:"cache,omitempty" hcl:"cache,optional"`
	CacheControl string   `json:"cacheControl,omitempty" hcl:"cache_control,optional"`
	Searchable   bool     `json:"searchable,omitempty" hcl:"searchable,optional"`
	Restricted   bool     `json:"restricted,omitempty" hcl:"restricted,optional"`
	Processor    string   `json:"processor,omitempty" hcl:"processor,optional"`
}

// Fileset is a compiled Def plus its assignment-order priority.
type Fileset struct {
	Def
	Priority  int
	matcher   *glob.Complement
	processor Processor
}

// Matches reports whether the fileset owns path, ignoring priority.
func (f *Fileset) Matches(path string) bool {
	return f.matcher.Matches(path)
}

// Proc returns the record processor for the fileset's category.
func (f *Fileset) Proc() Processor {
	return f.processor
}

// Set is a repo's ordered fileset list.
type Set struct {
	filesets []*Fileset
	byName   map[string]*Fileset
}

// Compile builds a Set from defs, assigning priorities in order. A def
// with an unknown processor is an error; an empty processor means raw.
func Compile(defs []Def) (*Set, error) {
	s := &Set{byName: make(map[string]*Fileset, len(defs))}
	for i, def := range defs {
		if def.Category == "" {
			return nil, fmt.Errorf("fileset %d: category is required", i)
		}
		if _, dup := s.byName[def.Category]; dup {
			return nil, fmt.Errorf("fileset %q: duplicate category", def.Category)
		}
		matcher, err := glob.CompileComplement(def.Include, def.Exclude)
		if err != nil {
			return nil, fmt.Errorf("fileset %q: %w", def.Category, err)
		}
		proc, err := processorFor(def.Processor)
		if err != nil {
			return nil, fmt.Errorf("fileset %q: %w", def.Category, err)
		}
		fs := &Fileset{Def: def, Priority: i, matcher: matcher, processor: proc}
		s.filesets = append(s.filesets, fs)
		s.byName[def.Category] = fs
	}
	return s, nil
}

// Owner returns the first fileset whose matcher accepts path, or nil.
func (s *Set) Owner(path string) *Fileset {
	for _, f := range s.filesets {
		if f.Matches(path) {
			return f
		}
	}
	return nil
}

// ByCategory looks a fileset up by its category name.
func (s *Set) ByCategory(category string) *Fileset {
	return s.byName[category]
}

// All returns the filesets in priority order.
func (s *Set) All() []*Fileset {
	return s.filesets
}

// Categories returns every category name in priority order.
func (s *Set) Categories() []string {
	out := make([]string, len(s.filesets))
	for i, f := range s.filesets {
		out[i] = f.Category
	}
	return out
}

// Unrestricted returns the categories visible without any auth group.
func (s *Set) Unrestricted() []string {
	var out []string
	for _, f := range s.filesets {
		if !f.Restricted {
			out = append(out, f.Category)
		}
	}
	return out
}

// MakeFileRecord builds the record for path at commit via the owning
// fileset's processor. Returns nil when no fileset owns the path. Inactive
// paths yield bare deleted records; processor-specific fields are never
// attached to deletions.
func (s *Set) MakeFileRecord(ctx context.Context, rctx *api.RequestContext, commit, path string, active bool) (*api.FileRecord, error) {
	owner := s.Owner(path)
	if owner == nil {
		return nil, nil
	}
	if !active {
		return &api.FileRecord{
			Path:     path,
			Category: owner.Category,
			Status:   api.StatusDeleted,
			Commit:   commit,
		}, nil
	}
	return owner.processor.MakeRecord(ctx, rctx, owner, commit, path)
}

// PipeContents streams path's bytes at commit through the owning
// fileset's processor.
func (s *Set) PipeContents(ctx context.Context, rctx *api.RequestContext, commit, path string, w io.Writer) error {
	owner := s.Owner(path)
	if owner == nil {
		return fmt.Errorf("no fileset owns %q", path)
	}
	return owner.processor.PipeContents(ctx, rctx, commit, path, w)
}

// DefaultDefs is the fileset list used when the server config declares
// none. Repo manifests do not declare filesets.
func DefaultDefs() []Def {
	return []Def{
		{
			Category:   "app",
			Include:    []string{"**/*.js", "**/*.css", "**/*.map"},
			Cache:      CacheApp,
			Processor:  ProcessorRaw,
		},
		{
			Category:   "pages",
			Include:    []string{"**/*.html"},
			Cache:      CacheContent,
			Searchable: true,
			Processor:  ProcessorHTML,
		},
		{
			Category:   "data",
			Include:    []string{"**/*.json"},
			Exclude:    []string{"locomote.json"},
			Cache:      CacheContent,
			Processor:  ProcessorJSON,
		},
		{
			Category:  "files",
			Include:   []string{"**/*"},
			Exclude:   []string{"locomote.json"},
			Cache:     CacheContent,
			Processor: ProcessorRaw,
		},
	}
}
