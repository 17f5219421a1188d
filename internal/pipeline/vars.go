package pipeline

import (
	"fmt"
	"reflect"
	"strings"
)

// Vars is the per-invocation variable map accumulated across pipeline
// steps. The keys ctx, commit, since, category, fileset, path, pathHash,
// commitPath and valid are reserved for use in path templates.
type Vars map[string]any

// Get resolves a dotted reference ("ctx.account", "ctx.auth.group")
// against the map. Intermediate values may be maps or structs; struct
// fields are matched case-insensitively.
func (v Vars) Get(ref string) (any, bool) {
	parts := strings.Split(ref, ".")
	var cur any
	cur, ok := v[parts[0]]
	if !ok {
		return nil, false
	}
	for _, part := range parts[1:] {
		cur, ok = field(cur, part)
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func field(v any, name string) (any, bool) {
	switch m := v.(type) {
	case map[string]any:
		val, ok := m[name]
		return val, ok
	case Vars:
		val, ok := m[name]
		return val, ok
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, false
	}
	f := rv.FieldByNameFunc(func(n string) bool {
		return strings.EqualFold(n, name)
	})
	if !f.IsValid() {
		return nil, false
	}
	return f.Interface(), true
}

// Interpolate substitutes every {ref} in template from the vars. A
// reference that does not resolve is an error: the interpolated path is a
// cache key and silent blanks would alias distinct artifacts.
func (v Vars) Interpolate(template string) (string, error) {
	var b strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		clos := strings.IndexByte(rest[open:], '}')
		if clos < 0 {
			return "", fmt.Errorf("unterminated reference in template %q", template)
		}
		b.WriteString(rest[:open])
		ref := rest[open+1 : open+clos]
		val, ok := v.Get(ref)
		if !ok || val == nil {
			return "", fmt.Errorf("template %q: unresolved reference %q", template, ref)
		}
		b.WriteString(fmt.Sprintf("%v", val))
		rest = rest[open+clos+1:]
	}
}

// Clone returns a shallow copy; steps mutate vars without affecting
// concurrent invocations.
func (v Vars) Clone() Vars {
	out := make(Vars, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
