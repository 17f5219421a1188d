// Package manifest loads and caches per-repo locomote.json manifests.
//
// A manifest may contain symbolic links: any object of the shape
// {"$ref": "#<jsonpath>"} is replaced by the subtree the path selects
// from the manifest root. The variable ${SOURCE} inside a ref expands to
// the branch the manifest is being resolved for, which lets one manifest
// declare per-branch settings.
package manifest

import (
	"context"
	"fmt"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/vcs"
)

// FileName is the manifest file looked up on the master branch.
const FileName = "locomote.json"

// masterBranch is where manifests are resolved from, regardless of the
// branch being served.
const masterBranch = "master"

// Load reads and resolves the manifest for (repoPath, branch). A missing
// file or missing master branch yields the default manifest.
func Load(ctx context.Context, repoPath, branch string) (*api.Manifest, error) {
	head, err := vcs.HeadCommit(ctx, repoPath, masterBranch)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return api.DefaultManifest(), nil
	}

	data, err := vcs.ReadFileAtCommit(ctx, repoPath, head.ID, FileName)
	if err != nil {
		// Manifest not tracked on master: fall back to defaults.
		m := api.DefaultManifest()
		m.Commit = head.ID
		return m, nil
	}

	root, err := oj.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileName, err)
	}
	resolved, err := resolveRefs(root, root, branch, 0)
	if err != nil {
		return nil, err
	}

	m, err := decode(resolved)
	if err != nil {
		return nil, err
	}
	m.Commit = head.ID
	return m, nil
}

const maxRefDepth = 10

// resolveRefs walks the parsed JSON value and substitutes $ref links.
func resolveRefs(node, root any, branch string, depth int) (any, error) {
	if depth > maxRefDepth {
		return nil, fmt.Errorf("manifest: $ref chain deeper than %d", maxRefDepth)
	}
	switch v := node.(type) {
	case map[string]any:
		if ref, ok := refTarget(v); ok {
			target, err := lookupRef(root, ref, branch)
			if err != nil {
				return nil, err
			}
			return resolveRefs(target, root, branch, depth+1)
		}
		out := make(map[string]any, len(v))
		for k, val := range v {
			r, err := resolveRefs(val, root, branch, depth)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			r, err := resolveRefs(val, root, branch, depth)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return node, nil
	}
}

func refTarget(obj map[string]any) (string, bool) {
	if len(obj) != 1 {
		return "", false
	}
	ref, ok := obj["$ref"].(string)
	return ref, ok
}

func lookupRef(root any, ref, branch string) (any, error) {
	frag := ref
	if i := strings.IndexByte(ref, '#'); i >= 0 {
		frag = ref[i+1:]
	}
	frag = strings.ReplaceAll(frag, "${SOURCE}", branch)
	if frag == "" {
		return nil, fmt.Errorf("manifest: empty $ref %q", ref)
	}
	if !strings.HasPrefix(frag, "$") {
		// Slash-separated fragments are accepted as a shorthand.
		frag = "$." + strings.ReplaceAll(strings.Trim(frag, "/"), "/", ".")
	}
	expr, err := jp.ParseString(frag)
	if err != nil {
		return nil, fmt.Errorf("manifest: bad $ref %q: %w", ref, err)
	}
	results := expr.Get(root)
	if len(results) == 0 {
		return nil, fmt.Errorf("manifest: $ref %q resolves to nothing", ref)
	}
	return results[0], nil
}

// decode maps the resolved JSON into the Manifest struct, normalizing the
// loosely-typed fields: public may be a string or a list; build may be a
// profile name, an inline profile, or a map of named profiles.
func decode(v any) (*api.Manifest, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("manifest: root is not an object")
	}
	m := &api.Manifest{}

	switch pub := obj["public"].(type) {
	case string:
		m.Public = []string{pub}
	case []any:
		for _, p := range pub {
			if s, ok := p.(string); ok {
				m.Public = append(m.Public, s)
			}
		}
	}

	if auth, ok := obj["auth"].(map[string]any); ok {
		m.Auth = auth
	}
	if idx, ok := obj["indexed"].(bool); ok {
		m.Indexed = idx
	}

	switch build := obj["build"].(type) {
	case string:
		m.Profile = build
	case map[string]any:
		if name, ok := build["profile"].(string); ok && len(build) == 1 {
			m.Profile = name
			break
		}
		if looksLikeProfile(build) {
			m.Build = map[string]*api.BuildProfile{"default": decodeProfile(build)}
			break
		}
		m.Build = make(map[string]*api.BuildProfile, len(build))
		for name, pv := range build {
			if po, ok := pv.(map[string]any); ok {
				m.Build[name] = decodeProfile(po)
			}
		}
	}

	return m, nil
}

func looksLikeProfile(obj map[string]any) bool {
	_, hasBuildable := obj["buildable"]
	_, hasCommand := obj["command"]
	return hasBuildable || hasCommand
}

func decodeProfile(obj map[string]any) *api.BuildProfile {
	p := &api.BuildProfile{}
	switch b := obj["buildable"].(type) {
	case string:
		p.Buildable = []string{b}
	case []any:
		for _, v := range b {
			if s, ok := v.(string); ok {
				p.Buildable = append(p.Buildable, s)
			}
		}
	}
	if cmd, ok := obj["command"].(string); ok {
		p.Command = cmd
	}
	if env, ok := obj["env"].([]any); ok {
		for _, v := range env {
			if s, ok := v.(string); ok {
				p.Env = append(p.Env, s)
			}
		}
	}
	return p
}
