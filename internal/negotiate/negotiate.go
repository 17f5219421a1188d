package negotiate

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/async"
	"github.com/locomote-sh/server/internal/events"
	"github.com/locomote-sh/server/internal/vcs"
)

// Resources is the representation index of one branch.
type Resources struct {
	bundles map[string]*Bundle
}

// Bundle returns the bundle for a resource path, or nil.
func (r *Resources) Bundle(resource string) *Bundle {
	return r.bundles[resource]
}

// BuildResources indexes every index.* file in the listing.
func BuildResources(paths []string) *Resources {
	res := &Resources{bundles: make(map[string]*Bundle)}
	for _, p := range paths {
		rep := ParseRepresentation(p)
		if rep == nil {
			continue
		}
		resource := GetParentResourcePath(p)
		b := res.bundles[resource]
		if b == nil {
			b = newBundle(resource)
			res.bundles[resource] = b
		}
		b.Add(rep)
	}
	return res
}

// ListFilesFunc lists the tracked files of a branch head. Injected so
// tests can avoid real repositories.
type ListFilesFunc func(ctx context.Context, rctx *api.RequestContext) ([]string, error)

// Negotiator caches per-branch resource indexes and resolves requests to
// representation paths.
type Negotiator struct {
	cache     *async.CachingSingleflight
	listFiles ListFilesFunc
}

// NewNegotiator builds a negotiator whose resources cache is evicted on
// repo update events. listFiles may be nil, selecting the git-backed
// default.
func NewNegotiator(bus *events.Bus, size int, listFiles ListFilesFunc) (*Negotiator, error) {
	cache, err := async.NewCachingSingleflight(size)
	if err != nil {
		return nil, err
	}
	if listFiles == nil {
		listFiles = gitListFiles
	}
	n := &Negotiator{cache: cache, listFiles: listFiles}
	if bus != nil {
		bus.OnRepoUpdate(func(ev events.RepoUpdate) {
			cache.Remove(ev.Key)
		})
	}
	return n, nil
}

func gitListFiles(ctx context.Context, rctx *api.RequestContext) ([]string, error) {
	head, err := vcs.HeadCommit(ctx, rctx.RepoPath, rctx.Branch)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := vcs.ListTrackedFiles(ctx, rctx.RepoPath, head.ID, &buf); err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// Resources returns the branch's representation index, building it on
// first use.
func (n *Negotiator) Resources(ctx context.Context, rctx *api.RequestContext) (*Resources, error) {
	v, err := n.cache.Do(rctx.Key, func() (any, error) {
		paths, err := n.listFiles(ctx, rctx)
		if err != nil {
			return nil, err
		}
		return BuildResources(paths), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Resources), nil
}

// groupCandidates intersects the bundle's declared groups with the user's
// groups, preserving the bundle's declaration order.
func groupCandidates(b *Bundle, rctx *api.RequestContext) []string {
	if rctx.Auth == nil {
		return nil
	}
	userGroups := make(map[string]bool, len(rctx.Auth.UserInfo.Groups))
	for _, g := range rctx.Auth.UserInfo.Groups {
		userGroups[g] = true
	}
	var out []string
	for _, g := range b.Groups() {
		if userGroups[g] {
			out = append(out, g)
		}
	}
	return out
}

// Choose picks the best representation in the bundle for the request
// headers and auth groups.
func Choose(b *Bundle, rctx *api.RequestContext, hdr http.Header) *Representation {
	return b.Choose(
		mediaTypeCandidates(hdr.Get("Accept")),
		languageCandidates(hdr.Get("Accept-Language")),
		charsetCandidates(hdr.Get("Accept-Charset")),
		groupCandidates(b, rctx),
	)
}

// GetRepresentationPath normalizes requestPath, negotiates, and returns
// the representation to serve. Paths with no resource bundle pass through
// unchanged.
func (n *Negotiator) GetRepresentationPath(ctx context.Context, rctx *api.RequestContext, hdr http.Header, requestPath string) (string, error) {
	p := strings.TrimPrefix(requestPath, "/")
	if p == "" || strings.HasSuffix(p, "/") {
		p += "index.html"
	}

	res, err := n.Resources(ctx, rctx)
	if err != nil {
		return "", err
	}

	var bundle *Bundle
	if b := res.Bundle(p); b != nil {
		// The request names a resource directory without a trailing slash.
		bundle = b
		p = p + "/index.html"
	} else if strings.HasPrefix(p[strings.LastIndex(p, "/")+1:], "index.") {
		bundle = res.Bundle(GetParentResourcePath(p))
	}
	if bundle == nil {
		return p, nil
	}

	if rep := Choose(bundle, rctx, hdr); rep != nil {
		return rep.Path, nil
	}
	return p, nil
}

// IsPreferredPath reports whether path is the representation Choose would
// pick for its resource. Paths outside any bundle are always preferred.
func (n *Negotiator) IsPreferredPath(ctx context.Context, rctx *api.RequestContext, hdr http.Header, path string) bool {
	res, err := n.Resources(ctx, rctx)
	if err != nil {
		return true
	}
	b := res.Bundle(GetParentResourcePath(path))
	if b == nil {
		return true
	}
	rep := Choose(b, rctx, hdr)
	return rep == nil || rep.Path == path
}

// ContextKey uniquely identifies the negotiation decision for a request,
// for upstream response caches.
func (n *Negotiator) ContextKey(rctx *api.RequestContext, hdr http.Header) string {
	key := strings.Join([]string{
		hdr.Get("Accept"),
		hdr.Get("Accept-Language"),
		hdr.Get("Accept-Charset"),
	}, ";")
	if rctx.Auth != nil && len(rctx.Auth.UserInfo.Groups) > 0 {
		key += ":" + rctx.Auth.Group
	}
	return key
}
