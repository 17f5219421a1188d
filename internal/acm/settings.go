// Package acm builds per-request access-control state: which fileset
// categories a user may see, the record filter derived from the request,
// the category rewriters, and the group fingerprint that keys every
// auth-dependent cache entry.
package acm

import (
	"context"
	"fmt"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/async"
	"github.com/locomote-sh/server/internal/events"
	"github.com/locomote-sh/server/internal/fileset"
	"github.com/locomote-sh/server/internal/fingerprint"
	"github.com/locomote-sh/server/internal/manifest"
)

// Settings is the resolved auth configuration of one account/repo/branch.
type Settings struct {
	// Method names the authenticator: "none", "basic" or "test".
	Method string
	// Realm is interpolated into WWW-Authenticate challenges.
	Realm string
	// Users maps user name to password for basic auth.
	Users map[string]string
	// Filesets is the branch's compiled fileset list.
	Filesets *fileset.Set
	// Fingerprints maps category name to its deterministic fingerprint.
	Fingerprints map[string]string
	// Rewrites maps category name to its record rewriter.
	Rewrites map[string]api.RewriteFunc
	// Fingerprint is the manifest commit the settings were built from.
	Fingerprint string
}

// Defaults supplies the server-wide fallbacks the manifest may override.
type Defaults struct {
	Method   string
	Realm    string
	Users    map[string]string
	Filesets []fileset.Def
}

// buildSettings merges global defaults with the repo manifest.
func buildSettings(defaults Defaults, m *api.Manifest, rctx *api.RequestContext) (*Settings, error) {
	s := &Settings{
		Method: defaults.Method,
		Realm:  defaults.Realm,
		Users:  defaults.Users,
	}
	if s.Method == "" {
		s.Method = "none"
	}
	if s.Realm == "" {
		s.Realm = rctx.Account + "/" + rctx.Repo
	}

	if m.Auth != nil {
		if method, ok := m.Auth["method"].(string); ok {
			s.Method = method
		}
		if realm, ok := m.Auth["realm"].(string); ok {
			s.Realm = realm
		}
		if users, ok := m.Auth["users"].(map[string]any); ok {
			s.Users = make(map[string]string, len(users))
			for name, pw := range users {
				if str, ok := pw.(string); ok {
					s.Users[name] = str
				}
			}
		}
	}
	switch s.Method {
	case "none", "basic", "test":
	default:
		return nil, fmt.Errorf("auth method %q: unsupported", s.Method)
	}

	defs := defaults.Filesets
	if len(defs) == 0 {
		defs = fileset.DefaultDefs()
	}
	set, err := fileset.Compile(defs)
	if err != nil {
		return nil, err
	}
	s.Filesets = set
	s.Fingerprint = m.Commit

	s.Fingerprints = make(map[string]string)
	s.Rewrites = make(map[string]api.RewriteFunc)
	for _, f := range set.All() {
		s.Fingerprints[f.Category] = fingerprint.OfString(f.Category + "@" + s.Fingerprint)
	}
	return s, nil
}

// SettingsCache memoizes settings by request key, evicting on repo update
// events.
type SettingsCache struct {
	defaults  Defaults
	manifests *manifest.Cache
	flights   *async.CachingSingleflight
}

func NewSettingsCache(defaults Defaults, manifests *manifest.Cache, bus *events.Bus, size int) (*SettingsCache, error) {
	flights, err := async.NewCachingSingleflight(size)
	if err != nil {
		return nil, err
	}
	c := &SettingsCache{defaults: defaults, manifests: manifests, flights: flights}
	if bus != nil {
		bus.OnRepoUpdate(func(ev events.RepoUpdate) {
			flights.Remove(ev.Key)
		})
	}
	return c, nil
}

// Get returns the settings for the request's key.
func (c *SettingsCache) Get(ctx context.Context, rctx *api.RequestContext) (*Settings, error) {
	v, err := c.flights.Do(rctx.Key, func() (any, error) {
		m, err := c.manifests.Get(ctx, rctx.RepoPath, rctx.Branch)
		if err != nil {
			return nil, err
		}
		return buildSettings(c.defaults, m, rctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Settings), nil
}
