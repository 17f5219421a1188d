package acm

import (
	"context"
	"sort"
	"strings"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/fingerprint"
)

// SettingsSource yields the resolved auth settings for a request.
// *SettingsCache is the production implementation.
type SettingsSource interface {
	Get(ctx context.Context, rctx *api.RequestContext) (*Settings, error)
}

// Engine authenticates requests and attaches their AuthContext.
type Engine struct {
	settings SettingsSource
}

func NewEngine(settings SettingsSource) *Engine {
	return &Engine{settings: settings}
}

// Settings exposes the resolved settings for a request; fileDB needs the
// fileset list and the builder needs nothing else from here.
func (e *Engine) Settings(ctx context.Context, rctx *api.RequestContext) (*Settings, error) {
	return e.settings.Get(ctx, rctx)
}

// Authenticate resolves the request user, derives groups and filters from
// the request, and populates rctx.Auth. Auth failures surface as
// *locoerr.AuthError.
func (e *Engine) Authenticate(ctx context.Context, rctx *api.RequestContext, in Input) error {
	s, err := e.settings.Get(ctx, rctx)
	if err != nil {
		return err
	}

	user, err := authenticate(s, in.Authorization, rctx.Secure)
	if err != nil {
		return err
	}

	filter, derivedGroups, err := deriveFilter(in)
	if err != nil {
		return err
	}
	if g := deriveLocaleGroup(in.AcceptLanguage); g != "" {
		derivedGroups = append(derivedGroups, g)
	}

	// accessible = unrestricted categories ∪ user groups ∪ derived groups.
	accessible := make(map[string]bool)
	for _, cat := range s.Filesets.Unrestricted() {
		accessible[cat] = true
	}
	for _, g := range user.Groups {
		accessible[g] = true
	}
	for _, g := range derivedGroups {
		accessible[g] = true
	}

	rctx.Auth = &api.AuthContext{
		UserInfo:    user,
		Accessible:  accessible,
		Group:       e.groupFingerprint(s, accessible, false),
		DollarGroup: e.groupFingerprint(s, accessible, true),
		Filter:      filter,
		Rewrites:    s.Rewrites,
	}
	return nil
}

// groupFingerprint canonicalizes the accessible set into a sorted list,
// replacing fileset category names by their fingerprints, and hashes the
// joined list. stripCVS removes client-visible-set groups, yielding the
// $group variant.
func (e *Engine) groupFingerprint(s *Settings, accessible map[string]bool, stripCVS bool) string {
	var names []string
	for name := range accessible {
		if stripCVS && strings.HasPrefix(name, "CVS:") {
			continue
		}
		if fp, isCategory := s.Fingerprints[name]; isCategory {
			names = append(names, fp)
		} else {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return fingerprint.OfString(strings.Join(names, ","))
}

// FilterAndRewrite applies the request's access checks to one record:
// nil when the category is inaccessible or the filter rejects, else the
// category rewrite (which may itself drop the record).
func FilterAndRewrite(rctx *api.RequestContext, rec *api.FileRecord) *api.FileRecord {
	auth := rctx.Auth
	if auth == nil {
		return rec
	}
	if !auth.Accessible[rec.Category] {
		return nil
	}
	if auth.Filter != nil && !auth.Filter(rec) {
		return nil
	}
	if rw := auth.Rewrites[rec.Category]; rw != nil {
		return rw(rec, rctx)
	}
	return rec
}
