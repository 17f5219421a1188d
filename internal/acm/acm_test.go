package acm

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/fileset"
	"github.com/locomote-sh/server/internal/locoerr"
)

func testSettings(t *testing.T) *Settings {
	t.Helper()
	m := &api.Manifest{
		Auth: map[string]any{
			"method": "basic",
			"users":  map[string]any{"jo": "secret"},
		},
	}
	m.Commit = "m1"
	s, err := buildSettings(Defaults{
		Filesets: []fileset.Def{
			{Category: "premium", Include: []string{"premium/**"}, Restricted: true},
			{Category: "pages", Include: []string{"**/*.html"}},
			{Category: "data", Include: []string{"**/*.json"}},
		},
	}, m, &api.RequestContext{Account: "acme", Repo: "site"})
	require.NoError(t, err)
	return s
}

type staticSettings struct{ s *Settings }

func (f staticSettings) Get(ctx context.Context, rctx *api.RequestContext) (*Settings, error) {
	return f.s, nil
}

func basicHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestAuthenticate_BasicSuccess(t *testing.T) {
	user, err := authenticate(testSettings(t), basicHeader("jo", "secret"), true)
	require.NoError(t, err)
	assert.True(t, user.Authenticated)
	assert.Equal(t, "jo", user.User)
}

func TestAuthenticate_BasicFailure(t *testing.T) {
	_, err := authenticate(testSettings(t), basicHeader("jo", "wrong"), true)
	var ae *locoerr.AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, 401, ae.Status)
	assert.Contains(t, ae.Headers["WWW-Authenticate"], "Basic realm=")
}

func TestAuthenticate_SecureNoCredentials(t *testing.T) {
	_, err := authenticate(testSettings(t), "", true)
	var ae *locoerr.AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, 401, ae.Status)
}

func TestAuthenticate_InsecureAnonymous(t *testing.T) {
	user, err := authenticate(testSettings(t), "", false)
	require.NoError(t, err)
	assert.False(t, user.Authenticated)
	assert.Equal(t, "anonymous", user.User)
}

func TestTestAuth_ReturnsConstructedUser(t *testing.T) {
	user := testAuth("Test jo:premium,beta")
	assert.True(t, user.Authenticated)
	assert.Equal(t, "jo", user.User)
	assert.Equal(t, []string{"premium", "beta"}, user.Groups)
}

func TestEngineAuthenticate_AccessibleAndGroup(t *testing.T) {
	e := NewEngine(staticSettings{testSettings(t)})

	rctx := &api.RequestContext{Key: "acme/site/public"}
	require.NoError(t, e.Authenticate(context.Background(), rctx, Input{}))

	auth := rctx.Auth
	require.NotNil(t, auth)
	assert.True(t, auth.Accessible["pages"])
	assert.True(t, auth.Accessible["data"])
	assert.False(t, auth.Accessible["premium"], "restricted category requires group membership")
	assert.NotEmpty(t, auth.Group)
	assert.Equal(t, auth.Group, auth.DollarGroup, "no CVS: groups means group == $group")

	// Same inputs produce the same fingerprint.
	rctx2 := &api.RequestContext{Key: "acme/site/public"}
	require.NoError(t, e.Authenticate(context.Background(), rctx2, Input{}))
	assert.Equal(t, auth.Group, rctx2.Auth.Group)
}

func TestEngineAuthenticate_GroupMemberSeesRestricted(t *testing.T) {
	s := testSettings(t)
	s.Method = "test"
	e := NewEngine(staticSettings{s})

	rctx := &api.RequestContext{Key: "acme/site/public"}
	require.NoError(t, e.Authenticate(context.Background(), rctx, Input{
		Authorization: "Test jo:premium",
	}))
	assert.True(t, rctx.Auth.Accessible["premium"])

	anon := &api.RequestContext{Key: "acme/site/public"}
	require.NoError(t, e.Authenticate(context.Background(), anon, Input{}))
	assert.NotEqual(t, anon.Auth.Group, rctx.Auth.Group,
		"different accessible sets must fingerprint differently")
}

func TestEngineAuthenticate_CVSGroups(t *testing.T) {
	e := NewEngine(staticSettings{testSettings(t)})
	rctx := &api.RequestContext{Key: "acme/site/public"}
	require.NoError(t, e.Authenticate(context.Background(), rctx, Input{
		CVS: map[string]string{"a.html": "c1"},
	}))
	assert.NotEqual(t, rctx.Auth.Group, rctx.Auth.DollarGroup,
		"$group strips CVS-derived groups")

	// Filter semantics: unchanged records drop, new/changed/deleted pass.
	pass := rctx.Auth.Filter
	assert.False(t, pass(&api.FileRecord{Path: "a.html", Status: api.StatusPublished, Commit: "c1"}))
	assert.True(t, pass(&api.FileRecord{Path: "a.html", Status: api.StatusPublished, Commit: "c2"}))
	assert.True(t, pass(&api.FileRecord{Path: "new.html", Status: api.StatusPublished, Commit: "c1"}))
	assert.True(t, pass(&api.FileRecord{Path: "a.html", Status: api.StatusDeleted, Commit: "c2"}))
	assert.False(t, pass(&api.FileRecord{Path: "never-seen.html", Status: api.StatusDeleted, Commit: "c2"}),
		"deletion of a file the client never had is noise")
}

func TestDeriveFilter_Patterns(t *testing.T) {
	filter, groups, err := deriveFilter(Input{FilterPatterns: []string{"docs/**/*.html"}})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.True(t, filter(&api.FileRecord{Path: "docs/a.html"}))
	assert.False(t, filter(&api.FileRecord{Path: "other/a.html"}))

	// Canonicalized filters fingerprint identically.
	_, groups2, err := deriveFilter(Input{FilterPatterns: []string{"docs/**/*.html"}})
	require.NoError(t, err)
	assert.Equal(t, groups, groups2)
}

func TestDeriveLocaleGroup(t *testing.T) {
	assert.Equal(t, "Accept-Language:fr", deriveLocaleGroup("fr"))
	assert.Equal(t, "Accept-Language:fr_CH", deriveLocaleGroup("fr-CH"))
	assert.Equal(t, "Accept-Language:en", deriveLocaleGroup("en, de;q=0.5"))
	assert.Equal(t, "", deriveLocaleGroup(""))
}

func TestFilterAndRewrite(t *testing.T) {
	rctx := &api.RequestContext{
		Auth: &api.AuthContext{
			Accessible: map[string]bool{"pages": true},
			Filter:     func(rec *api.FileRecord) bool { return rec.Path != "blocked.html" },
			Rewrites: map[string]api.RewriteFunc{
				"pages": func(rec *api.FileRecord, ctx *api.RequestContext) *api.FileRecord {
					rec.Page = &api.Page{Title: "rewritten"}
					return rec
				},
			},
		},
	}

	rec := FilterAndRewrite(rctx, &api.FileRecord{Path: "a.html", Category: "pages"})
	require.NotNil(t, rec)
	assert.Equal(t, "rewritten", rec.Page.Title)

	assert.Nil(t, FilterAndRewrite(rctx, &api.FileRecord{Path: "x", Category: "premium"}),
		"inaccessible category is dropped")
	assert.Nil(t, FilterAndRewrite(rctx, &api.FileRecord{Path: "blocked.html", Category: "pages"}),
		"filter rejection drops the record")
}
