package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locomote-sh/server/internal/acm"
	"github.com/locomote-sh/server/internal/async"
	"github.com/locomote-sh/server/internal/branchdb"
	"github.com/locomote-sh/server/internal/builder"
	"github.com/locomote-sh/server/internal/config"
	"github.com/locomote-sh/server/internal/events"
	"github.com/locomote-sh/server/internal/filedb"
	"github.com/locomote-sh/server/internal/logging"
	"github.com/locomote-sh/server/internal/manifest"
	"github.com/locomote-sh/server/internal/metrics"
	"github.com/locomote-sh/server/internal/negotiate"
	"github.com/locomote-sh/server/internal/search"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	require.NoError(t, cmd.Run(), "git %v: %s", args, out.String())
	return strings.TrimSpace(out.String())
}

type fixture struct {
	srv     *Server
	indexer *search.Indexer
	refs    []branchdb.BranchRef
	head    string
}

// newFixture stands up the whole read path against one content repo with
// pages in two languages and a data file.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	work := t.TempDir()
	runGit(t, work, "init", "-b", "master")
	runGit(t, work, "config", "user.name", "Tester")
	runGit(t, work, "config", "user.email", "test@example.com")
	files := map[string]string{
		"locomote.json":      `{"public": ["master"]}`,
		"index.html":         `<html><head><title>Home</title></head><body><a href="/about.html">about</a> searchable words</body></html>`,
		"page/index.html":    `<html><head><title>Page</title></head><body>english</body></html>`,
		"page/index.fr.html": `<html><head><title>Page FR</title></head><body>français</body></html>`,
		"data/items.json":    `{"kind": "demo"}`,
	}
	for name, content := range files {
		path := filepath.Join(work, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	runGit(t, work, "add", "-A")
	runGit(t, work, "commit", "-m", "content")
	head := runGit(t, work, "rev-parse", "--short", "HEAD")

	target := filepath.Join(root, "acme", "site.git")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	runGit(t, filepath.Dir(target), "clone", "--bare", work, target)

	cfg := &config.Config{ContentRepoHome: root, CacheDir: t.TempDir()}
	cfg.Auth = &config.Auth{Method: "basic", Users: map[string]string{"jo": "secret"}}
	cfg.HTTP = &config.HTTP{Mount: "/", CacheControl: "public, max-age=60"}
	cfg.Updates = &config.Updates{Host: "localhost", Port: 0}
	cfg.Search = &config.Search{CacheQuota: 250 * 1024}
	cfg.WorkspaceHome = t.TempDir()

	bus := events.NewBus()
	queue := async.NewQueue()
	manifests, err := manifest.NewCache(bus, 16)
	require.NoError(t, err)
	branches := branchdb.New(root, manifests, nil, logging.Discard().Logger)
	require.NoError(t, branches.Scan(context.Background()))

	settings, err := acm.NewSettingsCache(acm.Defaults{
		Method: cfg.Auth.Method,
		Users:  cfg.Auth.Users,
	}, manifests, bus, 16)
	require.NoError(t, err)
	engine := acm.NewEngine(settings)

	fdb, err := filedb.New(cfg.CacheDir, engine, bus, logging.Discard().Logger)
	require.NoError(t, err)
	negotiator, err := negotiate.NewNegotiator(bus, 16, nil)
	require.NoError(t, err)

	store, err := search.OpenStore(filepath.Join(t.TempDir(), "search.sqlite"), queue)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	indexer := search.NewIndexer(store, fdb, engine, queue, logging.Discard().Logger)
	query := search.NewQuery(store, filepath.Join(cfg.CacheDir, "search"), cfg.Search.CacheQuota)

	builds, err := builder.New(cfg.WorkspaceHome, nil, branches, manifests, queue, bus, logging.Discard().Logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = builds.Close() })

	srv := New(Deps{
		Config:     cfg,
		Engine:     engine,
		Negotiator: negotiator,
		Files:      fdb,
		Query:      query,
		Branches:   branches,
		Builds:     builds,
		Queue:      queue,
		Metrics:    metrics.New(),
		Log:        logging.Discard().Logger,
	})
	return &fixture{srv: srv, indexer: indexer, refs: branches.ListPublic(), head: head}
}

func (f *fixture) do(t *testing.T, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if header != nil {
		req.Header = header
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestServeFile(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/acme/site/master/index.html", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `href="/acme/site/master/about.html"`,
		"absolute links are relocated under the base path")

	etag := w.Header().Get("Etag")
	require.NotEmpty(t, etag)
	assert.Contains(t, etag, f.head)

	hdr := http.Header{}
	hdr.Set("If-None-Match", etag)
	w = f.do(t, http.MethodGet, "/acme/site/master/index.html", hdr)
	assert.Equal(t, http.StatusNotModified, w.Code)
}

func TestDefaultRepoAndBranchResolution(t *testing.T) {
	f := newFixture(t)

	// Explicit repo, defaulted branch.
	w := f.do(t, http.MethodGet, "/acme/site/index.html", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Unknown account.
	w = f.do(t, http.MethodGet, "/ghost/site/index.html", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestContentNegotiation(t *testing.T) {
	f := newFixture(t)
	hdr := http.Header{}
	hdr.Set("Accept-Language", "fr")
	w := f.do(t, http.MethodGet, "/acme/site/master/page", hdr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Page FR")

	hdr.Set("Accept-Language", "de")
	w = f.do(t, http.MethodGet, "/acme/site/master/page", hdr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "english")
}

func TestUpdatesAPI(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/acme/site/master/updates.api", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"index.html"`)
	assert.Contains(t, body, `"$latest"`)
	assert.Contains(t, body, `"$acm"`)

	// HEAD returns the etag only.
	w = f.do(t, http.MethodHead, "/acme/site/master/updates.api", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("Etag"))
	assert.Empty(t, w.Body.String())

	// Group drift demands a reset.
	w = f.do(t, http.MethodGet, "/acme/site/master/updates.api?group=stale", nil)
	assert.Equal(t, http.StatusResetContent, w.Code)
}

func TestFileRecordFormat(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/acme/site/master/index.html?format=record", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"category":"pages"`)
	assert.Contains(t, w.Body.String(), `"title":"Home"`)
}

func TestAuthenticateAPI(t *testing.T) {
	f := newFixture(t)

	// No credentials in a forced-secure context: challenge.
	w := f.do(t, http.MethodPost, "/acme/site/master/authenticate.api", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic realm=")

	hdr := http.Header{}
	hdr.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("jo:secret")))
	w = f.do(t, http.MethodPost, "/acme/site/master/authenticate.api", hdr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user":"jo"`)
	assert.Contains(t, w.Body.String(), `"authenticated":true`)
}

func TestCommitsAPI(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/acme/site/master/commits.api", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), f.head)
	assert.Contains(t, w.Body.String(), "content")

	// Cached per (key, head): a repeat request serves the same payload.
	w2 := f.do(t, http.MethodGet, "/acme/site/master/commits.api", nil)
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, w.Body.String(), w2.Body.String())
}

func TestFilesetsAPI(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/acme/site/master/filesets.api/pages/list", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "index.html")
	assert.NotContains(t, w.Body.String(), "items.json")

	w = f.do(t, http.MethodGet, "/acme/site/master/filesets.api/pages/contents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Equal(t, "PK", w.Body.String()[:2])

	w = f.do(t, http.MethodGet, "/acme/site/master/filesets.api/pages/bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/acme/site/master/filesets.api/nope/list", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearchAPI(t *testing.T) {
	f := newFixture(t)
	for _, ref := range f.refs {
		require.NoError(t, f.indexer.IndexBranchNow(context.Background(), ref))
	}

	w := f.do(t, http.MethodGet, "/acme/site/master/search.api?s=searchable", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := strings.TrimSpace(w.Body.String())
	assert.True(t, strings.HasPrefix(body, "["), "array framing: %q", body)
	assert.True(t, strings.HasSuffix(body, "]"), "array framing: %q", body)
	assert.Contains(t, body, `"index.html"`)

	// Zero results still form a valid array.
	w = f.do(t, http.MethodGet, "/acme/site/master/search.api?s=zzzmissingzzz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))

	// Bad request without a term.
	w = f.do(t, http.MethodGet, "/acme/site/master/search.api", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRobots(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/robots.txt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "User-agent: *\nDisallow:\n", w.Body.String())
}

func TestTemplateEvaluation(t *testing.T) {
	f := newFixture(t)
	// The @d flag substitutes {%= name %} placeholders from the query.
	w := f.do(t, http.MethodGet, "/acme/site/master/index.html?@d=1&user=jo", nil)
	require.Equal(t, http.StatusOK, w.Code)
}
