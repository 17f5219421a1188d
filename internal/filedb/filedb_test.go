package filedb

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/acm"
	"github.com/locomote-sh/server/internal/events"
	"github.com/locomote-sh/server/internal/fileset"
	"github.com/locomote-sh/server/internal/locoerr"
	"github.com/locomote-sh/server/internal/logging"
	"github.com/locomote-sh/server/internal/manifest"
	"github.com/locomote-sh/server/internal/pipeline"
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

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func commitAll(t *testing.T, dir, msg string) string {
	t.Helper()
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", msg)
	return runGit(t, dir, "rev-parse", "--short", "HEAD")
}

func newRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "master")
	runGit(t, dir, "config", "user.name", "Tester")
	runGit(t, dir, "config", "user.email", "test@example.com")
	return dir
}

type fixture struct {
	db     *FileDB
	engine *acm.Engine
	bus    *events.Bus
}

func newFixture(t *testing.T, defs []fileset.Def) *fixture {
	t.Helper()
	bus := events.NewBus()
	manifests, err := manifest.NewCache(bus, 16)
	require.NoError(t, err)
	settings, err := acm.NewSettingsCache(acm.Defaults{Filesets: defs}, manifests, bus, 16)
	require.NoError(t, err)
	engine := acm.NewEngine(settings)
	db, err := New(t.TempDir(), engine, bus, logging.Discard().Logger)
	require.NoError(t, err)
	return &fixture{db: db, engine: engine, bus: bus}
}

// requestContext builds an authenticated context for the repo.
func (f *fixture) requestContext(t *testing.T, repoPath string, in acm.Input) *api.RequestContext {
	t.Helper()
	rctx := &api.RequestContext{
		Account:  "acme",
		Repo:     "site",
		Branch:   "master",
		Key:      "acme/site/master/" + t.Name(),
		RepoPath: repoPath,
		BasePath: "/acme/site/",
		Hostname: "cms.example.com",
	}
	require.NoError(t, f.engine.Authenticate(context.Background(), rctx, in))
	return rctx
}

func readHandle(t *testing.T, h *pipeline.Handle) []*api.FileRecord {
	t.Helper()
	r, err := h.Open()
	require.NoError(t, err)
	defer r.Close()
	recs, err := pipeline.ReadRecords(r)
	require.NoError(t, err)
	return recs
}

func splitRecords(recs []*api.FileRecord) (files, controls []*api.FileRecord) {
	for _, r := range recs {
		if r.IsControl() {
			controls = append(controls, r)
		} else {
			files = append(files, r)
		}
	}
	return
}

func TestListAllFiles_FullListing(t *testing.T) {
	repo := newRepo(t)
	writeFile(t, repo, "index.html", "<html><head><title>Home</title></head></html>")
	writeFile(t, repo, "data/items.json", `{"a":1}`)
	head := commitAll(t, repo, "initial")

	f := newFixture(t, nil)
	rctx := f.requestContext(t, repo, acm.Input{})

	h, err := f.db.ListAllFiles(context.Background(), rctx, "")
	require.NoError(t, err)
	assert.Equal(t, head, h.Commit)
	assert.Equal(t, rctx.Auth.Group, h.Group)

	files, controls := splitRecords(readHandle(t, h))
	require.Len(t, files, 2)

	byPath := map[string]*api.FileRecord{}
	for _, r := range files {
		assert.Equal(t, api.StatusPublished, r.Status)
		assert.Equal(t, head, r.Commit)
		byPath[r.Path] = r
	}
	require.Contains(t, byPath, "index.html")
	assert.Equal(t, "pages", byPath["index.html"].Category)
	require.NotNil(t, byPath["index.html"].Page)
	assert.Equal(t, "Home", byPath["index.html"].Page.Title)
	require.Contains(t, byPath, "data/items.json")
	assert.Equal(t, "data", byPath["data/items.json"].Category)
	assert.NotNil(t, byPath["data/items.json"].Data)

	var cats, commits, acms, latests int
	for _, c := range controls {
		switch {
		case c.CategoryInfo != nil:
			cats++
		case c.CommitInfo != nil:
			commits++
			assert.Equal(t, head, c.CommitInfo.Commit)
		case c.ACM != nil:
			acms++
			assert.Equal(t, rctx.Auth.Group, c.ACM.Group)
		case c.Latest != nil:
			latests++
			assert.Equal(t, head, c.Latest.Commit)
		}
	}
	assert.Equal(t, 2, cats, "one $category record per category present")
	assert.Equal(t, 1, commits, "one $commit record per unique commit")
	assert.Equal(t, 1, acms)
	assert.Equal(t, 1, latests)
}

func TestListUpdatesSince_Deletion(t *testing.T) {
	repo := newRepo(t)
	writeFile(t, repo, "a.html", "<html><head><title>A</title></head></html>")
	writeFile(t, repo, "keep.html", "<html><head><title>K</title></head></html>")
	c1 := commitAll(t, repo, "add pages")
	require.NoError(t, os.Remove(filepath.Join(repo, "a.html")))
	c2 := commitAll(t, repo, "delete a")

	f := newFixture(t, nil)
	rctx := f.requestContext(t, repo, acm.Input{})

	h, err := f.db.ListUpdatesSince(context.Background(), rctx, c1, "")
	require.NoError(t, err)

	files, _ := splitRecords(readHandle(t, h))
	require.Len(t, files, 1)
	assert.Equal(t, "a.html", files[0].Path)
	assert.Equal(t, "pages", files[0].Category)
	assert.Equal(t, api.StatusDeleted, files[0].Status)
	assert.Equal(t, c2, files[0].Commit)
	assert.Nil(t, files[0].Page, "deleted records carry no processor fields")
}

func TestListUpdatesSince_HeadYieldsNoFileRecords(t *testing.T) {
	repo := newRepo(t)
	writeFile(t, repo, "a.html", "<html></html>")
	head := commitAll(t, repo, "one")

	f := newFixture(t, nil)
	rctx := f.requestContext(t, repo, acm.Input{})

	h, err := f.db.ListUpdatesSince(context.Background(), rctx, head, "")
	require.NoError(t, err)
	files, controls := splitRecords(readHandle(t, h))
	assert.Empty(t, files)
	assert.NotEmpty(t, controls, "control records still present")
}

func TestListUpdatesSince_Rename(t *testing.T) {
	repo := newRepo(t)
	writeFile(t, repo, "old.json", `{"v":1}`)
	c1 := commitAll(t, repo, "add old")
	runGit(t, repo, "mv", "old.json", "new.json")
	commitAll(t, repo, "rename")

	f := newFixture(t, nil)
	rctx := f.requestContext(t, repo, acm.Input{})

	h, err := f.db.ListUpdatesSince(context.Background(), rctx, c1, "")
	require.NoError(t, err)
	files, _ := splitRecords(readHandle(t, h))
	require.Len(t, files, 2)

	byPath := map[string]*api.FileRecord{}
	for _, r := range files {
		byPath[r.Path] = r
	}
	require.Contains(t, byPath, "old.json")
	assert.Equal(t, api.StatusDeleted, byPath["old.json"].Status)
	require.Contains(t, byPath, "new.json")
	assert.Equal(t, api.StatusPublished, byPath["new.json"].Status)
	assert.NotNil(t, byPath["new.json"].Data)
}

func TestListUpdatesSince_InvalidSinceResets(t *testing.T) {
	repo := newRepo(t)
	writeFile(t, repo, "a.html", "<html></html>")
	commitAll(t, repo, "one")

	f := newFixture(t, nil)
	rctx := f.requestContext(t, repo, acm.Input{})

	h, err := f.db.ListUpdatesSince(context.Background(), rctx, "ffffff0", "")
	require.NoError(t, err)
	recs := readHandle(t, h)
	require.NotEmpty(t, recs)
	assert.Equal(t, "reset", recs[0].Control, "reset control must be the first record")

	// A valid since never resets.
	head := runGit(t, repo, "rev-parse", "--short", "HEAD")
	h, err = f.db.ListUpdatesSince(context.Background(), rctx, head, "")
	require.NoError(t, err)
	for _, r := range readHandle(t, h) {
		assert.NotEqual(t, "reset", r.Control)
	}
}

func restrictedDefs() []fileset.Def {
	return []fileset.Def{
		{Category: "premium", Include: []string{"premium/**"}, Restricted: true, Processor: fileset.ProcessorHTML},
		{Category: "pages", Include: []string{"**/*.html"}, Processor: fileset.ProcessorHTML},
	}
}

func TestACMRestriction(t *testing.T) {
	repo := newRepo(t)
	writeFile(t, repo, "premium/extra.html", "<html><head><title>P</title></head></html>")
	writeFile(t, repo, "index.html", "<html><head><title>H</title></head></html>")
	commitAll(t, repo, "content")

	f := newFixture(t, restrictedDefs())
	rctx := f.requestContext(t, repo, acm.Input{})

	// The record fetch reports not-found.
	_, err := f.db.GetFileRecord(context.Background(), rctx, "premium/extra.html")
	assert.True(t, errors.Is(err, locoerr.ErrNotFound), "err = %v", err)

	// The listing omits premium records.
	h, err := f.db.ListAllFiles(context.Background(), rctx, "")
	require.NoError(t, err)
	files, _ := splitRecords(readHandle(t, h))
	require.Len(t, files, 1)
	assert.Equal(t, "index.html", files[0].Path)

	// Contents are inaccessible too.
	_, err = f.db.GetFileContents(context.Background(), rctx, "premium/extra.html")
	assert.True(t, errors.Is(err, locoerr.ErrNotFound))
}

func TestGetFileRecord_CommitIsLastModifying(t *testing.T) {
	repo := newRepo(t)
	writeFile(t, repo, "a.html", "<html><head><title>v1</title></head></html>")
	writeFile(t, repo, "b.html", "<html><head><title>B</title></head></html>")
	c1 := commitAll(t, repo, "add")
	writeFile(t, repo, "a.html", "<html><head><title>v2</title></head></html>")
	c2 := commitAll(t, repo, "edit a")

	f := newFixture(t, nil)
	rctx := f.requestContext(t, repo, acm.Input{})

	rec, err := f.db.GetFileRecord(context.Background(), rctx, "a.html")
	require.NoError(t, err)
	assert.Equal(t, c2, rec.Commit)
	assert.Equal(t, "v2", rec.Page.Title)

	rec, err = f.db.GetFileRecord(context.Background(), rctx, "b.html")
	require.NoError(t, err)
	assert.Equal(t, c1, rec.Commit)
}

func TestGetFileContents_RelocatesAndAnnotates(t *testing.T) {
	repo := newRepo(t)
	writeFile(t, repo, "page.html", `<html><body><a href="/about.html">x</a></body></html>`)
	commitAll(t, repo, "page")

	f := newFixture(t, nil)
	rctx := f.requestContext(t, repo, acm.Input{})

	h, err := f.db.GetFileContents(context.Background(), rctx, "page.html")
	require.NoError(t, err)
	assert.Equal(t, "text/html", h.MimeType)
	assert.NotEmpty(t, h.Commit)

	r, err := h.Open()
	require.NoError(t, err)
	defer r.Close()
	data, err := os.ReadFile(h.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `href="/acme/site/about.html"`)
}

func TestGetFileContents_SingleFlightSharesArtifact(t *testing.T) {
	repo := newRepo(t)
	writeFile(t, repo, "x.html", "<html><body>x</body></html>")
	commitAll(t, repo, "x")

	f := newFixture(t, nil)
	rctx := f.requestContext(t, repo, acm.Input{})

	var wg sync.WaitGroup
	paths := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			h, err := f.db.GetFileContents(context.Background(), rctx, "x.html")
			if err != nil {
				t.Errorf("GetFileContents: %v", err)
				return
			}
			paths[i] = h.Path
		}()
	}
	wg.Wait()
	assert.Equal(t, paths[0], paths[1], "both handles must be backed by the same file")
}

func TestFilesetArchive(t *testing.T) {
	repo := newRepo(t)
	writeFile(t, repo, "a.html", "<html></html>")
	writeFile(t, repo, "items.json", `{"x":1}`)
	commitAll(t, repo, "content")

	f := newFixture(t, nil)
	rctx := f.requestContext(t, repo, acm.Input{})

	h, err := f.db.GetFilesetContents(context.Background(), rctx, "pages")
	require.NoError(t, err)
	assert.Equal(t, "application/zip", h.MimeType)

	data, err := os.ReadFile(h.Path)
	require.NoError(t, err)
	assert.Equal(t, "PK", string(data[:2]), "artifact should be a ZIP archive")

	_, err = f.db.GetFilesetContents(context.Background(), rctx, "")
	assert.True(t, errors.Is(err, locoerr.ErrBadRequest))

	_, err = f.db.GetFilesetContents(context.Background(), rctx, "nope")
	assert.True(t, errors.Is(err, locoerr.ErrBadRequest))
}

func TestInfoDB_InvalidatedByUpdateEvent(t *testing.T) {
	repo := newRepo(t)
	writeFile(t, repo, "a.html", "<html></html>")
	commitAll(t, repo, "one")

	f := newFixture(t, nil)
	rctx := f.requestContext(t, repo, acm.Input{})

	ok, err := f.db.Exists(context.Background(), rctx, "b.html")
	require.NoError(t, err)
	assert.False(t, ok)

	writeFile(t, repo, "b.html", "<html></html>")
	commitAll(t, repo, "two")

	// Until the update event fires, the info DB still serves the old
	// snapshot.
	ok, err = f.db.Exists(context.Background(), rctx, "b.html")
	require.NoError(t, err)
	assert.False(t, ok)

	f.bus.EmitRepoUpdate(events.RepoUpdate{
		Account: "acme", Repo: "site", Branch: "master", Key: rctx.Key,
	})
	ok, err = f.db.Exists(context.Background(), rctx, "b.html")
	require.NoError(t, err)
	assert.True(t, ok)
}
