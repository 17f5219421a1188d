package branchdb

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/events"
	"github.com/locomote-sh/server/internal/logging"
	"github.com/locomote-sh/server/internal/manifest"
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

// makeContentRepo creates {root}/{account}/{repo}.git as a bare clone of
// a work tree holding the given locomote.json (empty for none).
func makeContentRepo(t *testing.T, root, account, repo, manifestJSON string) {
	t.Helper()
	work := t.TempDir()
	runGit(t, work, "init", "-b", "master")
	runGit(t, work, "config", "user.name", "Tester")
	runGit(t, work, "config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(work, "index.html"), []byte("<html></html>"), 0o644))
	if manifestJSON != "" {
		require.NoError(t, os.WriteFile(filepath.Join(work, "locomote.json"), []byte(manifestJSON), 0o644))
	}
	runGit(t, work, "add", "-A")
	runGit(t, work, "commit", "-m", "content")

	target := filepath.Join(root, account, repo+".git")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	runGit(t, filepath.Dir(target), "clone", "--bare", work, target)
}

func newDB(t *testing.T, root string, profiles ProfileLookup) *DB {
	t.Helper()
	manifests, err := manifest.NewCache(events.NewBus(), 16)
	require.NoError(t, err)
	return New(root, manifests, profiles, logging.Discard().Logger)
}

func TestScan_Discovery(t *testing.T) {
	root := t.TempDir()
	makeContentRepo(t, root, "acme", "site", `{"public": ["public", "beta"]}`)
	makeContentRepo(t, root, "acme", "docs", "")
	makeContentRepo(t, root, "umbrella", "www", `{"public": "live"}`)

	db := newDB(t, root, nil)
	require.NoError(t, db.Scan(context.Background()))

	assert.True(t, db.IsAccountName("acme"))
	assert.True(t, db.IsAccountName("umbrella"))
	assert.False(t, db.IsAccountName("ghost"))

	assert.True(t, db.IsRepoName("acme", "site"))
	assert.False(t, db.IsRepoName("acme", "www"))

	assert.Equal(t, "public", db.GetDefaultPublicBranch("acme", "site"))
	assert.True(t, db.IsPublicBranch("acme", "site", "beta"))
	assert.False(t, db.IsPublicBranch("acme", "site", "staging"))

	// Missing manifest defaults to public = ["public"].
	assert.Equal(t, "public", db.GetDefaultPublicBranch("acme", "docs"))

	// String form of public.
	assert.Equal(t, "live", db.GetDefaultPublicBranch("umbrella", "www"))

	assert.Len(t, db.ListPublic(), 4)
}

func TestBuildable_FromProfiles(t *testing.T) {
	root := t.TempDir()
	makeContentRepo(t, root, "acme", "inline", `{
		"public": ["public"],
		"build": {"buildable": ["master"], "command": "make"}
	}`)
	makeContentRepo(t, root, "acme", "named", `{
		"public": ["public"],
		"build": "web"
	}`)

	profiles := func(name string) *api.BuildProfile {
		if name == "web" {
			return &api.BuildProfile{Buildable: []string{"master", "staging"}}
		}
		return nil
	}
	db := newDB(t, root, profiles)
	require.NoError(t, db.Scan(context.Background()))

	refs := db.ListBuildable()
	byRepo := map[string][]string{}
	for _, r := range refs {
		byRepo[r.Repo] = append(byRepo[r.Repo], r.Branch)
	}
	assert.ElementsMatch(t, []string{"master"}, byRepo["inline"])
	assert.ElementsMatch(t, []string{"master", "staging"}, byRepo["named"])
}

func TestUpdateBranchInfo(t *testing.T) {
	root := t.TempDir()
	makeContentRepo(t, root, "acme", "site", `{"public": ["public"]}`)

	db := newDB(t, root, nil)
	require.NoError(t, db.Scan(context.Background()))
	require.NoError(t, db.UpdateBranchInfo(context.Background(), "acme", "site"))
	assert.True(t, db.IsRepoName("acme", "site"))
	assert.NotEmpty(t, db.RepoPath("acme", "site"))
}
