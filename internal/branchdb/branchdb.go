// Package branchdb is the directory of accounts and repos discovered
// under the content root, with their public and buildable branches as
// declared by each repo's manifest.
package branchdb

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/manifest"
)

// Repo is one discovered content repository.
type Repo struct {
	Account   string
	Name      string
	RepoPath  string
	Public    []string
	Buildable []string
}

// BranchRef addresses one branch of one repo.
type BranchRef struct {
	Account  string
	Repo     string
	Branch   string
	RepoPath string
}

// Key is "<account>/<repo>/<branch>".
func (r BranchRef) Key() string {
	return r.Account + "/" + r.Repo + "/" + r.Branch
}

// ProfileLookup resolves a server-configured build profile by name.
type ProfileLookup func(name string) *api.BuildProfile

// DB scans {root}/{account}/{repo}.git and answers addressing queries.
type DB struct {
	root      string
	manifests *manifest.Cache
	profiles  ProfileLookup
	log       *slog.Logger

	mu    sync.RWMutex
	repos map[string]*Repo // "account/repo"
}

func New(root string, manifests *manifest.Cache, profiles ProfileLookup, log *slog.Logger) *DB {
	if profiles == nil {
		profiles = func(string) *api.BuildProfile { return nil }
	}
	return &DB{
		root:      root,
		manifests: manifests,
		profiles:  profiles,
		log:       log,
		repos:     make(map[string]*Repo),
	}
}

// Scan walks the content root to depth 2 and (re)loads every repo's
// branch info. Repos that fail to load are logged and skipped.
func (db *DB) Scan(ctx context.Context) error {
	accounts, err := os.ReadDir(db.root)
	if err != nil {
		return err
	}
	found := make(map[string]*Repo)
	for _, acct := range accounts {
		if !acct.IsDir() {
			continue
		}
		repoDirs, err := os.ReadDir(filepath.Join(db.root, acct.Name()))
		if err != nil {
			continue
		}
		for _, rd := range repoDirs {
			if !rd.IsDir() || !strings.HasSuffix(rd.Name(), ".git") {
				continue
			}
			account := acct.Name()
			name := strings.TrimSuffix(rd.Name(), ".git")
			repo, err := db.loadRepo(ctx, account, name)
			if err != nil {
				db.log.Warn("skipping repo", "account", account, "repo", name, "error", err)
				continue
			}
			found[account+"/"+name] = repo
		}
	}
	db.mu.Lock()
	db.repos = found
	db.mu.Unlock()
	db.log.Info("content scan complete", "repos", len(found))
	return nil
}

func (db *DB) loadRepo(ctx context.Context, account, name string) (*Repo, error) {
	repoPath := filepath.Join(db.root, account, name+".git")
	m, err := db.manifests.Get(ctx, repoPath, "master")
	if err != nil {
		return nil, err
	}
	return &Repo{
		Account:   account,
		Name:      name,
		RepoPath:  repoPath,
		Public:    m.Public,
		Buildable: db.buildable(m),
	}, nil
}

// buildable resolves the active build profile's branch list. Inline
// profiles on the manifest win; a bare profile name resolves through the
// server config.
func (db *DB) buildable(m *api.Manifest) []string {
	if len(m.Build) > 0 {
		names := make([]string, 0, len(m.Build))
		for name := range m.Build {
			names = append(names, name)
		}
		sort.Strings(names)
		var out []string
		seen := make(map[string]bool)
		for _, name := range names {
			for _, b := range m.Build[name].Buildable {
				if !seen[b] {
					seen[b] = true
					out = append(out, b)
				}
			}
		}
		return out
	}
	if m.Profile != "" {
		if p := db.profiles(m.Profile); p != nil {
			return p.Buildable
		}
		db.log.Warn("manifest references unknown build profile", "profile", m.Profile)
	}
	return nil
}

// UpdateBranchInfo reloads one repo's manifest-derived info.
func (db *DB) UpdateBranchInfo(ctx context.Context, account, repo string) error {
	loaded, err := db.loadRepo(ctx, account, repo)
	if err != nil {
		return err
	}
	db.mu.Lock()
	db.repos[account+"/"+repo] = loaded
	db.mu.Unlock()
	return nil
}

func (db *DB) get(account, repo string) *Repo {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.repos[account+"/"+repo]
}

// IsAccountName reports whether any repo belongs to the account.
func (db *DB) IsAccountName(name string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for key := range db.repos {
		if strings.HasPrefix(key, name+"/") {
			return true
		}
	}
	return false
}

// IsRepoName reports whether (account, repo) exists.
func (db *DB) IsRepoName(account, repo string) bool {
	return db.get(account, repo) != nil
}

// RepoPath returns the repo's on-disk path, or "".
func (db *DB) RepoPath(account, repo string) string {
	if r := db.get(account, repo); r != nil {
		return r.RepoPath
	}
	return ""
}

// GetDefaultPublicBranch returns the repo's first public branch, or "".
func (db *DB) GetDefaultPublicBranch(account, repo string) string {
	r := db.get(account, repo)
	if r == nil || len(r.Public) == 0 {
		return ""
	}
	return r.Public[0]
}

// IsPublicBranch reports whether branch is published for (account, repo).
func (db *DB) IsPublicBranch(account, repo, branch string) bool {
	r := db.get(account, repo)
	if r == nil {
		return false
	}
	for _, b := range r.Public {
		if b == branch {
			return true
		}
	}
	return false
}

// ListPublic returns every public branch of every repo.
func (db *DB) ListPublic() []BranchRef {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []BranchRef
	for _, r := range db.repos {
		for _, b := range r.Public {
			out = append(out, BranchRef{Account: r.Account, Repo: r.Name, Branch: b, RepoPath: r.RepoPath})
		}
	}
	return out
}

// ListBuildable returns every buildable branch of every repo.
func (db *DB) ListBuildable() []BranchRef {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []BranchRef
	for _, r := range db.repos {
		for _, b := range r.Buildable {
			out = append(out, BranchRef{Account: r.Account, Repo: r.Name, Branch: b, RepoPath: r.RepoPath})
		}
	}
	return out
}
