// Package builder serializes per-repo external builds and fans out the
// invalidation events that follow a content update.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/async"
	"github.com/locomote-sh/server/internal/branchdb"
	"github.com/locomote-sh/server/internal/events"
	"github.com/locomote-sh/server/internal/manifest"
	"github.com/locomote-sh/server/internal/vcs"
)

// queueName serializes all build units.
const queueName = "builder"

// Request names one branch to build.
type Request struct {
	Account string
	Repo    string
	Branch  string
}

// Observer is notified of build command outcomes; result is "success"
// or "failure".
type Observer interface {
	BuildResult(result string)
}

// Builder runs external builds one at a time and emits repo update
// events when branches advance.
type Builder struct {
	workspaceHome string
	profiles      branchdb.ProfileLookup
	branches      *branchdb.DB
	manifests     *manifest.Cache
	ops           *async.OpQueue
	db            *buildDB
	bus           *events.Bus
	observer      Observer
	log           *slog.Logger
}

func New(workspaceHome string, profiles branchdb.ProfileLookup, branches *branchdb.DB, manifests *manifest.Cache, queue *async.Queue, bus *events.Bus, log *slog.Logger) (*Builder, error) {
	if err := os.MkdirAll(workspaceHome, 0o755); err != nil {
		return nil, err
	}
	db, err := openBuildDB(filepath.Join(workspaceHome, "builds.sqlite"))
	if err != nil {
		return nil, err
	}
	if profiles == nil {
		profiles = func(string) *api.BuildProfile { return nil }
	}
	return &Builder{
		workspaceHome: workspaceHome,
		profiles:      profiles,
		branches:      branches,
		manifests:     manifests,
		ops:           async.NewOpQueue(queue, queueName),
		db:            db,
		bus:           bus,
		log:           log,
	}, nil
}

// Close releases the completion DB.
func (b *Builder) Close() error { return b.db.Close() }

// SetObserver attaches the build outcome observer. Call before serving.
func (b *Builder) SetObserver(o Observer) {
	b.observer = o
}

func (b *Builder) observe(result string) {
	if b.observer != nil {
		b.observer.BuildResult(result)
	}
}

// Enqueue schedules a build unit. Units run serially on the builder
// queue; callers return immediately.
func (b *Builder) Enqueue(ctx context.Context, req Request) {
	go func() {
		_, _ = b.ops.Do(func() (any, error) {
			if err := b.build(ctx, req); err != nil {
				b.log.Error("build failed", "account", req.Account, "repo", req.Repo,
					"branch", req.Branch, "error", err)
			}
			return nil, nil
		})
	}()
}

// BuildNow runs one unit synchronously, still serialized on the queue.
func (b *Builder) BuildNow(ctx context.Context, req Request) error {
	_, err := b.ops.Do(func() (any, error) {
		return nil, b.build(ctx, req)
	})
	return err
}

func (b *Builder) build(ctx context.Context, req Request) error {
	if err := b.branches.UpdateBranchInfo(ctx, req.Account, req.Repo); err != nil {
		return err
	}
	repoPath := b.branches.RepoPath(req.Account, req.Repo)
	if repoPath == "" {
		return fmt.Errorf("unknown repo %s/%s", req.Account, req.Repo)
	}

	// The push itself changed the branch; invalidate consumers whether or
	// not a build runs.
	defer b.bus.EmitRepoUpdate(events.RepoUpdate{
		Account: req.Account, Repo: req.Repo, Branch: req.Branch,
	})

	m, err := b.manifests.Get(ctx, repoPath, req.Branch)
	if err != nil {
		return err
	}
	profile := b.resolveProfile(m)
	if profile == nil {
		return nil
	}

	head, err := vcs.HeadCommit(ctx, repoPath, req.Branch)
	if err != nil {
		return err
	}
	if head == nil {
		return nil
	}
	last, err := b.db.lastBuild(ctx, req.Account, req.Repo, req.Branch)
	if err != nil {
		return err
	}
	if last == head.ID {
		return nil
	}

	if !containsBranch(profile.Buildable, req.Branch) {
		return nil
	}

	if err := b.runBuild(ctx, req, repoPath, profile); err != nil {
		b.observe("failure")
		return err
	}
	b.observe("success")

	if err := b.db.addBuildCompletion(ctx, req.Account, req.Repo, req.Branch, head.ID, time.Now().Unix()); err != nil {
		return err
	}
	b.bus.EmitBuildComplete(events.BuildComplete{
		Account: req.Account, Repo: req.Repo, Branch: req.Branch, Commit: head.ID,
	})
	b.log.Info("build complete", "account", req.Account, "repo", req.Repo,
		"branch", req.Branch, "commit", head.ID)
	return nil
}

// resolveProfile picks the manifest's build profile, or the server
// profile it names. Multi-profile manifests resolve to the profile named
// "default", else the first in name order — map iteration order must
// never decide which command builds a branch.
func (b *Builder) resolveProfile(m *api.Manifest) *api.BuildProfile {
	if len(m.Build) > 0 {
		if p := m.Build["default"]; p != nil {
			return p
		}
		names := make([]string, 0, len(m.Build))
		for name := range m.Build {
			names = append(names, name)
		}
		sort.Strings(names)
		return m.Build[names[0]]
	}
	if m.Profile != "" {
		return b.profiles(m.Profile)
	}
	return nil
}

// runBuild checks the branch out into the account workspace and runs the
// profile command, streaming combined output to build.log.
func (b *Builder) runBuild(ctx context.Context, req Request, repoPath string, profile *api.BuildProfile) error {
	workspace := filepath.Join(b.workspaceHome, req.Account)
	checkout := filepath.Join(workspace, req.Repo)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return err
	}

	logFile, err := os.OpenFile(filepath.Join(workspace, "build.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	if _, err := os.Stat(filepath.Join(checkout, ".git")); os.IsNotExist(err) {
		clone := exec.CommandContext(ctx, "git", "clone", "--branch", req.Branch, repoPath, checkout)
		clone.Stdout, clone.Stderr = logFile, logFile
		if err := clone.Run(); err != nil {
			return fmt.Errorf("clone workspace: %w", err)
		}
	} else {
		for _, args := range [][]string{
			{"fetch", "origin", req.Branch},
			{"checkout", "-f", req.Branch},
			{"reset", "--hard", "origin/" + req.Branch},
		} {
			cmd := exec.CommandContext(ctx, "git", args...)
			cmd.Dir = checkout
			cmd.Stdout, cmd.Stderr = logFile, logFile
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("git %v: %w", args, err)
			}
		}
	}

	if profile.Command == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", profile.Command)
	cmd.Dir = checkout
	cmd.Env = append(os.Environ(), profile.Env...)
	cmd.Stdout, cmd.Stderr = logFile, logFile
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("build command: %w", err)
	}
	return nil
}

// StartupScan queues a build for every buildable branch whose head is not
// the last recorded build. This is the crash-recovery step.
func (b *Builder) StartupScan(ctx context.Context) {
	for _, ref := range b.branches.ListBuildable() {
		head, err := vcs.HeadCommit(ctx, ref.RepoPath, ref.Branch)
		if err != nil || head == nil {
			continue
		}
		last, err := b.db.lastBuild(ctx, ref.Account, ref.Repo, ref.Branch)
		if err != nil {
			continue
		}
		if last != head.ID {
			b.Enqueue(ctx, Request{Account: ref.Account, Repo: ref.Repo, Branch: ref.Branch})
		}
	}
}

func containsBranch(list []string, branch string) bool {
	for _, b := range list {
		if b == branch {
			return true
		}
	}
	return false
}
