// Package filedb composes the pipeline runtime, the VCR adapter, the
// fileset engine and the ACM engine into the file database: full
// snapshots, since-deltas, fileset archives, per-file records and
// contents, and the file-info DB used for existence checks and etags.
package filedb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/acm"
	"github.com/locomote-sh/server/internal/async"
	"github.com/locomote-sh/server/internal/events"
	"github.com/locomote-sh/server/internal/locoerr"
	"github.com/locomote-sh/server/internal/pipeline"
	"github.com/locomote-sh/server/internal/vcs"
)

// poolSize bounds concurrent fileDB operations to cap file-descriptor
// use.
const poolSize = 100

// FileDB exposes the public file database operations. Every operation
// except RawRecords and RawUpdates runs inside the shared worker pool;
// all are de-duplicated per artifact by the shared single-flight group.
type FileDB struct {
	cacheDir string
	engine   *acm.Engine
	hooks    *pipeline.HookRegistry
	flights  *singleflight.Group
	pool     *async.WorkerPool
	infoDB   *async.CachingSingleflight
	observer pipeline.CacheObserver
	log      *slog.Logger
}

// New wires the fileDB. The info DB cache subscribes to repo update
// events so the next request after an update rebuilds it.
func New(cacheDir string, engine *acm.Engine, bus *events.Bus, log *slog.Logger) (*FileDB, error) {
	infoDB, err := async.NewCachingSingleflight(256)
	if err != nil {
		return nil, err
	}
	f := &FileDB{
		cacheDir: cacheDir,
		engine:   engine,
		hooks:    pipeline.NewHookRegistry(),
		flights:  &singleflight.Group{},
		pool:     async.NewWorkerPool(poolSize),
		infoDB:   infoDB,
		log:      log,
	}
	if bus != nil {
		bus.OnRepoUpdate(func(ev events.RepoUpdate) {
			infoDB.Remove(ev.Key)
		})
	}
	return f, nil
}

// Hooks exposes the record hook registry; extensions register under
// ("filedb", pre|post, name).
func (f *FileDB) Hooks() *pipeline.HookRegistry {
	return f.hooks
}

// SetObserver attaches the cache hit/miss observer applied to every
// pipeline. Call before serving requests.
func (f *FileDB) SetObserver(o pipeline.CacheObserver) {
	f.observer = o
}

// run executes op in the worker pool after validating the context.
func (f *FileDB) run(ctx context.Context, rctx *api.RequestContext, op func() (any, error)) (any, error) {
	if rctx == nil {
		return nil, fmt.Errorf("%w: nil request context", locoerr.ErrBadRequest)
	}
	return f.pool.Run(ctx, op)
}

// resolveCommit fills the head commit when the caller passed none.
func (f *FileDB) resolveCommit(ctx context.Context, rctx *api.RequestContext, commit string) (string, error) {
	if commit != "" {
		return commit, nil
	}
	head, err := vcs.HeadCommit(ctx, rctx.RepoPath, rctx.Branch)
	if err != nil {
		return "", err
	}
	if head == nil {
		return "", locoerr.NotFound("branch " + rctx.Key)
	}
	return head.ID, nil
}

// notFound translates pipeline sentinel errors into the shared taxonomy.
func notFound(err error) error {
	if errors.Is(err, pipeline.ErrNotFound) {
		return locoerr.ErrNotFound
	}
	return err
}
