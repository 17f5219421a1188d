package search

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/acm"
	"github.com/locomote-sh/server/internal/async"
	"github.com/locomote-sh/server/internal/branchdb"
	"github.com/locomote-sh/server/internal/events"
	"github.com/locomote-sh/server/internal/filedb"
	"github.com/locomote-sh/server/internal/pipeline"
	"github.com/locomote-sh/server/internal/vcs"
)

// indexQueueName serializes index units so a branch is never indexed
// concurrently with itself.
const indexQueueName = "indexer"

// Indexer keeps the FTS database in sync with public branches.
type Indexer struct {
	store  *Store
	files  *filedb.FileDB
	engine *acm.Engine
	ops    *async.OpQueue
	log    *slog.Logger
}

func NewIndexer(store *Store, files *filedb.FileDB, engine *acm.Engine, queue *async.Queue, log *slog.Logger) *Indexer {
	return &Indexer{
		store:  store,
		files:  files,
		engine: engine,
		ops:    async.NewOpQueue(queue, indexQueueName),
		log:    log,
	}
}

// Start schedules every currently-public branch and subscribes to update
// events for incremental reindexing.
func (ix *Indexer) Start(ctx context.Context, db *branchdb.DB, bus *events.Bus) {
	for _, ref := range db.ListPublic() {
		ix.Schedule(ctx, ref)
	}
	bus.OnRepoUpdate(func(ev events.RepoUpdate) {
		if !db.IsPublicBranch(ev.Account, ev.Repo, ev.Branch) {
			return
		}
		ix.Schedule(ctx, branchdb.BranchRef{
			Account:  ev.Account,
			Repo:     ev.Repo,
			Branch:   ev.Branch,
			RepoPath: db.RepoPath(ev.Account, ev.Repo),
		})
	})
}

// Schedule queues one index unit. Units for the same queue run serially;
// re-indexing is idempotent, so over-scheduling is harmless.
func (ix *Indexer) Schedule(ctx context.Context, ref branchdb.BranchRef) {
	go func() {
		_, _ = ix.ops.Do(func() (any, error) {
			if err := ix.indexBranch(ctx, ref); err != nil {
				ix.log.Error("index unit failed", "key", ref.Key(), "error", err)
			}
			return nil, nil
		})
	}()
}

// IndexBranchNow runs one unit synchronously, still serialized on the
// indexer queue. Used by the one-shot reindex command and tests.
func (ix *Indexer) IndexBranchNow(ctx context.Context, ref branchdb.BranchRef) error {
	_, err := ix.ops.Do(func() (any, error) {
		return nil, ix.indexBranch(ctx, ref)
	})
	return err
}

func (ix *Indexer) indexBranch(ctx context.Context, ref branchdb.BranchRef) error {
	rctx := &api.RequestContext{
		Account:  ref.Account,
		Repo:     ref.Repo,
		Branch:   ref.Branch,
		Key:      ref.Key(),
		RepoPath: ref.RepoPath,
	}
	s, err := ix.engine.Settings(ctx, rctx)
	if err != nil {
		return err
	}

	head, err := vcs.HeadCommit(ctx, rctx.RepoPath, rctx.Branch)
	if err != nil {
		return err
	}
	if head == nil {
		return nil
	}

	return ix.store.withTx(ctx, func(tx *sql.Tx) error {
		scopeID, since, err := scopeFor(tx, ref.Account, ref.Repo, ref.Branch)
		if err != nil {
			return err
		}
		if since == head.ID {
			return nil
		}

		var h *pipeline.Handle
		if since == "" {
			h, err = ix.files.RawRecords(ctx, rctx)
		} else {
			h, err = ix.files.RawUpdates(ctx, rctx, since)
		}
		if err != nil {
			return err
		}
		r, err := h.Open()
		if err != nil {
			return err
		}
		defer r.Close()
		recs, err := pipeline.ReadRecords(r)
		if err != nil {
			return err
		}

		indexed := 0
		for _, rec := range recs {
			if rec.IsControl() {
				continue
			}
			fs := s.Filesets.ByCategory(rec.Category)
			if fs == nil || !fs.Searchable {
				continue
			}
			if rec.Status == api.StatusDeleted {
				if err := deleteFile(tx, scopeID, rec.Path); err != nil {
					return err
				}
				continue
			}
			sr, err := fs.Proc().MakeSearchRecord(ctx, rctx, rec)
			if err != nil {
				return err
			}
			if err := upsertFile(tx, scopeID, sr.ID, sr.Path, sr.Category, sr.Title, sr.Content); err != nil {
				return err
			}
			indexed++
		}

		if _, err := tx.Exec(
			`UPDATE scope SET since = ?, index_date = ? WHERE id = ?`,
			head.ID, time.Now().Unix(), scopeID); err != nil {
			return err
		}
		ix.log.Info("indexed branch", "key", ref.Key(), "commit", head.ID, "files", indexed)
		return nil
	})
}
