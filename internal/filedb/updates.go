package filedb

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/acm"
	"github.com/locomote-sh/server/internal/locoerr"
	"github.com/locomote-sh/server/internal/pipeline"
	"github.com/locomote-sh/server/internal/vcs"
)

const (
	updatesTemplate        = "internal/{ctx.account}/{ctx.repo}/updates-{commit}-{since}.jsonl"
	updatesResultsTemplate = "internal/{ctx.account}/{ctx.repo}/uresults-{commit}-{since}-{ctx.auth.group}.jsonl"
)

// ListUpdatesSince returns the record delta between since and commit (the
// branch head when empty). An unknown since falls back to a full listing
// prefixed with a reset control record.
func (f *FileDB) ListUpdatesSince(ctx context.Context, rctx *api.RequestContext, since, commit string) (*pipeline.Handle, error) {
	if since == "" {
		return nil, fmt.Errorf("%w: since is required", locoerr.ErrBadRequest)
	}
	v, err := f.run(ctx, rctx, func() (any, error) {
		s, err := f.engine.Settings(ctx, rctx)
		if err != nil {
			return nil, err
		}
		p := f.updatesPipeline(s)
		return p.Run(ctx, pipeline.Vars{"ctx": rctx, "commit": commit, "since": since})
	})
	if err != nil {
		return nil, notFound(err)
	}
	return v.(*pipeline.Handle), nil
}

func (f *FileDB) updatesPipeline(s *acm.Settings) *pipeline.Pipeline {
	return &pipeline.Pipeline{
		CacheDir: f.cacheDir,
		Flights:  f.flights,
		Observer: f.observer,
		Init: func(ctx context.Context, vars pipeline.Vars) (bool, error) {
			rctx := vars["ctx"].(*api.RequestContext)
			commit, _ := vars["commit"].(string)
			commit, err := f.resolveCommit(ctx, rctx, commit)
			if err != nil {
				return false, err
			}
			vars["commit"] = commit
			if vcs.IsValidCommit(ctx, rctx.RepoPath, vars["since"].(string)) {
				vars["valid"] = "V"
			} else {
				vars["valid"] = "I"
			}
			return true, nil
		},
		Open: func(ctx context.Context, vars pipeline.Vars, w io.Writer) error {
			rctx := vars["ctx"].(*api.RequestContext)
			commit := vars["commit"].(string)
			if vars["valid"] == "I" {
				// Unknown since: fall back to the full listing; the reset
				// control record is prepended downstream.
				return vcs.ListTrackedFiles(ctx, rctx.RepoPath, commit, w)
			}
			return vcs.ListChanges(ctx, rctx.RepoPath, commit, vars["since"].(string), w)
		},
		Steps: []pipeline.Step{
			{
				Template: updatesTemplate,
				Run:      f.parseChangesStep(s),
			},
			{
				Template: updatesResultsTemplate,
				Run:      f.processUpdates(),
			},
		},
		Done: annotate,
	}
}

// RawRecords returns the unfiltered record snapshot at the branch head.
// No ACM stage runs; the search indexer and other internal consumers use
// it to see every record.
func (f *FileDB) RawRecords(ctx context.Context, rctx *api.RequestContext) (*pipeline.Handle, error) {
	return f.listAllRecords(ctx, rctx, "")
}

// RawUpdates returns the unfiltered record delta since a commit, without
// the ACM or control-record stage. An unknown since yields the full
// snapshot.
func (f *FileDB) RawUpdates(ctx context.Context, rctx *api.RequestContext, since string) (*pipeline.Handle, error) {
	s, err := f.engine.Settings(ctx, rctx)
	if err != nil {
		return nil, err
	}
	full := f.updatesPipeline(s)
	p := &pipeline.Pipeline{
		CacheDir: f.cacheDir,
		Flights:  f.flights,
		Observer: f.observer,
		Init:     full.Init,
		Open:     full.Open,
		Steps:    full.Steps[:1],
		Done:     annotate,
	}
	h, err := p.Run(ctx, pipeline.Vars{"ctx": rctx, "commit": "", "since": since})
	if err != nil {
		return nil, notFound(err)
	}
	return h, nil
}

// parseChangesStep turns diff lines into file records. Renames emit a
// deletion of the old path and a publication of the new one. A path the
// current fileset list no longer owns while the since-time list did owns
// a synthetic deletion so clients can prune; with branch-static fileset
// definitions both lists coincide, so only the diff status decides.
func (f *FileDB) parseChangesStep(s *acm.Settings) pipeline.StepFunc {
	return func(ctx context.Context, vars pipeline.Vars, w io.Writer, r io.Reader) error {
		rctx := vars["ctx"].(*api.RequestContext)
		commit := vars["commit"].(string)
		full := vars["valid"] == "I"

		emitPath := func(emit pipeline.Emit, path string, active bool) error {
			rec, err := s.Filesets.MakeFileRecord(ctx, rctx, commit, path, active)
			if err != nil {
				return err
			}
			if rec == nil {
				return nil
			}
			return emit(rec)
		}

		return pipeline.TransformLines(w, r,
			func(line string, emit pipeline.Emit) error {
				if full {
					return emitPath(emit, line, true)
				}
				parts := strings.Split(line, "\t")
				if len(parts) < 2 {
					return nil
				}
				status := parts[0]
				switch {
				case strings.HasPrefix(status, "R"), strings.HasPrefix(status, "C"):
					if len(parts) < 3 {
						return nil
					}
					if strings.HasPrefix(status, "R") {
						if err := emitPath(emit, parts[1], false); err != nil {
							return err
						}
					}
					return emitPath(emit, parts[2], true)
				case status == "D":
					return emitPath(emit, parts[1], false)
				default:
					// ' ', M, A, U: the path is live at commit.
					return emitPath(emit, parts[1], true)
				}
			}, nil)
	}
}
