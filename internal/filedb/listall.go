package filedb

import (
	"context"
	"io"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/acm"
	"github.com/locomote-sh/server/internal/pipeline"
	"github.com/locomote-sh/server/internal/vcs"
)

const (
	recordsTemplate = "internal/{ctx.account}/{ctx.repo}/records-{commit}.jsonl"
	resultsTemplate = "internal/{ctx.account}/{ctx.repo}/results-{commit}-{ctx.auth.group}.jsonl"
)

// ListAllFiles returns the branch's full record manifest at commit (the
// branch head when commit is empty), filtered for the request's auth
// context and annotated with the stream's control records.
func (f *FileDB) ListAllFiles(ctx context.Context, rctx *api.RequestContext, commit string) (*pipeline.Handle, error) {
	v, err := f.run(ctx, rctx, func() (any, error) {
		s, err := f.engine.Settings(ctx, rctx)
		if err != nil {
			return nil, err
		}
		p := f.listAllPipeline(s, resultsTemplate, f.processUpdates())
		return p.Run(ctx, pipeline.Vars{"ctx": rctx, "commit": commit})
	})
	if err != nil {
		return nil, notFound(err)
	}
	return v.(*pipeline.Handle), nil
}

// listAllPipeline is the snapshot pipeline: tracked files → records →
// final stage. The records stage is shared with the unfiltered variant
// used by the info DB and the search indexer.
func (f *FileDB) listAllPipeline(s *acm.Settings, finalTemplate string, final pipeline.StepFunc) *pipeline.Pipeline {
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
			return true, nil
		},
		Open: func(ctx context.Context, vars pipeline.Vars, w io.Writer) error {
			rctx := vars["ctx"].(*api.RequestContext)
			return vcs.ListTrackedFiles(ctx, rctx.RepoPath, vars["commit"].(string), w)
		},
		Steps: []pipeline.Step{
			{
				Template: recordsTemplate,
				Run:      f.makeRecordsStep(s),
			},
			{
				Template: finalTemplate,
				Run:      final,
			},
		},
		Done: annotate,
	}
}

// makeRecordsStep converts a tracked-file line stream into records via
// fileset lookup. Paths no fileset owns are skipped.
func (f *FileDB) makeRecordsStep(s *acm.Settings) pipeline.StepFunc {
	return func(ctx context.Context, vars pipeline.Vars, w io.Writer, r io.Reader) error {
		rctx := vars["ctx"].(*api.RequestContext)
		commit := vars["commit"].(string)
		return pipeline.TransformLines(w, r,
			func(line string, emit pipeline.Emit) error {
				rec, err := s.Filesets.MakeFileRecord(ctx, rctx, commit, line, true)
				if err != nil {
					return err
				}
				if rec == nil {
					return nil
				}
				return emit(rec)
			}, nil)
	}
}

// annotate stamps the handle with the run's commit and group.
func annotate(vars pipeline.Vars, h *pipeline.Handle) (*pipeline.Handle, error) {
	rctx := vars["ctx"].(*api.RequestContext)
	h.Commit, _ = vars["commit"].(string)
	h.Group = rctx.Group()
	return h, nil
}

// listAllRecords builds (or reuses) the unfiltered records artifact for
// the info DB and the search indexer. No ACM stage runs: the artifact
// holds every record the filesets own.
func (f *FileDB) listAllRecords(ctx context.Context, rctx *api.RequestContext, commit string) (*pipeline.Handle, error) {
	s, err := f.engine.Settings(ctx, rctx)
	if err != nil {
		return nil, err
	}
	p := &pipeline.Pipeline{
		CacheDir: f.cacheDir,
		Flights:  f.flights,
		Observer: f.observer,
		Init: func(ctx context.Context, vars pipeline.Vars) (bool, error) {
			commit, _ := vars["commit"].(string)
			commit, err := f.resolveCommit(ctx, rctx, commit)
			if err != nil {
				return false, err
			}
			vars["commit"] = commit
			return true, nil
		},
		Open: func(ctx context.Context, vars pipeline.Vars, w io.Writer) error {
			return vcs.ListTrackedFiles(ctx, rctx.RepoPath, vars["commit"].(string), w)
		},
		Steps: []pipeline.Step{{
			Template: recordsTemplate,
			Run:      f.makeRecordsStep(s),
		}},
		Done: annotate,
	}
	h, err := p.Run(ctx, pipeline.Vars{"ctx": rctx, "commit": commit})
	if err != nil {
		return nil, notFound(err)
	}
	return h, nil
}
