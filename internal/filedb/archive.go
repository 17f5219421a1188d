package filedb

import (
	"archive/zip"
	"context"
	"fmt"
	"io"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/locoerr"
	"github.com/locomote-sh/server/internal/pipeline"
	"github.com/locomote-sh/server/internal/vcs"
)

const (
	filesetListTemplate    = "internal/{ctx.account}/{ctx.repo}/fileset-{category}-{commit}-{since}-{ctx.auth.group}.jsonl"
	filesetArchiveTemplate = "internal/{ctx.account}/{ctx.repo}/fileset-{category}-{commit}-{since}-group-{ctx.auth.group}.zip"
)

// ListFilesetFiles reduces the full listing to the records of one
// category. since may be empty for a snapshot or name a commit for a
// delta.
func (f *FileDB) ListFilesetFiles(ctx context.Context, rctx *api.RequestContext, category, since string) (*pipeline.Handle, error) {
	if category == "" {
		return nil, fmt.Errorf("%w: category is required", locoerr.ErrBadRequest)
	}
	v, err := f.run(ctx, rctx, func() (any, error) {
		return f.filesetList(ctx, rctx, category, since)
	})
	if err != nil {
		return nil, notFound(err)
	}
	return v.(*pipeline.Handle), nil
}

func (f *FileDB) filesetList(ctx context.Context, rctx *api.RequestContext, category, since string) (*pipeline.Handle, error) {
	s, err := f.engine.Settings(ctx, rctx)
	if err != nil {
		return nil, err
	}
	if s.Filesets.ByCategory(category) == nil {
		return nil, fmt.Errorf("%w: unknown fileset %q", locoerr.ErrBadRequest, category)
	}

	// The underlying listing supplies the commit and the filtered
	// records; this pipeline only reduces it to one category.
	var source *pipeline.Handle
	p := &pipeline.Pipeline{
		CacheDir: f.cacheDir,
		Flights:  f.flights,
		Observer: f.observer,
		Init: func(ctx context.Context, vars pipeline.Vars) (bool, error) {
			var err error
			if since == "" {
				source, err = f.listAllUnpooled(ctx, rctx)
			} else {
				source, err = f.listUpdatesUnpooled(ctx, rctx, since)
			}
			if err != nil {
				return false, err
			}
			vars["commit"] = source.Commit
			vars["category"] = category
			vars["since"] = orNone(since)
			return true, nil
		},
		Open: func(ctx context.Context, vars pipeline.Vars, w io.Writer) error {
			r, err := source.Open()
			if err != nil {
				return err
			}
			defer r.Close()
			_, err = io.Copy(w, r)
			return err
		},
		Steps: []pipeline.Step{{
			Template: filesetListTemplate,
			Run: func(ctx context.Context, vars pipeline.Vars, w io.Writer, r io.Reader) error {
				return pipeline.TransformJSONL(w, r,
					func(rec *api.FileRecord, emit pipeline.Emit) error {
						if rec.IsControl() || rec.Category != category {
							return nil
						}
						return emit(rec)
					}, nil)
			},
		}},
		Done: annotate,
	}
	return p.Run(ctx, pipeline.Vars{"ctx": rctx})
}

// GetFilesetContents returns a ZIP archive of the category's published
// files at the branch head.
func (f *FileDB) GetFilesetContents(ctx context.Context, rctx *api.RequestContext, category string) (*pipeline.Handle, error) {
	return f.filesetArchive(ctx, rctx, category, "")
}

// GetFilesetUpdatedContents archives only the files changed since the
// given commit.
func (f *FileDB) GetFilesetUpdatedContents(ctx context.Context, rctx *api.RequestContext, category, since string) (*pipeline.Handle, error) {
	if since == "" {
		return nil, fmt.Errorf("%w: since is required", locoerr.ErrBadRequest)
	}
	return f.filesetArchive(ctx, rctx, category, since)
}

func (f *FileDB) filesetArchive(ctx context.Context, rctx *api.RequestContext, category, since string) (*pipeline.Handle, error) {
	if category == "" {
		return nil, fmt.Errorf("%w: category is required", locoerr.ErrBadRequest)
	}
	v, err := f.run(ctx, rctx, func() (any, error) {
		var paths []string
		p := &pipeline.Pipeline{
			CacheDir: f.cacheDir,
			Flights:  f.flights,
			Observer: f.observer,
			Init: func(ctx context.Context, vars pipeline.Vars) (bool, error) {
				list, err := f.filesetList(ctx, rctx, category, since)
				if err != nil {
					return false, err
				}
				r, err := list.Open()
				if err != nil {
					return false, err
				}
				defer r.Close()
				recs, err := pipeline.ReadRecords(r)
				if err != nil {
					return false, err
				}
				for _, rec := range recs {
					if rec.Status == api.StatusPublished {
						paths = append(paths, rec.Path)
					}
				}
				vars["commit"] = list.Commit
				vars["category"] = category
				vars["since"] = orNone(since)
				return true, nil
			},
			Open: func(ctx context.Context, vars pipeline.Vars, w io.Writer) error {
				if len(paths) == 0 {
					// git archive with no pathspec would ship the whole
					// tree; an empty delta gets an empty archive.
					return zip.NewWriter(w).Close()
				}
				return vcs.ZipFilesAtCommit(ctx, rctx.RepoPath, vars["commit"].(string), paths, w)
			},
			Steps: []pipeline.Step{{
				Template: filesetArchiveTemplate,
				Run: func(ctx context.Context, vars pipeline.Vars, w io.Writer, r io.Reader) error {
					_, err := io.Copy(w, r)
					return err
				},
			}},
			Done: func(vars pipeline.Vars, h *pipeline.Handle) (*pipeline.Handle, error) {
				h, err := annotate(vars, h)
				if err != nil {
					return nil, err
				}
				h.MimeType = "application/zip"
				return h, nil
			},
		}
		return p.Run(ctx, pipeline.Vars{"ctx": rctx})
	})
	if err != nil {
		return nil, notFound(err)
	}
	return v.(*pipeline.Handle), nil
}

// listAllUnpooled and listUpdatesUnpooled run the listing pipelines
// without re-entering the worker pool; composed operations already hold a
// slot and re-acquiring one could deadlock under load.
func (f *FileDB) listAllUnpooled(ctx context.Context, rctx *api.RequestContext) (*pipeline.Handle, error) {
	s, err := f.engine.Settings(ctx, rctx)
	if err != nil {
		return nil, err
	}
	p := f.listAllPipeline(s, resultsTemplate, f.processUpdates())
	return p.Run(ctx, pipeline.Vars{"ctx": rctx, "commit": ""})
}

func (f *FileDB) listUpdatesUnpooled(ctx context.Context, rctx *api.RequestContext, since string) (*pipeline.Handle, error) {
	s, err := f.engine.Settings(ctx, rctx)
	if err != nil {
		return nil, err
	}
	p := f.updatesPipeline(s)
	return p.Run(ctx, pipeline.Vars{"ctx": rctx, "commit": "", "since": since})
}

func orNone(since string) string {
	if since == "" {
		return "none"
	}
	return since
}
