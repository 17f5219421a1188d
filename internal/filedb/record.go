package filedb

import (
	"context"
	"fmt"
	"io"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/acm"
	"github.com/locomote-sh/server/internal/fingerprint"
	"github.com/locomote-sh/server/internal/locoerr"
	"github.com/locomote-sh/server/internal/pipeline"
)

const recordTemplate = "internal/{ctx.account}/{ctx.repo}/records/{commitPath}-{pathHash}-{ctx.auth.group}.json"

// commitPath splits a commit hash into a two-level directory component,
// keeping record directories from growing unbounded.
func commitPath(commit string) string {
	if len(commit) <= 2 {
		return commit
	}
	return commit[:2] + "/" + commit[2:]
}

// GetFileRecord returns the single record for path, generated at the
// path's last-modifying commit and filtered for the request's auth
// context. Inaccessible and unknown paths yield ErrNotFound.
func (f *FileDB) GetFileRecord(ctx context.Context, rctx *api.RequestContext, path string) (*api.FileRecord, error) {
	v, err := f.run(ctx, rctx, func() (any, error) {
		s, err := f.engine.Settings(ctx, rctx)
		if err != nil {
			return nil, err
		}
		p := &pipeline.Pipeline{
			CacheDir: f.cacheDir,
			Flights:  f.flights,
			Observer: f.observer,
			Init: func(ctx context.Context, vars pipeline.Vars) (bool, error) {
				infos, err := f.fileInfos(ctx, rctx)
				if err != nil {
					return false, err
				}
				info := infos[path]
				if info == nil {
					return false, nil
				}
				vars["path"] = path
				vars["pathHash"] = fingerprint.OfString(path)
				vars["commit"] = info.Commit
				vars["commitPath"] = commitPath(info.Commit)
				return true, nil
			},
			Open: func(ctx context.Context, vars pipeline.Vars, w io.Writer) error {
				rec, err := s.Filesets.MakeFileRecord(ctx, rctx, vars["commit"].(string), path, true)
				if err != nil {
					return err
				}
				if rec == nil {
					return nil
				}
				return pipeline.WriteRecord(w, rec)
			},
			Steps: []pipeline.Step{{
				Template: recordTemplate,
				Run: func(ctx context.Context, vars pipeline.Vars, w io.Writer, r io.Reader) error {
					return pipeline.TransformJSONL(w, r,
						func(rec *api.FileRecord, emit pipeline.Emit) error {
							if rec = acm.FilterAndRewrite(rctx, rec); rec == nil {
								return nil
							}
							return emit(rec)
						}, nil)
				},
			}},
			Done: annotate,
		}
		return p.Run(ctx, pipeline.Vars{"ctx": rctx})
	})
	if err != nil {
		return nil, notFound(err)
	}

	h := v.(*pipeline.Handle)
	r, err := h.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	recs, err := pipeline.ReadRecords(r)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		// The record was filtered out: indistinguishable from absent.
		return nil, fmt.Errorf("record %s: %w", path, locoerr.ErrNotFound)
	}
	rec := recs[0]
	return rec, nil
}
