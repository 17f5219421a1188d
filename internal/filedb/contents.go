package filedb

import (
	"context"
	"io"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/fingerprint"
	"github.com/locomote-sh/server/internal/negotiate"
	"github.com/locomote-sh/server/internal/pipeline"
)

const contentsTemplate = "external/{ctx.hostname}{ctx.basePath}{commitPath}/{pathHash}-{ctx.auth.group}"

// GetFileContents returns a handle on path's bytes at its last-modifying
// commit, piped through the owning fileset's processor. Paths outside the
// request's accessible categories yield ErrNotFound.
func (f *FileDB) GetFileContents(ctx context.Context, rctx *api.RequestContext, path string) (*pipeline.Handle, error) {
	v, err := f.run(ctx, rctx, func() (any, error) {
		s, err := f.engine.Settings(ctx, rctx)
		if err != nil {
			return nil, err
		}
		var cacheControl string
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
				if rctx.Auth != nil && !rctx.Auth.Accessible[info.Category] {
					return false, nil
				}
				cacheControl = info.CacheControl
				vars["path"] = path
				vars["pathHash"] = fingerprint.OfString(path)
				vars["commit"] = info.Commit
				vars["commitPath"] = commitPath(info.Commit)
				return true, nil
			},
			Open: func(ctx context.Context, vars pipeline.Vars, w io.Writer) error {
				return s.Filesets.PipeContents(ctx, rctx, vars["commit"].(string), path, w)
			},
			Steps: []pipeline.Step{{
				Template: contentsTemplate,
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
				h.MimeType = negotiate.MimeTypeForPath(path)
				h.CacheControl = cacheControl
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
