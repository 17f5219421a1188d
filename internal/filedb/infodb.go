package filedb

import (
	"context"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/pipeline"
	"github.com/locomote-sh/server/internal/vcs"
)

// FileInfo is one entry of the per-branch file-info DB.
type FileInfo struct {
	// Commit is the short hash of the path's last-modifying commit.
	Commit string
	// Category names the owning fileset; CacheControl is its override.
	Category     string
	CacheControl string
}

// fileInfoMap is the materialized info DB of one branch.
type fileInfoMap map[string]*FileInfo

// fileInfos returns the branch's path → info mapping, building it under
// a single flight on first use. Entries are evicted by repo update
// events, so a build always reflects the post-update head.
func (f *FileDB) fileInfos(ctx context.Context, rctx *api.RequestContext) (fileInfoMap, error) {
	v, err := f.infoDB.Do(rctx.Key, func() (any, error) {
		return f.buildFileInfos(ctx, rctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(fileInfoMap), nil
}

func (f *FileDB) buildFileInfos(ctx context.Context, rctx *api.RequestContext) (fileInfoMap, error) {
	s, err := f.engine.Settings(ctx, rctx)
	if err != nil {
		return nil, err
	}
	h, err := f.listAllRecords(ctx, rctx, "")
	if err != nil {
		return nil, err
	}
	r, err := h.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	recs, err := pipeline.ReadRecords(r)
	if err != nil {
		return nil, err
	}

	infos := make(fileInfoMap, len(recs))
	for _, rec := range recs {
		if rec.IsControl() {
			continue
		}
		ci, err := vcs.LastCommitForFile(ctx, rctx.RepoPath, h.Commit, rec.Path)
		if err != nil {
			return nil, err
		}
		if ci == nil {
			continue
		}
		info := &FileInfo{Commit: ci.ID, Category: rec.Category}
		if fs := s.Filesets.ByCategory(rec.Category); fs != nil {
			info.CacheControl = fs.CacheControl
		}
		infos[rec.Path] = info
	}
	return infos, nil
}

// GetFileInfo exposes one path's info, or nil when the path is not part
// of the branch's fileset-owned tree.
func (f *FileDB) GetFileInfo(ctx context.Context, rctx *api.RequestContext, path string) (*FileInfo, error) {
	v, err := f.run(ctx, rctx, func() (any, error) {
		infos, err := f.fileInfos(ctx, rctx)
		if err != nil {
			return nil, err
		}
		return infos[path], nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	info, _ := v.(*FileInfo)
	return info, nil
}

// Exists reports whether path is served on the branch.
func (f *FileDB) Exists(ctx context.Context, rctx *api.RequestContext, path string) (bool, error) {
	info, err := f.GetFileInfo(ctx, rctx, path)
	if err != nil {
		return false, err
	}
	return info != nil, nil
}
