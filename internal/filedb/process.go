package filedb

import (
	"context"
	"io"
	"sort"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/acm"
	"github.com/locomote-sh/server/internal/pipeline"
	"github.com/locomote-sh/server/internal/vcs"
)

// processUpdates is the shared final record stage: it stamps every file
// record with its path's last-modified commit, applies the request's ACM
// filter and rewrites, runs registered hooks, and appends the stream's
// control records. When vars carries valid == "I" a reset control record
// is emitted first.
func (f *FileDB) processUpdates() pipeline.StepFunc {
	return func(ctx context.Context, vars pipeline.Vars, w io.Writer, r io.Reader) error {
		rctx := vars["ctx"].(*api.RequestContext)
		listCommit, _ := vars["commit"].(string)

		if vars["valid"] == "I" {
			// The client's since commit is unknown: tell it to reset
			// before any records arrive.
			if err := pipeline.WriteRecord(w, &api.FileRecord{Control: "reset"}); err != nil {
				return err
			}
		}

		categories := make(map[string]*vcs.CommitInfo)
		commits := make(map[string]*vcs.CommitInfo)

		return pipeline.TransformJSONL(w, r,
			func(rec *api.FileRecord, emit pipeline.Emit) error {
				ci, err := vcs.LastCommitForFile(ctx, rctx.RepoPath, listCommit, rec.Path)
				if err != nil {
					return err
				}
				if ci != nil {
					rec.Commit = ci.ID
				}

				rec = f.hooks.Apply("filedb", pipeline.Pre, rec, vars)
				if rec == nil {
					return nil
				}
				rec = acm.FilterAndRewrite(rctx, rec)
				if rec == nil {
					return nil
				}
				rec = f.hooks.Apply("filedb", pipeline.Post, rec, vars)
				if rec == nil {
					return nil
				}

				if ci != nil {
					if prev := categories[rec.Category]; prev == nil || ci.UnixSec > prev.UnixSec {
						categories[rec.Category] = ci
					}
					commits[ci.ID] = ci
				}
				return emit(rec)
			},
			func(emit pipeline.Emit) error {
				// Control records in a stable order: categories, commits,
				// acm group, branch head.
				for _, name := range sortedKeys(categories) {
					err := emit(&api.FileRecord{CategoryInfo: &api.CategoryControl{
						Name:   name,
						Commit: categories[name].ID,
					}})
					if err != nil {
						return err
					}
				}
				for _, id := range sortedKeys(commits) {
					ci := commits[id]
					err := emit(&api.FileRecord{CommitInfo: &api.CommitControl{
						Commit:  ci.ID,
						Date:    ci.UnixSec,
						Subject: ci.Subject,
					}})
					if err != nil {
						return err
					}
				}
				if err := emit(&api.FileRecord{ACM: &api.ACMControl{Group: rctx.Group()}}); err != nil {
					return err
				}
				return emit(&api.FileRecord{Latest: &api.LatestControl{Commit: listCommit}})
			})
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
