package fileset

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ohler55/ojg/oj"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/vcs"
)

// SearchRecord is what a processor contributes to the full-text index.
type SearchRecord struct {
	ID       string
	Path     string
	Title    string
	Content  string
	Category string
}

// Processor generates records, streams contents, and extracts search text
// for one fileset category.
type Processor interface {
	// MakeRecord builds the published record for path at commit.
	MakeRecord(ctx context.Context, rctx *api.RequestContext, fs *Fileset, commit, path string) (*api.FileRecord, error)
	// PipeContents streams the file's bytes, applying any
	// category-specific transform.
	PipeContents(ctx context.Context, rctx *api.RequestContext, commit, path string, w io.Writer) error
	// MakeSearchRecord extracts indexable text from a published record.
	MakeSearchRecord(ctx context.Context, rctx *api.RequestContext, rec *api.FileRecord) (*SearchRecord, error)
}

func processorFor(name string) (Processor, error) {
	switch name {
	case "", ProcessorRaw:
		return rawProcessor{}, nil
	case ProcessorHTML:
		return htmlProcessor{}, nil
	case ProcessorJSON:
		return jsonProcessor{}, nil
	default:
		return nil, fmt.Errorf("unknown processor %q", name)
	}
}

// rawProcessor emits bare records and pipes bytes untouched.
type rawProcessor struct{}

func (rawProcessor) MakeRecord(ctx context.Context, rctx *api.RequestContext, fs *Fileset, commit, path string) (*api.FileRecord, error) {
	return &api.FileRecord{
		Path:     path,
		Category: fs.Category,
		Status:   api.StatusPublished,
		Commit:   commit,
	}, nil
}

func (rawProcessor) PipeContents(ctx context.Context, rctx *api.RequestContext, commit, path string, w io.Writer) error {
	return vcs.PipeFileAtCommit(ctx, rctx.RepoPath, commit, path, w)
}

func (rawProcessor) MakeSearchRecord(ctx context.Context, rctx *api.RequestContext, rec *api.FileRecord) (*SearchRecord, error) {
	data, err := vcs.ReadFileAtCommit(ctx, rctx.RepoPath, rec.Commit, rec.Path)
	if err != nil {
		return nil, err
	}
	return &SearchRecord{
		ID:       rec.Path,
		Path:     rec.Path,
		Content:  string(data),
		Category: rec.Category,
	}, nil
}

// htmlProcessor parses page metadata into the record and relocates
// absolute URLs when piping .html contents.
type htmlProcessor struct{}

func (htmlProcessor) MakeRecord(ctx context.Context, rctx *api.RequestContext, fs *Fileset, commit, path string) (*api.FileRecord, error) {
	data, err := vcs.ReadFileAtCommit(ctx, rctx.RepoPath, commit, path)
	if err != nil {
		return nil, err
	}
	page, err := parsePage(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &api.FileRecord{
		Path:     path,
		Category: fs.Category,
		Status:   api.StatusPublished,
		Commit:   commit,
		Page:     page,
	}, nil
}

func (htmlProcessor) PipeContents(ctx context.Context, rctx *api.RequestContext, commit, path string, w io.Writer) error {
	if !strings.HasSuffix(path, ".html") {
		return vcs.PipeFileAtCommit(ctx, rctx.RepoPath, commit, path, w)
	}
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- RelocateHTML(w, pr, rctx.BasePath)
	}()
	err := vcs.PipeFileAtCommit(ctx, rctx.RepoPath, commit, path, pw)
	_ = pw.CloseWithError(err)
	rerr := <-done
	if err != nil {
		return err
	}
	return rerr
}

func (htmlProcessor) MakeSearchRecord(ctx context.Context, rctx *api.RequestContext, rec *api.FileRecord) (*SearchRecord, error) {
	data, err := vcs.ReadFileAtCommit(ctx, rctx.RepoPath, rec.Commit, rec.Path)
	if err != nil {
		return nil, err
	}
	title := ""
	if rec.Page != nil {
		title = rec.Page.Title
	}
	return &SearchRecord{
		ID:       rec.Path,
		Path:     rec.Path,
		Title:    title,
		Content:  ExtractText(data),
		Category: rec.Category,
	}, nil
}

// jsonProcessor embeds the parsed document as record data.
type jsonProcessor struct{}

func (jsonProcessor) MakeRecord(ctx context.Context, rctx *api.RequestContext, fs *Fileset, commit, path string) (*api.FileRecord, error) {
	data, err := vcs.ReadFileAtCommit(ctx, rctx.RepoPath, commit, path)
	if err != nil {
		return nil, err
	}
	parsed, err := oj.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &api.FileRecord{
		Path:     path,
		Category: fs.Category,
		Status:   api.StatusPublished,
		Commit:   commit,
		Data:     parsed,
	}, nil
}

func (jsonProcessor) PipeContents(ctx context.Context, rctx *api.RequestContext, commit, path string, w io.Writer) error {
	return vcs.PipeFileAtCommit(ctx, rctx.RepoPath, commit, path, w)
}

func (jsonProcessor) MakeSearchRecord(ctx context.Context, rctx *api.RequestContext, rec *api.FileRecord) (*SearchRecord, error) {
	data, err := vcs.ReadFileAtCommit(ctx, rctx.RepoPath, rec.Commit, rec.Path)
	if err != nil {
		return nil, err
	}
	return &SearchRecord{
		ID:       rec.Path,
		Path:     rec.Path,
		Content:  string(data),
		Category: rec.Category,
	}, nil
}
