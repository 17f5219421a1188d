package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ohler55/ojg/oj"
	"golang.org/x/sync/singleflight"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/fingerprint"
	"github.com/locomote-sh/server/internal/locoerr"
)

// Modes of term composition.
const (
	ModeAny   = "any"
	ModeAll   = "all"
	ModeExact = "exact"
)

// maxResults caps a query's row count.
const maxResults = 1000

// noIndexCommit keys result artifacts of branches that were never
// indexed.
const noIndexCommit = "00000000"

// Row is one line of a search result artifact. Rows are re-checked
// against the request's ACM context when served, so the artifact itself
// is auth-independent.
type Row struct {
	Path     string `json:"path"`
	Category string `json:"category"`
	Title    string `json:"title,omitempty"`
	Excerpt  string `json:"excerpt,omitempty"`
}

// Query resolves search requests against the store, caching result
// artifacts per (commit, fingerprint).
type Query struct {
	store    *Store
	cacheDir string
	quota    int64
	flights  *singleflight.Group
}

// NewQuery builds the query side. cacheDir is the search result cache
// root; quota bounds each branch's cache in bytes.
func NewQuery(store *Store, cacheDir string, quota int64) *Query {
	return &Query{
		store:    store,
		cacheDir: cacheDir,
		quota:    quota,
		flights:  &singleflight.Group{},
	}
}

// Run executes a search and returns the result artifact path. The term is
// lowercased; concurrent identical queries share one execution; repeated
// queries within the same (commit, fingerprint) window hit disk.
func (q *Query) Run(ctx context.Context, rctx *api.RequestContext, term, mode, path string) (string, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return "", fmt.Errorf("%w: empty search term", locoerr.ErrBadRequest)
	}
	switch mode {
	case "", ModeAny:
		mode = ModeAny
	case ModeAll, ModeExact:
	default:
		return "", fmt.Errorf("%w: unknown search mode %q", locoerr.ErrBadRequest, mode)
	}

	commit, err := q.store.IndexedCommit(ctx, rctx.Account, rctx.Repo, rctx.Branch)
	if err != nil {
		return "", err
	}
	if commit == "" {
		commit = noIndexCommit
	}

	fp := fingerprint.OfValue(map[string]any{"term": term, "mode": mode, "path": path})
	artifact := filepath.Join(q.cacheDir,
		rctx.Account, rctx.Repo, rctx.Branch,
		fmt.Sprintf("%s-%s.json", commit, fp))

	_, err, _ = q.flights.Do(artifact, func() (any, error) {
		if info, err := os.Stat(artifact); err == nil && !info.IsDir() {
			return nil, nil
		}
		if err := q.produce(ctx, rctx, artifact, term, mode, path); err != nil {
			return nil, err
		}
		q.evict(filepath.Dir(artifact))
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return artifact, nil
}

func (q *Query) produce(ctx context.Context, rctx *api.RequestContext, artifact, term, mode, path string) error {
	rows, err := q.query(ctx, rctx, term, mode, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(artifact), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(artifact), ".tmp-*")
	if err != nil {
		return err
	}
	for _, row := range rows {
		data, err := oj.Marshal(row, &oj.Options{OmitNil: true})
		if err == nil {
			_, err = tmp.Write(append(data, '\n'))
		}
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), artifact)
}

func (q *Query) query(ctx context.Context, rctx *api.RequestContext, term, mode, path string) ([]*Row, error) {
	match := matchExpr(term, mode)
	args := []any{rctx.Account, rctx.Repo, rctx.Branch, match}
	sqlText := `
		SELECT f.path, f.category, COALESCE(f.title, ''), t.content
		FROM text t
		JOIN files f ON f.textid = t.rowid
		JOIN scope s ON s.id = f.scopeid
		WHERE s.account = ? AND s.repo = ? AND s.branch = ? AND t.content MATCH ?`
	if path != "" {
		sqlText += ` AND f.path LIKE ?`
		args = append(args, path+"%")
	}
	sqlText += fmt.Sprintf(` LIMIT %d`, maxResults)

	rs, err := q.store.read.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rs.Close()

	terms := queryTerms(term, mode)
	var rows []*Row
	for rs.Next() {
		var row Row
		var content string
		if err := rs.Scan(&row.Path, &row.Category, &row.Title, &content); err != nil {
			return nil, err
		}
		row.Excerpt = Excerpt(content, terms)
		rows = append(rows, &row)
	}
	return rows, rs.Err()
}

// matchExpr builds the FTS5 match expression for a mode.
func matchExpr(term, mode string) string {
	switch mode {
	case ModeExact:
		return quoteTerm(term)
	case ModeAll:
		return strings.Join(quoteTerms(term), " AND ")
	default:
		return strings.Join(quoteTerms(term), " OR ")
	}
}

func quoteTerms(term string) []string {
	fields := strings.Fields(term)
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = quoteTerm(f)
	}
	return out
}

func quoteTerm(t string) string {
	return `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
}

// queryTerms lists the individual terms highlighted in excerpts. Exact
// mode highlights the whole phrase.
func queryTerms(term, mode string) []string {
	if mode == ModeExact {
		return []string{term}
	}
	return strings.Fields(term)
}
