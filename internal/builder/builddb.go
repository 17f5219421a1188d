package builder

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// buildDB records the last successfully built commit per branch, so the
// startup scan can find work that was lost to a crash.
type buildDB struct {
	db *sql.DB
}

const buildSchema = `
CREATE TABLE IF NOT EXISTS builds (
	account  TEXT NOT NULL,
	repo     TEXT NOT NULL,
	branch   TEXT NOT NULL,
	commit_id TEXT NOT NULL,
	built_at INTEGER NOT NULL,
	UNIQUE (account, repo, branch)
);
`

func openBuildDB(path string) (*buildDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open build db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(buildSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create build schema: %w", err)
	}
	return &buildDB{db: db}, nil
}

func (b *buildDB) Close() error { return b.db.Close() }

// lastBuild returns the recorded commit for a branch, or "".
func (b *buildDB) lastBuild(ctx context.Context, account, repo, branch string) (string, error) {
	var commit string
	err := b.db.QueryRowContext(ctx,
		`SELECT commit_id FROM builds WHERE account = ? AND repo = ? AND branch = ?`,
		account, repo, branch).Scan(&commit)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return commit, err
}

// addBuildCompletion records a successful build.
func (b *buildDB) addBuildCompletion(ctx context.Context, account, repo, branch, commit string, builtAt int64) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO builds (account, repo, branch, commit_id, built_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (account, repo, branch) DO UPDATE SET commit_id = excluded.commit_id, built_at = excluded.built_at`,
		account, repo, branch, commit, builtAt)
	return err
}
