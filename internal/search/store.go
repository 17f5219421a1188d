// Package search maintains the full-text index and serves search queries
// through an on-disk result cache. One database holds every account's
// branches, each under its own scope row; accounts do not get separate
// databases.
package search

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/locomote-sh/server/internal/async"
)

// writeQueueName serializes every statement on the write connection.
const writeQueueName = "search-db"

// Store wraps the FTS database: one writable connection serialized
// through a named queue, one read-only connection for queries.
type Store struct {
	write *sql.DB
	read  *sql.DB
	queue *async.Queue
}

const schema = `
CREATE TABLE IF NOT EXISTS scope (
	id         INTEGER PRIMARY KEY,
	account    TEXT NOT NULL,
	repo       TEXT NOT NULL,
	branch     TEXT NOT NULL,
	index_date INTEGER,
	since      TEXT,
	UNIQUE (account, repo, branch)
);

CREATE TABLE IF NOT EXISTS files (
	id       TEXT NOT NULL,
	scopeid  INTEGER NOT NULL REFERENCES scope(id),
	path     TEXT NOT NULL,
	category TEXT NOT NULL,
	title    TEXT,
	textid   INTEGER,
	UNIQUE (id, scopeid)
);
CREATE INDEX IF NOT EXISTS idx_files_scope_path ON files(scopeid, path);

CREATE VIRTUAL TABLE IF NOT EXISTS text USING fts5(content, tokenize='unicode61');
`

// OpenStore opens (and if necessary creates) the FTS database at path.
func OpenStore(path string, queue *async.Queue) (*Store, error) {
	write, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open search db: %w", err)
	}
	write.SetMaxOpenConns(1)
	if _, err := write.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = write.Close()
		return nil, err
	}
	if _, err := write.Exec(schema); err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("create search schema: %w", err)
	}

	read, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("open search db read-only: %w", err)
	}

	return &Store{write: write, read: read, queue: queue}, nil
}

// Close releases both connections.
func (s *Store) Close() error {
	rerr := s.read.Close()
	if err := s.write.Close(); err != nil {
		return err
	}
	return rerr
}

// withTx runs fn inside a transaction on the write connection, serialized
// with every other writer.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	_, err := s.queue.Do(writeQueueName, func() (any, error) {
		tx, err := s.write.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		return nil, tx.Commit()
	})
	return err
}

// scopeFor reads or creates the scope row for a branch, returning its id
// and the last indexed commit ("" when never indexed).
func scopeFor(tx *sql.Tx, account, repo, branch string) (int64, string, error) {
	var id int64
	var since sql.NullString
	err := tx.QueryRow(
		`SELECT id, since FROM scope WHERE account = ? AND repo = ? AND branch = ?`,
		account, repo, branch).Scan(&id, &since)
	if err == sql.ErrNoRows {
		res, ierr := tx.Exec(
			`INSERT INTO scope (account, repo, branch) VALUES (?, ?, ?)`,
			account, repo, branch)
		if ierr != nil {
			return 0, "", ierr
		}
		id, ierr = res.LastInsertId()
		return id, "", ierr
	}
	if err != nil {
		return 0, "", err
	}
	return id, since.String, nil
}

// IndexedCommit returns the commit a branch was last indexed at, or "".
func (s *Store) IndexedCommit(ctx context.Context, account, repo, branch string) (string, error) {
	var since sql.NullString
	err := s.read.QueryRowContext(ctx,
		`SELECT since FROM scope WHERE account = ? AND repo = ? AND branch = ?`,
		account, repo, branch).Scan(&since)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return since.String, nil
}

// upsertFile replaces a file's index entry and its text row.
func upsertFile(tx *sql.Tx, scopeID int64, id, path, category, title, content string) error {
	if err := deleteFile(tx, scopeID, id); err != nil {
		return err
	}
	res, err := tx.Exec(`INSERT INTO text (content) VALUES (?)`, content)
	if err != nil {
		return err
	}
	textID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO files (id, scopeid, path, category, title, textid) VALUES (?, ?, ?, ?, ?, ?)`,
		id, scopeID, path, category, title, textID)
	return err
}

// deleteFile removes a file's entry and text row, if present.
func deleteFile(tx *sql.Tx, scopeID int64, id string) error {
	var textID sql.NullInt64
	err := tx.QueryRow(
		`SELECT textid FROM files WHERE id = ? AND scopeid = ?`, id, scopeID).Scan(&textID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if textID.Valid {
		if _, err := tx.Exec(`DELETE FROM text WHERE rowid = ?`, textID.Int64); err != nil {
			return err
		}
	}
	_, err = tx.Exec(`DELETE FROM files WHERE id = ? AND scopeid = ?`, id, scopeID)
	return err
}
