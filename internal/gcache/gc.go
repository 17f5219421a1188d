// Package gcache sweeps the pipeline cache, evicting artifacts that have
// not been read for a configured number of days.
package gcache

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/locomote-sh/server/internal/glob"
)

// Sweeper periodically removes stale cache artifacts.
type Sweeper struct {
	root     string
	maxAge   time.Duration
	interval time.Duration
	preserve *glob.Set
	log      *slog.Logger
}

// New builds a sweeper. preserveGlobs exempt matching cache-relative
// paths from eviction.
func New(root string, maxAgeDays, intervalMinutes int, preserveGlobs []string, log *slog.Logger) (*Sweeper, error) {
	preserve, err := glob.CompileSet(preserveGlobs)
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		root:     root,
		maxAge:   time.Duration(maxAgeDays) * 24 * time.Hour,
		interval: time.Duration(intervalMinutes) * time.Minute,
		preserve: preserve,
		log:      log,
	}, nil
}

// Start sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Sweep runs one pass. Failures are logged; there are no retries.
func (s *Sweeper) Sweep() {
	cutoff := time.Now().Add(-s.maxAge)
	var removed, kept int

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(s.root, path)
		if rerr != nil {
			return nil
		}
		if s.preserve.Matches(filepath.ToSlash(rel)) {
			kept++
			return nil
		}
		var st unix.Stat_t
		if unix.Stat(path, &st) != nil {
			return nil
		}
		atime := time.Unix(st.Atim.Sec, st.Atim.Nsec)
		if atime.After(cutoff) {
			kept++
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil {
			s.log.Warn("cache eviction failed", "path", path, "error", rmErr)
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		s.log.Warn("cache sweep aborted", "error", err)
		return
	}
	if removed > 0 {
		s.log.Info("cache sweep", "removed", removed, "kept", kept)
	}
}
