package branchdb

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch rescans the content root when repositories appear or disappear.
// The root and every account directory are watched; only create, remove
// and rename events in them trigger a rescan, so pushes into existing
// repos arrive via the post-receive hook instead. Rescans are debounced.
func (db *DB) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(db.root); err != nil {
		_ = watcher.Close()
		return err
	}
	if accounts, err := os.ReadDir(db.root); err == nil {
		for _, acct := range accounts {
			if acct.IsDir() {
				_ = watcher.Add(filepath.Join(db.root, acct.Name()))
			}
		}
	}

	go func() {
		defer watcher.Close()
		var rescan <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if ev.Op&fsnotify.Create != 0 && !strings.HasSuffix(ev.Name, ".git") {
					// A new account directory: watch it for repos.
					_ = watcher.Add(ev.Name)
				}
				rescan = time.After(2 * time.Second)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				db.log.Warn("content watcher error", "error", err)
			case <-rescan:
				rescan = nil
				if err := db.Scan(ctx); err != nil {
					db.log.Warn("content rescan failed", "error", err)
				}
			}
		}
	}()
	return nil
}
