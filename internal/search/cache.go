package search

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

// evictGrace exempts files modified within the last minute; an artifact
// may still be streaming to a client right after its write.
const evictGrace = 60 * time.Second

// evict enforces the per-branch quota on one result cache directory,
// removing least-recently-read artifacts first.
func (q *Query) evict(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	type candidate struct {
		path  string
		size  int64
		atime time.Time
		mtime time.Time
	}
	var files []candidate
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			continue
		}
		c := candidate{
			path:  path,
			size:  st.Size,
			atime: time.Unix(st.Atim.Sec, st.Atim.Nsec),
			mtime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		}
		files = append(files, c)
		total += c.size
	}
	if total <= q.quota {
		return
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].atime.Before(files[j].atime)
	})
	now := time.Now()
	for _, f := range files {
		if total <= q.quota {
			return
		}
		if now.Sub(f.mtime) < evictGrace {
			continue
		}
		if err := os.Remove(f.path); err == nil {
			total -= f.size
		}
	}
}
