package manifest

import (
	"context"
	"strings"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/async"
	"github.com/locomote-sh/server/internal/events"
)

// Cache memoizes resolved manifests by (repoPath, branch). Entries build
// under a single-flight key and are dropped when the owning repo emits an
// update event.
type Cache struct {
	flights *async.CachingSingleflight
}

func NewCache(bus *events.Bus, size int) (*Cache, error) {
	flights, err := async.NewCachingSingleflight(size)
	if err != nil {
		return nil, err
	}
	c := &Cache{flights: flights}
	if bus != nil {
		bus.OnRepoUpdate(func(ev events.RepoUpdate) {
			c.InvalidateRepo(ev.Account + "/" + ev.Repo)
		})
	}
	return c, nil
}

func cacheKey(repoPath, branch string) string {
	return repoPath + "\x00" + branch
}

// Get returns the manifest for (repoPath, branch), loading it on miss.
func (c *Cache) Get(ctx context.Context, repoPath, branch string) (*api.Manifest, error) {
	v, err := c.flights.Do(cacheKey(repoPath, branch), func() (any, error) {
		return Load(ctx, repoPath, branch)
	})
	if err != nil {
		return nil, err
	}
	return v.(*api.Manifest), nil
}

// InvalidateRepo drops every branch's entry for repos whose path contains
// the "<account>/<repo>" suffix.
func (c *Cache) InvalidateRepo(accountRepo string) {
	c.flights.RemoveIf(func(id string) bool {
		repoPath, _, _ := strings.Cut(id, "\x00")
		return strings.HasSuffix(strings.TrimSuffix(repoPath, ".git"), accountRepo)
	})
}
