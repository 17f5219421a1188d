package cmd

import (
	"context"
	"path/filepath"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/acm"
	"github.com/locomote-sh/server/internal/async"
	"github.com/locomote-sh/server/internal/branchdb"
	"github.com/locomote-sh/server/internal/builder"
	"github.com/locomote-sh/server/internal/config"
	"github.com/locomote-sh/server/internal/events"
	"github.com/locomote-sh/server/internal/filedb"
	"github.com/locomote-sh/server/internal/logging"
	"github.com/locomote-sh/server/internal/manifest"
	"github.com/locomote-sh/server/internal/metrics"
	"github.com/locomote-sh/server/internal/negotiate"
	"github.com/locomote-sh/server/internal/search"
)

// runtime is the composition root shared by the serve and index
// commands.
type runtime struct {
	cfg        *config.Config
	log        *logging.Logger
	bus        *events.Bus
	queue      *async.Queue
	manifests  *manifest.Cache
	branches   *branchdb.DB
	engine     *acm.Engine
	files      *filedb.FileDB
	negotiator *negotiate.Negotiator
	store      *search.Store
	indexer    *search.Indexer
	query      *search.Query
	builds     *builder.Builder
	metrics    *metrics.Metrics
}

// newRuntime wires every subsystem and scans the content root.
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	log, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		LogDir:  cfg.Logging.Dir,
		Service: "locomote",
	})
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	queue := async.NewQueue()

	manifests, err := manifest.NewCache(bus, 256)
	if err != nil {
		return nil, err
	}

	profiles := func(name string) *api.BuildProfile {
		p := cfg.ProfileByName(name)
		if p == nil {
			return nil
		}
		return &api.BuildProfile{Buildable: p.Buildable, Command: p.Command, Env: p.Env}
	}

	branches := branchdb.New(cfg.ContentRepoHome, manifests, profiles, log.Logger)
	if err := branches.Scan(ctx); err != nil {
		return nil, err
	}

	settings, err := acm.NewSettingsCache(acm.Defaults{
		Method:   cfg.Auth.Method,
		Realm:    cfg.Auth.Realm,
		Users:    cfg.Auth.Users,
		Filesets: cfg.Filesets,
	}, manifests, bus, 256)
	if err != nil {
		return nil, err
	}
	engine := acm.NewEngine(settings)

	files, err := filedb.New(cfg.CacheDir, engine, bus, log.Logger)
	if err != nil {
		return nil, err
	}

	negotiator, err := negotiate.NewNegotiator(bus, 256, nil)
	if err != nil {
		return nil, err
	}

	store, err := search.OpenStore(cfg.Search.DBPath, queue)
	if err != nil {
		return nil, err
	}
	indexer := search.NewIndexer(store, files, engine, queue, log.Logger)
	query := search.NewQuery(store, filepath.Join(cfg.CacheDir, "search"), cfg.Search.CacheQuota)

	builds, err := builder.New(cfg.WorkspaceHome, profiles, branches, manifests, queue, bus, log.Logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	files.SetObserver(m)
	builds.SetObserver(m)

	return &runtime{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		queue:      queue,
		manifests:  manifests,
		branches:   branches,
		engine:     engine,
		files:      files,
		negotiator: negotiator,
		store:      store,
		indexer:    indexer,
		query:      query,
		builds:     builds,
		metrics:    m,
	}, nil
}

// Close releases held resources.
func (r *runtime) Close() {
	_ = r.builds.Close()
	_ = r.store.Close()
	_ = r.log.Close()
}
