// Package server mounts the Locomote HTTP surface on a gin engine and
// hosts the post-receive hook listener.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/locomote-sh/server/internal/acm"
	"github.com/locomote-sh/server/internal/async"
	"github.com/locomote-sh/server/internal/branchdb"
	"github.com/locomote-sh/server/internal/builder"
	"github.com/locomote-sh/server/internal/config"
	"github.com/locomote-sh/server/internal/filedb"
	"github.com/locomote-sh/server/internal/metrics"
	"github.com/locomote-sh/server/internal/negotiate"
	"github.com/locomote-sh/server/internal/search"
)

// Server wires the HTTP surface to the content subsystems.
type Server struct {
	cfg        *config.Config
	engine     *acm.Engine
	negotiator *negotiate.Negotiator
	files      *filedb.FileDB
	query      *search.Query
	branches   *branchdb.DB
	builds     *builder.Builder
	queue      *async.Queue
	metrics    *metrics.Metrics
	log        *slog.Logger

	// commits memoizes commits.api responses per (key, head). Keys embed
	// the branch head, so entries age out by LRU rather than by event.
	commits *async.CachingSingleflight

	router *gin.Engine
}

// commitsCacheSize bounds the commits.api response cache.
const commitsCacheSize = 128

// Deps collects the constructor dependencies.
type Deps struct {
	Config     *config.Config
	Engine     *acm.Engine
	Negotiator *negotiate.Negotiator
	Files      *filedb.FileDB
	Query      *search.Query
	Branches   *branchdb.DB
	Builds     *builder.Builder
	Queue      *async.Queue
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

// New builds the server and its routes.
func New(d Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:        d.Config,
		engine:     d.Engine,
		negotiator: d.Negotiator,
		files:      d.Files,
		query:      d.Query,
		branches:   d.Branches,
		builds:     d.Builds,
		queue:      d.Queue,
		metrics:    d.Metrics,
		log:        d.Log,
	}
	// The constructor only fails on a non-positive size.
	s.commits, _ = async.NewCachingSingleflight(commitsCacheSize)
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router; tests drive it with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	mount := strings.TrimSuffix(s.cfg.HTTP.Mount, "/")
	r.GET(mount+"/robots.txt", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/plain", []byte("User-agent: *\nDisallow:\n"))
	})
	r.GET(mount+"/metrics", gin.WrapH(
		promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	// Every content route shares the address grammar; a catch-all would
	// conflict with the static routes above, so the fallback handler
	// dispatches on the resolved endpoint instead.
	r.NoRoute(s.dispatch)
	return r
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.HTTP.Addr, Handler: s.router}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.log.Info("http listening", "addr", s.cfg.HTTP.Addr, "mount", s.cfg.HTTP.Mount)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}
