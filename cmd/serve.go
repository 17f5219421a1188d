package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/locomote-sh/server/internal/gcache"
	"github.com/locomote-sh/server/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the content server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.branches.Watch(ctx); err != nil {
			rt.log.Warn("content watcher unavailable", "error", err)
		}
		rt.indexer.Start(ctx, rt.branches, rt.bus)
		rt.builds.StartupScan(ctx)

		sweeper, err := gcache.New(cfg.CacheDir, cfg.GC.MaxAgeDays, cfg.GC.IntervalMinutes, cfg.GC.Preserve, rt.log.Logger)
		if err != nil {
			return err
		}
		sweeper.Start(ctx)

		srv := server.New(server.Deps{
			Config:     cfg,
			Engine:     rt.engine,
			Negotiator: rt.negotiator,
			Files:      rt.files,
			Query:      rt.query,
			Branches:   rt.branches,
			Builds:     rt.builds,
			Queue:      rt.queue,
			Metrics:    rt.metrics,
			Log:        rt.log.Logger,
		})
		if err := srv.RunHookListener(ctx); err != nil {
			return err
		}
		return srv.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
