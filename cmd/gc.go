package cmd

import (
	"github.com/spf13/cobra"

	"github.com/locomote-sh/server/internal/gcache"
	"github.com/locomote-sh/server/internal/logging"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run one cache sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := logging.New(logging.Config{Level: cfg.Logging.Level, Service: "locomote-gc"})
		if err != nil {
			return err
		}
		defer log.Close()

		sweeper, err := gcache.New(cfg.CacheDir, cfg.GC.MaxAgeDays, cfg.GC.IntervalMinutes, cfg.GC.Preserve, log.Logger)
		if err != nil {
			return err
		}
		sweeper.Sweep()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gcCmd)
}
