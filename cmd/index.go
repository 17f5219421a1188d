package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Reindex every public branch into the search database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		for _, ref := range rt.branches.ListPublic() {
			if err := rt.indexer.IndexBranchNow(ctx, ref); err != nil {
				rt.log.Error("index failed", "key", ref.Key(), "error", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
}
