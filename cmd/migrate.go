package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the lead table in the configured postgres or sqlite store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		ctx := cmd.Context()
		gw, err := openGateway(ctx, cfg)
		if err != nil {
			return err
		}
		defer gw.close()

		m, ok := gw.Gateway.(migrator)
		if !ok {
			return eris.Errorf("store driver %s has no migrations", cfg.Store.Driver)
		}
		if err := m.Migrate(ctx); err != nil {
			return err
		}

		zap.L().Info("lead table ready",
			zap.String("driver", cfg.Store.Driver),
			zap.String("table", cfg.Store.Table),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
