package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-curator/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "curator",
	Short: "Fragrance catalog enhancement pipeline",
	Long:  "Synthesizes improvements for catalog records from scraped documents and text-generation backends, queues them as reviewable changes, and applies or rolls them back.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		applyStoreFlags(cmd, c)
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		zap.L().Debug("curator: command starting",
			zap.String("command", cmd.CommandPath()),
			zap.String("store_driver", cfg.Store.Driver),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// applyStoreFlags lets --store-driver, --database-url and --log-level win
// over file and environment config for one invocation.
func applyStoreFlags(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()
	if f.Changed("store-driver") {
		c.Store.Driver, _ = f.GetString("store-driver")
	}
	if f.Changed("database-url") {
		c.Store.DatabaseURL, _ = f.GetString("database-url")
	}
	if f.Changed("log-level") {
		c.Log.Level, _ = f.GetString("log-level")
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("store-driver", "", "record store driver: sqlite or postgres")
	pf.String("database-url", "", "sqlite path or postgres connection string")
	pf.String("log-level", "", "log level override")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
