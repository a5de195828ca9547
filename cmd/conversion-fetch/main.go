package main

import (
	"os"

	"github.com/Sternrassler/conversion-fetch/internal/config"
	"github.com/Sternrassler/conversion-fetch/pkg/logging"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	cfg        *config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "conversion-fetch",
	Short: "Fetch conversion records from a paginated API",
	Long:  "Pulls every page of a date-ranged conversions query in parallel waves, retrying transient failures and skipping pages that cannot be fetched.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		logging.Setup(cfg.LoggingConfig())
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
