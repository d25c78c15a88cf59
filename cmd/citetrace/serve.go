package main

import (
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/citetrace-ai/citetrace/internal/config"
	"github.com/citetrace-ai/citetrace/internal/observability"
	"github.com/citetrace-ai/citetrace/internal/server"
)

// newServeCmd creates the serve subcommand.
func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the citetrace API server in-process",
		Long: `Serve starts the full ingestion and retrieval engine: worker pool,
progress bus, storage backends, and the HTTP API. Equivalent to running
the citetrace-api binary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger := observability.NewLogger(observability.LogConfig{
				Level:       cfg.Observability.LogLevel,
				Format:      cfg.Observability.LogFormat,
				ServiceName: "citetrace",
			})
			return server.Run(cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}
