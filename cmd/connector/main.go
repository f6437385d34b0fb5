package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "waconnector/cmd/connector/docs"
	"waconnector/internal/config"
	"waconnector/internal/constants"
	"waconnector/internal/logger"
	"waconnector/pkg/logging"
)

var (
	configFile string
)

// @title           WhatsApp Connector API
// @version         1.0
// @description     Ingests WhatsApp protocol events into the inbox tables and publishes realtime updates

// @host      localhost:8080
// @BasePath  /

// @schemes   http https
func main() {
	rootCmd := &cobra.Command{
		Use:           "connector",
		Short:         "WhatsApp connector ingestion core",
		Long:          "Ingests WhatsApp protocol events into the inbox tables and publishes realtime updates",
		RunE:          serveCmd().RunE,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (or CONFIG_FILE)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(retryQueueCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the config file from the flag or CONFIG_FILE and builds the logger.
func loadConfig() (*config.Config, logger.Logger, error) {
	earlyLog := logging.NewEarlyLog()

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}
	if configFile == "" {
		earlyLog.Warn("No config file given, using defaults and environment")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, nil, err
	}

	log, err := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		earlyLog.Error("Failed to init logger: %v", err)
		return nil, nil, err
	}
	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the connector",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			ctx = logging.WithServiceName(ctx, constants.ServiceName)

			log.InfowCtx(ctx, "Starting connector")

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				if shutdownErr := app.Shutdown(context.Background()); shutdownErr != nil {
					log.ErrorwCtx(ctx, "Cleanup after failed start", "error", shutdownErr)
				}
				return err
			}

			if err := app.Run(ctx); err != nil {
				log.ErrorwCtx(ctx, "Application error", "error", err)
				return err
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the PostgreSQL schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(cmd.Context(), func(m *migrator) error { return m.up() })
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(cmd.Context(), func(m *migrator) error { return m.down(steps) })
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back (0 rolls back everything)")

	cmd.AddCommand(up, down)
	return cmd
}

func retryQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry-queue",
		Short: "Operate on the durable retry queue",
	}

	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize the retry queue log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			summary, err := inspectRetryQueue(cfg.RetryQueue.Path, log)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), summary.String())
			return err
		},
	}

	cmd.AddCommand(inspect)
	return cmd
}
