package cli

import (
	"fmt"
	"os"

	"github.com/flopods/engine/engine/infra/server"
	"github.com/flopods/engine/pkg/config"
	"github.com/flopods/engine/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const defaultEnvFile = ".env"

// ServeCmd starts the execution engine HTTP server.
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the execution engine HTTP server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := loadEnvFile(cmd); err != nil {
		return err
	}
	log, err := logger.SetupFromFlags(cmd)
	if err != nil {
		return err
	}
	ctx := logger.ContextWithLogger(cmd.Context(), log)
	cfg, err := config.NewService().Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return server.NewServer(ctx, cfg).Run()
}

// loadEnvFile applies an env file before the config service reads the
// environment. An explicitly named file must exist; the default .env is
// optional.
func loadEnvFile(cmd *cobra.Command) error {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return fmt.Errorf("failed to get env-file flag: %w", err)
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
		return nil
	}
	if _, err := os.Stat(defaultEnvFile); err == nil {
		if err := godotenv.Load(defaultEnvFile); err != nil {
			return fmt.Errorf("failed to load %s: %w", defaultEnvFile, err)
		}
	}
	return nil
}
