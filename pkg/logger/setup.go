package logger

import (
	"fmt"

	"github.com/spf13/cobra"
)

// SetupFromFlags builds a logger from the shared CLI log flags.
func SetupFromFlags(cmd *cobra.Command) (Logger, error) {
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	logJSON, err := cmd.Flags().GetBool("log-json")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-json flag: %w", err)
	}
	logSource, err := cmd.Flags().GetBool("log-source")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-source flag: %w", err)
	}
	return NewLogger(&Config{
		Level:      LogLevel(logLevel),
		Output:     cmd.OutOrStdout(),
		JSON:       logJSON,
		AddSource:  logSource,
		TimeFormat: "15:04:05",
	}), nil
}

// RegisterFlags adds the shared log flags to a command.
func RegisterFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	cmd.PersistentFlags().Bool("log-source", false, "include caller location in logs")
}
