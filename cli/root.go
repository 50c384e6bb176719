package cli

import (
	"github.com/flopods/engine/pkg/logger"
	"github.com/spf13/cobra"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "flopods",
		Short:        "FLOPODS pod execution engine",
		SilenceUsage: true,
	}
	logger.RegisterFlags(root)
	root.PersistentFlags().String("env-file", "", "load environment variables from this file before reading config")
	root.AddCommand(ServeCmd())
	return root
}
