// Package cli wires the cobra command tree for the dbtap binary.
package cli

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dbtap/dbtap/config"
)

// Root builds the top-level command. Flags bind straight into cfg so the
// subcommands read a fully resolved configuration.
func Root(ctx context.Context, logger *zap.Logger, cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dbtap",
		Short:         "dbtap intercepts database traffic and serves stored mocks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for persisted proxies and mocks")
	cmd.PersistentFlags().BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	cmd.PersistentFlags().BoolVar(&cfg.TestingMode, "testing-mode", cfg.TestingMode, "forward mocked queries to the backend and report drift")
	cmd.PersistentFlags().BoolVar(&cfg.AutoMockCreation, "auto-mock", cfg.AutoMockCreation, "create disabled mocks from unmatched query/response pairs")
	cmd.PersistentFlags().DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "maximum wait for a backend response")
	cmd.PersistentFlags().DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "maximum wait for a backend connection")

	cmd.AddCommand(serve(ctx, logger, cfg))
	return cmd
}
