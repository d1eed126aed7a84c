package cli

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dbtap/dbtap/config"
	"github.com/dbtap/dbtap/pkg/core"
	"github.com/dbtap/dbtap/utils"
	"github.com/dbtap/dbtap/utils/log"
)

// serve loads the persisted proxies, starts every enabled one and runs until
// the context is cancelled.
func serve(ctx context.Context, logger *zap.Logger, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the proxy engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Debug {
				debugLogger, err := log.ChangeLogLevel(zapcore.DebugLevel)
				if err != nil {
					return err
				}
				logger = debugLogger
			}

			engine := core.New(logger, cfg)
			if err := engine.Start(ctx); err != nil {
				utils.LogError(logger, err, "failed to start the engine")
				return err
			}
			logger.Info("engine started", zap.String("dataDir", cfg.DataDir))

			<-ctx.Done()
			logger.Info("shutting down")

			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
			defer cancel()
			engine.Close(closeCtx)
			return nil
		},
	}
}
