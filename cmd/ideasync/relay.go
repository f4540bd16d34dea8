package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ideasync/internal/config"
	"ideasync/internal/di"
	"ideasync/internal/logging"
)

func newRelayCmd(flags *globalFlags) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the websocket relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, level, err := bootstrap(flags)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cmd.Flags().Changed("host") {
				cfg.Relay.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Relay.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if watcher := watchConfig(flags.configDir, cfg, level, logger); watcher != nil {
				defer watcher.Stop()
			}

			r, cleanup, err := di.InitializeRelay(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			logger.Info("Starting relay",
				zap.String("version", Version),
				zap.String("address", cfg.Relay.Addr()),
				zap.Strings("config_sources", cfg.LoadedFrom),
			)
			return r.Server.StartWithContext(ctx, cfg.Relay.Addr())
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides relay.host)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides relay.port)")
	return cmd
}

// watchConfig applies log level changes from the configuration directory.
// A directory that cannot be watched only disables hot reloading.
func watchConfig(dir string, cfg *config.Config, level zap.AtomicLevel, logger *zap.Logger) *config.ConfigWatcher {
	if dir == "" {
		dir = os.Getenv("CONFIG_DIR")
	}
	watcher, err := config.NewConfigWatcher(config.NewLoader(dir, cfg.Environment), cfg, logger)
	if err != nil {
		logger.Warn("Configuration hot reloading disabled", zap.Error(err))
		return nil
	}
	watcher.OnChange(func(c *config.Config) {
		if err := logging.SetLevel(level, c.Logging.Level); err != nil {
			logger.Warn("Ignoring log level change", zap.Error(err))
		}
	})
	return watcher
}
